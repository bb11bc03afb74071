package payment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// RequestStatus is the gateway-reported state of a payment request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestSucceeded RequestStatus = "succeeded"
	RequestFailed    RequestStatus = "failed"
)

// STKRequest asks the gateway to prompt the payer's phone.
type STKRequest struct {
	Phone     string
	Amount    decimal.Decimal
	Reference string
	Narrative string
}

// STKResult identifies an accepted push request for later reconciliation.
type STKResult struct {
	MerchantRequestID string
	CheckoutRequestID string
}

// CallbackResult is the parsed asynchronous confirmation from the gateway.
type CallbackResult struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           string
}

func (c CallbackResult) Succeeded() bool {
	return c.ResultCode == 0
}

// Gateway is the mobile-money boundary. The confirmation leg is
// asynchronous and may never arrive; callers must support re-query or
// cancel rather than block, and must not advance custody state on request
// submission alone.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, req STKRequest) (*STKResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (RequestStatus, error)
}
