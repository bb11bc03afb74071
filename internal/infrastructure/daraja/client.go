// Package daraja implements the payment.Gateway boundary against the
// Safaricom Daraja API (M-Pesa STK push).
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesalock/pesalock/internal/domain/payment"
)

const (
	sandboxBaseURL = "https://sandbox.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"
)

// Config holds Daraja API credentials and callback routing.
type Config struct {
	BaseURL     string
	ConsumerKey string
	ConsumerSec string
	Shortcode   string
	Passkey     string
	CallbackURL string
	Timeout     time.Duration
}

// Client is an HTTP payment.Gateway backed by Daraja. Access tokens are
// cached until shortly before expiry and refreshed lazily under a mutex.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	token      string
	tokenUntil time.Time
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sandboxBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("service", "daraja").Logger(),
		now:    time.Now,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorMessage        string `json:"errorMessage"`
}

func (c *Client) InitiateSTKPush(ctx context.Context, req payment.STKRequest) (*payment.STKResult, error) {
	ts := c.now().Format("20060102150405")
	body := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.Round(0).String(),
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.Reference,
		TransactionDesc:   req.Narrative,
	}

	var resp stkPushResponse
	if err := c.post(ctx, pushPath, body, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		msg := resp.ResponseDescription
		if msg == "" {
			msg = resp.ErrorMessage
		}
		return nil, fmt.Errorf("stk push rejected: %s", msg)
	}

	c.logger.Info().
		Str("checkout_request_id", resp.CheckoutRequestID).
		Str("reference", req.Reference).
		Msg("stk push accepted")

	return &payment.STKResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
	}, nil
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
}

func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (payment.RequestStatus, error) {
	ts := c.now().Format("20060102150405")
	body := map[string]string{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := c.post(ctx, queryPath, body, &resp); err != nil {
		return payment.RequestPending, err
	}
	// Daraja answers 500.001.1001 while the push is still in flight.
	if resp.ErrorCode == "500.001.1001" {
		return payment.RequestPending, nil
	}
	if resp.ResultCode == "0" {
		return payment.RequestSucceeded, nil
	}
	if resp.ResultCode == "" {
		return payment.RequestPending, nil
	}
	return payment.RequestFailed, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daraja request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("daraja returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("daraja response decode: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenUntil) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSec)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("daraja token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("daraja token request returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("daraja token decode: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("daraja token response missing access_token")
	}

	ttl := 3600
	if n, err := strconv.Atoi(tr.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	c.token = tr.AccessToken
	// Refresh a minute early so in-flight calls never carry a stale token.
	c.tokenUntil = c.now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

func stkPassword(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// Callback is the wire shape Daraja posts back after the payer responds.
type Callback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Daraja confirmation payload into the
// gateway-neutral result the escrow service consumes.
func ParseCallback(r io.Reader) (*payment.CallbackResult, error) {
	var cb Callback
	if err := json.NewDecoder(r).Decode(&cb); err != nil {
		return nil, fmt.Errorf("callback decode: %w", err)
	}
	sc := cb.Body.StkCallback
	if sc.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}
	result := &payment.CallbackResult{
		CheckoutRequestID: sc.CheckoutRequestID,
		ResultCode:        sc.ResultCode,
		ResultDesc:        sc.ResultDesc,
	}
	for _, item := range sc.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				result.Receipt = receipt
			}
		}
	}
	return result, nil
}
