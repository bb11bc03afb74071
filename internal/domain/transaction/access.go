package transaction

import "github.com/google/uuid"

// Action names a guarded operation on a transaction.
type Action string

const (
	ActionView     Action = "view"
	ActionUpdate   Action = "update"
	ActionFund     Action = "fund"
	ActionConfirm  Action = "confirm"
	ActionTransfer Action = "transfer"
	ActionAccept   Action = "accept"
	ActionCancel   Action = "cancel"
	ActionDispute  Action = "dispute"
	ActionDisburse Action = "disburse"
	ActionResolve  Action = "resolve"
)

// RoleFlags is the caller's computed role-in-transaction.
type RoleFlags struct {
	IsBuyer  bool
	IsSeller bool
	IsAdmin  bool
}

// Side returns which side of the trade the caller is on. Admin callers who
// are not a party report the buyer side last, so check the flags directly
// when attribution matters.
func (f RoleFlags) Side() PartySide {
	if f.IsSeller {
		return SideSeller
	}
	return SideBuyer
}

// Roles derives the caller's role flags for this transaction. Only claimed
// parties count; a pending party cannot act until it is bound.
func (t *Transaction) Roles(callerID uuid.UUID, isAdmin bool) RoleFlags {
	return RoleFlags{
		IsBuyer:  t.Buyer.UserID != nil && *t.Buyer.UserID == callerID,
		IsSeller: t.Seller.UserID != nil && *t.Seller.UserID == callerID,
		IsAdmin:  isAdmin,
	}
}

// Authorize is the access guard: a static action → predicate table over the
// caller's role flags. Unknown actions are denied. It says nothing about
// the current status; that is the status guard's job.
func Authorize(action Action, f RoleFlags) error {
	var allowed bool
	switch action {
	case ActionView, ActionUpdate:
		allowed = f.IsBuyer || f.IsSeller || f.IsAdmin
	case ActionFund, ActionConfirm, ActionAccept:
		allowed = f.IsBuyer
	case ActionTransfer:
		allowed = f.IsSeller
	case ActionCancel, ActionDispute:
		allowed = f.IsBuyer || f.IsSeller
	case ActionDisburse, ActionResolve:
		allowed = f.IsAdmin
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// CheckStatus is the status guard: a pure allow-list check against the
// current custody state, independent of who is calling.
func CheckStatus(t *Transaction, allowed ...Status) error {
	for _, s := range allowed {
		if t.Status == s {
			return nil
		}
	}
	return &InvalidStateError{Current: t.Status}
}

// CheckDispute rejects forward progress while a dispute is open. Admin
// dispute resolution is the only action exempt from this gate.
func CheckDispute(t *Transaction) error {
	if t.Dispute.IsOpen() {
		return &InvalidStateError{Current: t.Status, Reason: "dispute open"}
	}
	return nil
}
