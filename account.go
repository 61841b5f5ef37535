package escrow

import (
	"fmt"
	"strings"
)

type (
	// AccountID identifies an escrow account
	AccountID string

	// AuthorizationID identifies a release authorization. It is an
	// unguessable bearer handle
	AuthorizationID string

	// Address identifies a party: a payer, a payee, or the holder of an
	// authorization
	Address string

	// Status is the settlement state of an account
	Status string

	// Account is the state of one escrow, folded from its events. Once
	// settled it never changes again and stays queryable as an audit
	// record
	Account struct {
		ID          AccountID `json:"id"`
		ReferenceID string    `json:"reference_id"`
		Payer       Address   `json:"payer"`
		Payee       Address   `json:"payee"`
		Status      Status    `json:"status"`
		HeldAmount  int64     `json:"held_amount"`
		Balance     int64     `json:"balance"`
		Deadline    UnixMilli `json:"deadline"`
		CreatedAt   UnixMilli `json:"created_at"`
		SettledAt   UnixMilli `json:"settled_at,omitempty"`
		Shared      bool      `json:"shared"`
	}

	// Authorization is the capability to release one account's funds to
	// its payee. It is minted with the account, may change hands, and is
	// destroyed by a successful release
	Authorization struct {
		ID        AuthorizationID `json:"id"`
		AccountID AccountID       `json:"account_id"`
		Holder    Address         `json:"holder"`
	}

	// CreateRequest describes a new escrow. The payer is the caller
	CreateRequest struct {
		ReferenceID string    `json:"reference_id"`
		Payee       Address   `json:"payee"`
		Amount      int64     `json:"amount"`
		Deadline    UnixMilli `json:"deadline"`
	}
)

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"

	maxReferenceSize = 256
)

func newAccount() *Account {
	return &Account{}
}

// Amount returns the value deposited at creation
func (a *Account) Amount() int64 {
	return a.HeldAmount
}

// Exists reports whether the account has been created
func (a *Account) Exists() bool {
	return a.Status != ""
}

// IsActive reports whether the account still holds its funds
func (a *Account) IsActive() bool {
	return a.Status == StatusActive
}

// IsReleased reports whether the funds went to the payee
func (a *Account) IsReleased() bool {
	return a.Status == StatusReleased
}

// IsRefunded reports whether the funds went back to the payer
func (a *Account) IsRefunded() bool {
	return a.Status == StatusRefunded
}

// IsSettled reports whether the account reached a terminal status
func (a *Account) IsSettled() bool {
	return a.IsReleased() || a.IsRefunded()
}

// checkActive returns the error describing why the account can no longer
// transition, or nil if it can
func (a *Account) checkActive() error {
	switch a.Status {
	case StatusActive:
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusRefunded:
		return ErrAlreadyRefunded
	default:
		return ErrAccountNotFound
	}
}

// IsLive reports whether the authorization still carries a binding. A
// consumed authorization is zeroed
func (a *Authorization) IsLive() bool {
	return a != nil && a.ID != ""
}

func (a *Authorization) destroy() {
	*a = Authorization{}
}

// Validate makes sure the request is sensible for the given payer
func (r CreateRequest) Validate(payer Address) error {
	if strings.TrimSpace(string(payer)) == "" {
		return fmt.Errorf("%w: payer is required", ErrInvalidInput)
	}
	if strings.TrimSpace(string(r.Payee)) == "" {
		return fmt.Errorf("%w: payee is required", ErrInvalidInput)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrInvalidInput, r.Amount)
	}
	if strings.TrimSpace(r.ReferenceID) == "" {
		return fmt.Errorf("%w: reference id is required", ErrInvalidInput)
	}
	if len(r.ReferenceID) > maxReferenceSize {
		return fmt.Errorf("%w: reference id too long", ErrInvalidInput)
	}
	return nil
}
