package token

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Capability is the allowance-based value-transfer service a ledger spends
// through. The real implementation is an external token contract; the
// engine only ever moves funds owner -> recipient and never takes custody.
type Capability interface {
	// Allowance returns how much the owner has approved the spender to move.
	Allowance(ctx context.Context, owner, spender uuid.UUID) (decimal.Decimal, error)

	// TransferFrom moves amount from owner to recipient on behalf of the
	// spender identified by the capability binding. It either moves the full
	// amount or fails and moves nothing.
	TransferFrom(ctx context.Context, owner, recipient uuid.UUID, amount decimal.Decimal) error
}
