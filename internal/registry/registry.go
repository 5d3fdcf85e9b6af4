package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/circlesplit/splitledger/internal/ledger"
	"github.com/circlesplit/splitledger/pkg/messaging"
	"github.com/circlesplit/splitledger/pkg/token"
)

// Conformance failure strings, not to be reworded.
var (
	ErrInvalidToken        = errors.New("Invalid USDC token address")
	ErrNameEmpty           = errors.New("Name cannot be empty")
	ErrApproveAmountZero   = errors.New("Approve amount must be greater than 0")
	ErrMaxDailyZero        = errors.New("Max daily must be greater than 0")
	ErrMaxMonthlyZero      = errors.New("Max monthly must be greater than 0")
	ErrDailyExceedsMonthly = errors.New("Daily limit cannot exceed monthly limit")
	ErrUnknownLedger       = errors.New("caller is not a recognized ledger")
	ErrIndexOutOfBounds    = errors.New("Index out of bounds")
)

// Registry creates ledgers and maintains the owner and member reverse
// indices. Only ledgers the registry created may mutate the member index;
// the ledgers' own member sets stay authoritative and this index is a
// derived cache kept in sync within the join/leave serialization boundary.
type Registry struct {
	token token.Binder
	pub   messaging.Publisher

	mu     sync.RWMutex
	owned  map[uuid.UUID][]*ledger.Ledger
	member map[uuid.UUID][]*ledger.Ledger
	known  map[uuid.UUID]*ledger.Ledger
}

// NewRegistry creates a registry bound to a token capability
func NewRegistry(tok token.Binder, pub messaging.Publisher) (*Registry, error) {
	if tok == nil {
		return nil, ErrInvalidToken
	}
	return &Registry{
		token:  tok,
		pub:    pub,
		owned:  make(map[uuid.UUID][]*ledger.Ledger),
		member: make(map[uuid.UUID][]*ledger.Ledger),
		known:  make(map[uuid.UUID]*ledger.Ledger),
	}, nil
}

// CreateGroup validates the settings, instantiates a ledger owned by the
// caller and registers it in the indices
func (r *Registry) CreateGroup(ctx context.Context, owner uuid.UUID, name string, approveAmount, maxDaily, maxMonthly decimal.Decimal) (*ledger.Ledger, error) {
	if name == "" {
		return nil, ErrNameEmpty
	}
	if !approveAmount.IsPositive() {
		return nil, ErrApproveAmountZero
	}
	if !maxDaily.IsPositive() {
		return nil, ErrMaxDailyZero
	}
	if !maxMonthly.IsPositive() {
		return nil, ErrMaxMonthlyZero
	}
	if maxDaily.GreaterThan(maxMonthly) {
		return nil, ErrDailyExceedsMonthly
	}

	id := uuid.New()
	led := ledger.New(ledger.Config{
		ID:    id,
		Name:  name,
		Owner: owner,
		Token: r.token.Bind(id),
		Settings: ledger.Settings{
			ApproveAmount: approveAmount,
			MaxDaily:      maxDaily,
			MaxMonthly:    maxMonthly,
		},
		Index:     r,
		Publisher: r.pub,
	})

	r.mu.Lock()
	r.known[id] = led
	r.owned[owner] = append(r.owned[owner], led)
	r.mu.Unlock()

	r.pub.Publish(ctx, messaging.SubjectGroupCreated, messaging.GroupCreatedEvent{
		Owner:    owner,
		LedgerID: id,
		Name:     name,
	})
	return led, nil
}

// RegisterMembership adds a ledger to the member's reverse index. Callable
// only by ledgers this registry created; the ledger calls it exactly once
// per join, inside its own mutating section.
func (r *Registry) RegisterMembership(member uuid.UUID, l *ledger.Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l == nil || r.known[l.ID()] != l {
		return ErrUnknownLedger
	}
	r.member[member] = append(r.member[member], l)
	return nil
}

// UnregisterMembership removes a ledger from the member's reverse index.
// Order among the remaining entries is not preserved.
func (r *Registry) UnregisterMembership(member uuid.UUID, l *ledger.Ledger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l == nil || r.known[l.ID()] != l {
		return ErrUnknownLedger
	}

	ledgers := r.member[member]
	for i, entry := range ledgers {
		if entry == l {
			ledgers[i] = ledgers[len(ledgers)-1]
			r.member[member] = ledgers[:len(ledgers)-1]
			break
		}
	}
	return nil
}

// Ledger returns a known ledger by id
func (r *Registry) Ledger(id uuid.UUID) (*ledger.Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.known[id]
	return l, ok
}

// UserLedgers lists the ledgers created by an owner in creation order
func (r *Registry) UserLedgers(owner uuid.UUID) []*ledger.Ledger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ledger.Ledger(nil), r.owned[owner]...)
}

// UserLedgersCount returns how many ledgers an owner created
func (r *Registry) UserLedgersCount(owner uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owned[owner])
}

// UserLedgerByIndex returns the owner's i-th created ledger
func (r *Registry) UserLedgerByIndex(owner uuid.UUID, index int) (*ledger.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ledgers := r.owned[owner]
	if index < 0 || index >= len(ledgers) {
		return nil, ErrIndexOutOfBounds
	}
	return ledgers[index], nil
}

// UserMemberLedgers lists the ledgers the identity is currently a member of
func (r *Registry) UserMemberLedgers(member uuid.UUID) []*ledger.Ledger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ledger.Ledger(nil), r.member[member]...)
}

// UserMemberLedgersCount returns how many ledgers the identity is a member of
func (r *Registry) UserMemberLedgersCount(member uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.member[member])
}

// UserMemberLedgerByIndex returns the i-th ledger in the member index
func (r *Registry) UserMemberLedgerByIndex(member uuid.UUID, index int) (*ledger.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ledgers := r.member[member]
	if index < 0 || index >= len(ledgers) {
		return nil, ErrIndexOutOfBounds
	}
	return ledgers[index], nil
}
