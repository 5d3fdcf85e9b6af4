package token

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Binder hands out capabilities bound to a spender identity. Each ledger
// gets its own binding so allowances are tracked per (owner, ledger) pair,
// the way the on-chain token sees one spender address per ledger contract.
type Binder interface {
	Bind(spender uuid.UUID) Capability
}

// Sim is a deterministic in-memory token used by tests and dev mode. It
// follows allowance semantics: TransferFrom consumes the spender's
// allowance, so an exhausted approval shows up as a failed transfer.
type Sim struct {
	mu         sync.RWMutex
	balances   map[uuid.UUID]decimal.Decimal
	allowances map[uuid.UUID]map[uuid.UUID]decimal.Decimal // owner -> spender -> remaining
}

// NewSim creates an empty simulated token
func NewSim() *Sim {
	return &Sim{
		balances:   make(map[uuid.UUID]decimal.Decimal),
		allowances: make(map[uuid.UUID]map[uuid.UUID]decimal.Decimal),
	}
}

// Mint credits an account out of thin air
func (s *Sim) Mint(account uuid.UUID, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = s.balances[account].Add(amount)
}

// Approve sets the spender's allowance for an owner (overwrite, not add)
func (s *Sim) Approve(owner, spender uuid.UUID, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allowances[owner] == nil {
		s.allowances[owner] = make(map[uuid.UUID]decimal.Decimal)
	}
	s.allowances[owner][spender] = amount
}

// BalanceOf returns an account's balance
func (s *Sim) BalanceOf(account uuid.UUID) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account]
}

// Allowance returns the spender's remaining allowance for an owner
func (s *Sim) Allowance(ctx context.Context, owner, spender uuid.UUID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowances[owner][spender], nil
}

// Bind returns a capability acting as the given spender
func (s *Sim) Bind(spender uuid.UUID) Capability {
	return &simBinding{sim: s, spender: spender}
}

type simBinding struct {
	sim     *Sim
	spender uuid.UUID
}

func (b *simBinding) Allowance(ctx context.Context, owner, spender uuid.UUID) (decimal.Decimal, error) {
	return b.sim.Allowance(ctx, owner, spender)
}

func (b *simBinding) TransferFrom(ctx context.Context, owner, recipient uuid.UUID, amount decimal.Decimal) error {
	s := b.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.allowances[owner][b.spender]
	if remaining.LessThan(amount) {
		return ErrInsufficientAllowance
	}
	if s.balances[owner].LessThan(amount) {
		return ErrInsufficientBalance
	}

	if s.allowances[owner] == nil {
		s.allowances[owner] = make(map[uuid.UUID]decimal.Decimal)
	}
	s.allowances[owner][b.spender] = remaining.Sub(amount)
	s.balances[owner] = s.balances[owner].Sub(amount)
	s.balances[recipient] = s.balances[recipient].Add(amount)
	return nil
}
