package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/circlesplit/splitledger/pkg/messaging"
	"github.com/circlesplit/splitledger/pkg/token"
)

// Conformance failure strings. These are part of the external contract and
// must not be reworded.
var (
	ErrAlreadyMember    = errors.New("Already a member")
	ErrNotMember        = errors.New("Not a member")
	ErrApproveFirst     = errors.New("Approve USDC first")
	ErrLengthMismatch   = errors.New("Array length mismatch")
	ErrNoParticipants   = errors.New("No participants")
	ErrInvalidVendor    = errors.New("Invalid vendor address")
	ErrInvalidAmount    = errors.New("Invalid amount")
	ErrLimitExceeded    = errors.New("Daily or monthly usage limit exceeded")
	ErrIndexOutOfBounds = errors.New("Index out of bounds")
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// Settings are fixed at group creation
type Settings struct {
	ApproveAmount decimal.Decimal
	MaxDaily      decimal.Decimal
	MaxMonthly    decimal.Decimal
}

// Usage is one rolling accumulation window for a member
type Usage struct {
	WindowStart time.Time
	Accumulated decimal.Decimal
}

// PaymentRecord is an immutable entry in the payment history. Participants
// and Amounts are parallel arrays; the failed lists are the subset that did
// not transfer.
type PaymentRecord struct {
	PaymentID          int
	ExternalID         uint64
	Initiator          uuid.UUID
	Vendor             uuid.UUID
	Participants       []uuid.UUID
	Amounts            []decimal.Decimal
	Timestamp          time.Time
	FailedParticipants []uuid.UUID
	FailedAmounts      []decimal.Decimal

	failedIdx []int // positions in Participants whose transfer failed
}

// MembershipIndex is the registry's reverse index, updated transactionally
// within join/leave. The ledger's own member set stays authoritative.
type MembershipIndex interface {
	RegisterMembership(member uuid.UUID, l *Ledger) error
	UnregisterMembership(member uuid.UUID, l *Ledger) error
}

type usageState struct {
	dailyStart   time.Time
	daily        decimal.Decimal
	monthlyStart time.Time
	monthly      decimal.Decimal
}

// Ledger is the per-group accounting engine: membership, rolling usage
// caps, and an append-only payment history. All mutating operations are
// serialized by one mutex per instance.
type Ledger struct {
	id       uuid.UUID
	name     string
	owner    uuid.UUID
	token    token.Capability
	settings Settings
	index    MembershipIndex
	pub      messaging.Publisher

	mu            sync.RWMutex
	members       []uuid.UUID
	memberSet     map[uuid.UUID]bool
	usage         map[uuid.UUID]*usageState
	history       []PaymentRecord
	externalIndex map[uint64]int
	externalIDs   []uint64

	now func() time.Time
}

// Config carries the immutable construction parameters
type Config struct {
	ID        uuid.UUID
	Name      string
	Owner     uuid.UUID
	Token     token.Capability
	Settings  Settings
	Index     MembershipIndex
	Publisher messaging.Publisher
}

// New creates a ledger. Settings are assumed validated by the registry;
// ledgers are only ever created through it.
func New(cfg Config) *Ledger {
	return &Ledger{
		id:            cfg.ID,
		name:          cfg.Name,
		owner:         cfg.Owner,
		token:         cfg.Token,
		settings:      cfg.Settings,
		index:         cfg.Index,
		pub:           cfg.Publisher,
		memberSet:     make(map[uuid.UUID]bool),
		usage:         make(map[uuid.UUID]*usageState),
		externalIndex: make(map[uint64]int),
		now:           time.Now,
	}
}

// ID returns the ledger's identity
func (l *Ledger) ID() uuid.UUID { return l.id }

// Name returns the group name
func (l *Ledger) Name() string { return l.name }

// Owner returns the creator's identity
func (l *Ledger) Owner() uuid.UUID { return l.owner }

// Settings returns the group settings
func (l *Ledger) Settings() Settings { return l.settings }

// Join admits a caller who has approved at least the group's approve
// amount. The allowance check is a one-time gate: it is not re-verified per
// payment, and later exhaustion shows up as an individual transfer failure.
func (l *Ledger) Join(ctx context.Context, member uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.memberSet[member] {
		return ErrAlreadyMember
	}

	allowance, err := l.token.Allowance(ctx, member, l.id)
	if err != nil {
		return fmt.Errorf("failed to query allowance: %w", err)
	}
	if allowance.LessThan(l.settings.ApproveAmount) {
		return ErrApproveFirst
	}

	if err := l.index.RegisterMembership(member, l); err != nil {
		return err
	}

	l.members = append(l.members, member)
	l.memberSet[member] = true

	l.pub.Publish(ctx, messaging.SubjectMemberJoined, messaging.MemberJoinedEvent{
		LedgerID: l.id,
		Member:   member,
	})
	return nil
}

// Leave removes a member. Usage windows are retained so re-joining inside
// the same window does not reset accumulated spend.
func (l *Ledger) Leave(ctx context.Context, member uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.memberSet[member] {
		return ErrNotMember
	}

	if err := l.index.UnregisterMembership(member, l); err != nil {
		return err
	}

	for i, m := range l.members {
		if m == member {
			l.members = append(l.members[:i], l.members[i+1:]...)
			break
		}
	}
	delete(l.memberSet, member)

	l.pub.Publish(ctx, messaging.SubjectMemberLeft, messaging.MemberLeftEvent{
		LedgerID: l.id,
		Member:   member,
	})
	return nil
}

// SplitPayment charges each participant its share of a vendor payment.
// Phase 1 validates every participant's would-be usage against the caps and
// rejects the whole batch if any would exceed them, mutating nothing.
// Phase 2 attempts the transfers one by one: a failed transfer is recorded
// in the payment's failed lists and skipped, never aborting the batch.
// Returns the id of the appended payment record.
func (l *Ledger) SplitPayment(ctx context.Context, initiator uuid.UUID, externalID uint64, vendor uuid.UUID, participants []uuid.UUID, amounts []decimal.Decimal) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.memberSet[initiator] {
		return 0, ErrNotMember
	}
	if len(participants) != len(amounts) {
		return 0, ErrLengthMismatch
	}
	if len(participants) == 0 {
		return 0, ErrNoParticipants
	}
	if vendor == uuid.Nil {
		return 0, ErrInvalidVendor
	}
	// A negative amount would reverse the transfer direction and unwind
	// usage accounting; zero stays valid.
	for _, a := range amounts {
		if a.IsNegative() {
			return 0, ErrInvalidAmount
		}
	}

	now := l.now()

	// Phase 1: all-or-nothing limit validation against a scratch copy, so
	// a participant listed twice accumulates within the batch.
	scratch := make(map[uuid.UUID]usageState, len(participants))
	for i, p := range participants {
		st, ok := scratch[p]
		if !ok {
			if live, exists := l.usage[p]; exists {
				st = *live
			}
		}

		st.dailyStart, st.daily = rollWindow(st.dailyStart, st.daily, now, dailyWindow)
		st.monthlyStart, st.monthly = rollWindow(st.monthlyStart, st.monthly, now, monthlyWindow)
		st.daily = st.daily.Add(amounts[i])
		st.monthly = st.monthly.Add(amounts[i])

		if st.daily.GreaterThan(l.settings.MaxDaily) || st.monthly.GreaterThan(l.settings.MaxMonthly) {
			return 0, ErrLimitExceeded
		}
		scratch[p] = st
	}

	record := PaymentRecord{
		PaymentID:    len(l.history),
		ExternalID:   externalID,
		Initiator:    initiator,
		Vendor:       vendor,
		Participants: append([]uuid.UUID(nil), participants...),
		Amounts:      append([]decimal.Decimal(nil), amounts...),
		Timestamp:    now,
	}

	// Phase 2: per-participant transfers. Usage is committed per successful
	// transfer by re-applying the amount to the live state, so a failed
	// duplicate never leaks into a later commit.
	for i, p := range participants {
		if err := l.token.TransferFrom(ctx, p, vendor, amounts[i]); err != nil {
			record.FailedParticipants = append(record.FailedParticipants, p)
			record.FailedAmounts = append(record.FailedAmounts, amounts[i])
			record.failedIdx = append(record.failedIdx, i)
			continue
		}

		st, exists := l.usage[p]
		if !exists {
			st = &usageState{}
			l.usage[p] = st
		}
		st.dailyStart, st.daily = rollWindow(st.dailyStart, st.daily, now, dailyWindow)
		st.monthlyStart, st.monthly = rollWindow(st.monthlyStart, st.monthly, now, monthlyWindow)
		st.daily = st.daily.Add(amounts[i])
		st.monthly = st.monthly.Add(amounts[i])
	}

	l.history = append(l.history, record)
	if _, exists := l.externalIndex[externalID]; !exists {
		l.externalIndex[externalID] = record.PaymentID
		l.externalIDs = append(l.externalIDs, externalID)
	}

	l.pub.Publish(ctx, messaging.SubjectPaymentProcessed, messaging.PaymentProcessedEvent{
		LedgerID:           l.id,
		PaymentID:          record.PaymentID,
		ExternalID:         record.ExternalID,
		Initiator:          record.Initiator,
		Vendor:             record.Vendor,
		Participants:       record.Participants,
		Amounts:            amountStrings(record.Amounts),
		FailedParticipants: record.FailedParticipants,
		FailedAmounts:      amountStrings(record.FailedAmounts),
		Timestamp:          record.Timestamp,
	})

	return record.PaymentID, nil
}

// rollWindow resets an accumulation window that has aged past its period
func rollWindow(start time.Time, acc decimal.Decimal, now time.Time, window time.Duration) (time.Time, decimal.Decimal) {
	if start.IsZero() || now.Sub(start) >= window {
		return now, decimal.Zero
	}
	return start, acc
}

func amountStrings(amounts []decimal.Decimal) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}
