package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IsMember reports whether the identity is currently a member
func (l *Ledger) IsMember(member uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.memberSet[member]
}

// Members lists current members in insertion order
func (l *Ledger) Members() []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uuid.UUID(nil), l.members...)
}

// PaymentCount returns the number of recorded payments
func (l *Ledger) PaymentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.history)
}

// PaymentInfo returns the payment record with the given id
func (l *Ledger) PaymentInfo(paymentID int) (PaymentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if paymentID < 0 || paymentID >= len(l.history) {
		return PaymentRecord{}, ErrIndexOutOfBounds
	}
	return l.history[paymentID].clone(), nil
}

// clone deep-copies the record's slices so callers cannot mutate the
// append-only history through a returned record
func (r PaymentRecord) clone() PaymentRecord {
	r.Participants = append([]uuid.UUID(nil), r.Participants...)
	r.Amounts = append([]decimal.Decimal(nil), r.Amounts...)
	r.FailedParticipants = append([]uuid.UUID(nil), r.FailedParticipants...)
	r.FailedAmounts = append([]decimal.Decimal(nil), r.FailedAmounts...)
	r.failedIdx = append([]int(nil), r.failedIdx...)
	return r
}

// PaymentIDByExternal resolves a caller-supplied external id to the payment
// id it was first recorded under
func (l *Ledger) PaymentIDByExternal(externalID uint64) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.externalIndex[externalID]
	return id, ok
}

// ExternalIDs lists the recorded external ids in first-seen order
func (l *Ledger) ExternalIDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64(nil), l.externalIDs...)
}

// DailyUsage returns the member's daily window start and accumulated spend.
// Zero values if the member has never had a successful transfer.
func (l *Ledger) DailyUsage(member uuid.UUID) (time.Time, decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.usage[member]
	if !ok {
		return time.Time{}, decimal.Zero
	}
	return st.dailyStart, st.daily
}

// MonthlyUsage returns the member's monthly window start and accumulated spend
func (l *Ledger) MonthlyUsage(member uuid.UUID) (time.Time, decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.usage[member]
	if !ok {
		return time.Time{}, decimal.Zero
	}
	return st.monthlyStart, st.monthly
}

// FailedDetails returns the failed participant/amount pairs of a payment
func (l *Ledger) FailedDetails(paymentID int) ([]uuid.UUID, []decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if paymentID < 0 || paymentID >= len(l.history) {
		return nil, nil, ErrIndexOutOfBounds
	}
	rec := l.history[paymentID]
	return append([]uuid.UUID(nil), rec.FailedParticipants...),
		append([]decimal.Decimal(nil), rec.FailedAmounts...), nil
}

// SuccessfulParticipants returns the participants whose transfers went
// through, preserving the original participant order. Attribution is per
// occurrence: only the exact occurrences that failed are excluded.
func (l *Ledger) SuccessfulParticipants(paymentID int) ([]uuid.UUID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if paymentID < 0 || paymentID >= len(l.history) {
		return nil, ErrIndexOutOfBounds
	}

	rec := l.history[paymentID]
	failed := make(map[int]bool, len(rec.failedIdx))
	for _, i := range rec.failedIdx {
		failed[i] = true
	}

	successful := make([]uuid.UUID, 0, len(rec.Participants))
	for i, p := range rec.Participants {
		if failed[i] {
			continue
		}
		successful = append(successful, p)
	}
	return successful, nil
}
