package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectGroupCreated     = "group.created"
	SubjectMemberJoined     = "member.joined"
	SubjectMemberLeft       = "member.left"
	SubjectPaymentProcessed = "payment.processed"
)

// GroupCreatedEvent is published when the registry creates a new ledger
type GroupCreatedEvent struct {
	Owner    uuid.UUID `json:"owner"`
	LedgerID uuid.UUID `json:"ledger_id"`
	Name     string    `json:"name"`
}

// MemberJoinedEvent is published when a member joins a ledger
type MemberJoinedEvent struct {
	LedgerID uuid.UUID `json:"ledger_id"`
	Member   uuid.UUID `json:"member"`
}

// MemberLeftEvent is published when a member leaves a ledger
type MemberLeftEvent struct {
	LedgerID uuid.UUID `json:"ledger_id"`
	Member   uuid.UUID `json:"member"`
}

// PaymentProcessedEvent is published after a split payment completes.
// Amounts travel as strings so subscribers do not depend on decimal wire
// formats.
type PaymentProcessedEvent struct {
	LedgerID           uuid.UUID   `json:"ledger_id"`
	PaymentID          int         `json:"payment_id"`
	ExternalID         uint64      `json:"external_id"`
	Initiator          uuid.UUID   `json:"initiator"`
	Vendor             uuid.UUID   `json:"vendor"`
	Participants       []uuid.UUID `json:"participants"`
	Amounts            []string    `json:"amounts"`
	FailedParticipants []uuid.UUID `json:"failed_participants"`
	FailedAmounts      []string    `json:"failed_amounts"`
	Timestamp          time.Time   `json:"timestamp"`
}
