package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/circlesplit/splitledger/pkg/messaging"
)

// Archive persists processed payments to Postgres for reporting. It is an
// append-only sink fed from the payment.processed subject; the in-process
// ledgers remain the source of truth.
type Archive struct {
	db *sql.DB
}

// Row is one archived payment
type Row struct {
	LedgerID           string    `json:"ledger_id"`
	PaymentID          int       `json:"payment_id"`
	ExternalID         uint64    `json:"external_id"`
	Initiator          string    `json:"initiator"`
	Vendor             string    `json:"vendor"`
	Participants       []string  `json:"participants"`
	Amounts            []string  `json:"amounts"`
	FailedParticipants []string  `json:"failed_participants"`
	FailedAmounts      []string  `json:"failed_amounts"`
	Timestamp          time.Time `json:"timestamp"`
	ArchivedAt         time.Time `json:"archived_at"`
}

// New creates an archive over an open database handle
func New(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the payments table if it does not exist
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS payments (
			ledger_id           TEXT        NOT NULL,
			payment_id          INTEGER     NOT NULL,
			external_id         NUMERIC     NOT NULL,
			initiator           TEXT        NOT NULL,
			vendor              TEXT        NOT NULL,
			participants        TEXT[]      NOT NULL,
			amounts             TEXT[]      NOT NULL,
			failed_participants TEXT[]      NOT NULL,
			failed_amounts      TEXT[]      NOT NULL,
			ts                  TIMESTAMPTZ NOT NULL,
			archived_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (ledger_id, payment_id)
		)`,
	)
	if err != nil {
		return fmt.Errorf("failed to create payments table: %w", err)
	}
	return nil
}

// Store inserts one processed payment. Replays of the same record are
// ignored so redelivered events stay harmless.
func (a *Archive) Store(ctx context.Context, ev messaging.PaymentProcessedEvent) error {
	failedParticipants := make([]string, len(ev.FailedParticipants))
	for i, p := range ev.FailedParticipants {
		failedParticipants[i] = p.String()
	}
	participants := make([]string, len(ev.Participants))
	for i, p := range ev.Participants {
		participants[i] = p.String()
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO payments (ledger_id, payment_id, external_id, initiator, vendor,
		                       participants, amounts, failed_participants, failed_amounts, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (ledger_id, payment_id) DO NOTHING`,
		ev.LedgerID.String(), ev.PaymentID, ev.ExternalID,
		ev.Initiator.String(), ev.Vendor.String(),
		pq.Array(participants), pq.Array(ev.Amounts),
		pq.Array(failedParticipants), pq.Array(ev.FailedAmounts),
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to archive payment: %w", err)
	}
	return nil
}

// ByGroup returns archived payments of one ledger, newest first
func (a *Archive) ByGroup(ctx context.Context, ledgerID string, limit int) ([]Row, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT ledger_id, payment_id, external_id, initiator, vendor,
		        participants, amounts, failed_participants, failed_amounts, ts, archived_at
		 FROM payments WHERE ledger_id = $1 ORDER BY payment_id DESC LIMIT $2`,
		ledgerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		err := rows.Scan(&r.LedgerID, &r.PaymentID, &r.ExternalID, &r.Initiator, &r.Vendor,
			pq.Array(&r.Participants), pq.Array(&r.Amounts),
			pq.Array(&r.FailedParticipants), pq.Array(&r.FailedAmounts),
			&r.Timestamp, &r.ArchivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Listen consumes payment.processed events in a queue group so multiple
// archive instances never double-insert
func (a *Archive) Listen(client *messaging.Client) error {
	return client.QueueSubscribe(messaging.SubjectPaymentProcessed, "archive", func(msg *nats.Msg) {
		var ev messaging.PaymentProcessedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("archive: dropping undecodable payment event: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := a.Store(ctx, ev); err != nil {
			log.Printf("archive: failed to store payment %d: %v", ev.PaymentID, err)
		}
	})
}
