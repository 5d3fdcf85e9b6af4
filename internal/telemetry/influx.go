package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/circlesplit/splitledger/pkg/messaging"
)

// Recorder writes one InfluxDB point per processed payment. Optional: a
// nil Recorder is safe to use and records nothing.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder creates a recorder, or nil when no URL is configured
func NewRecorder(cfg Config) *Recorder {
	if cfg.URL == "" {
		return nil
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// RecordPayment writes the payment's aggregate point
func (r *Recorder) RecordPayment(ctx context.Context, ev messaging.PaymentProcessedEvent) error {
	if r == nil {
		return nil
	}

	total := decimal.Zero
	for _, a := range ev.Amounts {
		if amount, err := decimal.NewFromString(a); err == nil {
			total = total.Add(amount)
		}
	}

	point := influxdb2.NewPoint("payment",
		map[string]string{
			"ledger_id": ev.LedgerID.String(),
		},
		map[string]interface{}{
			"payment_id":   ev.PaymentID,
			"participants": len(ev.Participants),
			"failed":       len(ev.FailedParticipants),
			"total_amount": total.InexactFloat64(),
		},
		ev.Timestamp,
	)
	return r.writeAPI.WritePoint(ctx, point)
}

// Listen consumes payment.processed events and records them
func (r *Recorder) Listen(client *messaging.Client) error {
	if r == nil {
		return nil
	}

	return client.Subscribe(messaging.SubjectPaymentProcessed, func(msg *nats.Msg) {
		var ev messaging.PaymentProcessedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.RecordPayment(ctx, ev); err != nil {
			log.Printf("telemetry: failed to record payment %d: %v", ev.PaymentID, err)
		}
	})
}

// Close releases the underlying client
func (r *Recorder) Close() {
	if r != nil {
		r.client.Close()
	}
}
