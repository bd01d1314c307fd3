package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/NeelContractor/prediction-market/internal/engine"
)

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers. Subjects follow the pattern pm.markets.events.{op_type}.{seed}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

// appliedEventJSON is the outbound wire format.
type appliedEventJSON struct {
	Sequence        int64     `json:"sequence"`
	OpType          string    `json:"op_type"`
	IdempotencyKey  string    `json:"idempotency_key"`
	Market          string    `json:"market,omitempty"`
	Amount          uint64    `json:"amount"`
	VaultYes        uint64    `json:"vault_yes"`
	VaultNo         uint64    `json:"vault_no"`
	VaultCollateral uint64    `json:"vault_collateral"`
	Locked          bool      `json:"locked"`
	Settled         bool      `json:"settled"`
	Resolution      bool      `json:"resolution"`
	StateHash       []byte    `json:"state_hash"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, output); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", output.Envelope.Sequence, err)
				// Non-fatal: downstream consumers can read the operation log.
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, output engine.Output) error {
	env := output.Envelope
	snap := output.Snapshot

	evt := appliedEventJSON{
		Sequence:        env.Sequence,
		OpType:          env.Type.String(),
		IdempotencyKey:  env.IdempotencyKey,
		Market:          env.Seed,
		Amount:          output.Amount,
		VaultYes:        snap.VaultYes,
		VaultNo:         snap.VaultNo,
		VaultCollateral: snap.VaultCollateral,
		Locked:          snap.Market.Locked,
		Settled:         snap.Market.Settled,
		Resolution:      snap.Market.Resolution,
		StateHash:       env.StateHash[:],
		Timestamp:       env.Timestamp,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("pm.markets.events.%s", env.Type.String())
	if env.Seed != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.Seed)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PM_MARKET_EVENTS",
		Subjects:  []string{"pm.markets.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream PM_MARKET_EVENTS")
	return nil
}
