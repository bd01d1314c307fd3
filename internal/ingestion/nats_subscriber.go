package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// instructions into the ingestion pipeline via msgChan. JetStream is the
// high-throughput ingestion surface; HTTP submissions go through the
// orchestrator directly.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawInstruction
	consumers []jetstream.ConsumeContext
}

// RawInstruction is a parsed-but-untyped instruction from NATS, ready for
// the pipeline to validate and convert before handing to the engine.
type RawInstruction struct {
	Subject   string
	InstrType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the instruction is queued for the engine
	NakFunc   func() // NAK on failure (redelivered)
}

// SubjectConfig maps NATS subjects to instruction types.
type SubjectConfig struct {
	Subject      string
	InstrType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Each
// instruction type has its own subject for independent scaling.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pm.markets.create.>", InstrType: "CreateMarket", ConsumerName: "market-create", StreamName: "PM_MARKETS"},
		{Subject: "pm.trades.swap.>", InstrType: "Swap", ConsumerName: "market-swaps", StreamName: "PM_TRADES"},
		{Subject: "pm.trades.liquidity.>", InstrType: "AddLiquidity", ConsumerName: "market-liquidity", StreamName: "PM_TRADES"},
		{Subject: "pm.trades.claim.>", InstrType: "Claim", ConsumerName: "market-claims", StreamName: "PM_TRADES"},
		{Subject: "pm.admin.lock.>", InstrType: "Lock", ConsumerName: "market-lock", StreamName: "PM_ADMIN"},
		{Subject: "pm.admin.unlock.>", InstrType: "Unlock", ConsumerName: "market-unlock", StreamName: "PM_ADMIN"},
		{Subject: "pm.admin.settle.>", InstrType: "Settle", ConsumerName: "market-settle", StreamName: "PM_ADMIN"},
		{Subject: "pm.admin.settle_emergency.>", InstrType: "EmergencySettle", ConsumerName: "market-settle-emergency", StreamName: "PM_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawInstruction) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		instrType := cfg.InstrType
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawInstruction{
				Subject:   msg.Subject(),
				InstrType: instrType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PM_MARKETS",
			Subjects:  []string{"pm.markets.create.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PM_TRADES",
			Subjects:  []string{"pm.trades.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PM_ADMIN",
			Subjects:  []string{"pm.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
