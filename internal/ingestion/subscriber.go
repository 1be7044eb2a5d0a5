package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceUpdate is a validated oracle price tick received from NATS.
// The keeper loop uses these to drive liquidation passes and to complete
// deadline-elapsed pending actions.
type PriceUpdate struct {
	Price     int64
	Timestamp int64
	Ack       func()
	Nak       func()
}

type priceUpdateJSON struct {
	Price      int64 `json:"price"`
	TimestampS int64 `json:"timestamp_s"`
}

// PriceSubscriber consumes vault.prices.> and feeds validated price
// updates into the price channel.
type PriceSubscriber struct {
	logger    zerolog.Logger
	js        jetstream.JetStream
	priceChan chan<- PriceUpdate
	consumer  jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, priceChan chan<- PriceUpdate, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		logger:    logger,
		js:        js,
		priceChan: priceChan,
	}
}

// Subscribe creates the durable price consumer. Explicit ACK, bounded
// redelivery; a malformed message is ACKed and dropped rather than
// poisoning the stream.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, "VAULT_PRICES", jetstream.ConsumerConfig{
		Durable:       "vault-prices",
		FilterSubject: "vault.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		upd, err := ParsePriceUpdate(msg.Data())
		if err != nil {
			ps.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price update")
			msg.Ack()
			return
		}
		upd.Ack = func() { msg.Ack() }
		upd.Nak = func() { msg.Nak() }

		select {
		case ps.priceChan <- upd:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	ps.consumer = cc
	ps.logger.Info().Str("subject", "vault.prices.>").Msg("subscribed")
	return nil
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.logger.Info().Msg("price subscriber stopped")
}

// ParsePriceUpdate decodes and validates a price message body.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.Price <= 0 {
		return PriceUpdate{}, fmt.Errorf("price must be positive: %d", j.Price)
	}
	if j.TimestampS <= 0 {
		return PriceUpdate{}, fmt.Errorf("timestamp must be positive: %d", j.TimestampS)
	}
	return PriceUpdate{Price: j.Price, Timestamp: j.TimestampS}, nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_PRICES",
			Subjects:  []string{"vault.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_CORE_EVENTS",
			Subjects:  []string{"vault.core.events.>"},
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
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
