package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"VaultCore/internal/event"
)

// OutboundPublisher publishes sequenced event envelopes to NATS for
// downstream consumers, after persistence is confirmed.
// Subjects follow the pattern vault.core.events.{event_type}.
type OutboundPublisher struct {
	logger    zerolog.Logger
	js        jetstream.JetStream
	inputChan <-chan event.EventEnvelope
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan event.EventEnvelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		logger:    logger,
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop. Publish failures are non-fatal;
// downstream consumers can query the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("vault.core.events.%s", env.EventType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}
