package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamPublisher is the publishing half of jetstream.JetStream.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var _ StreamPublisher = (jetstream.JetStream)(nil)

// RecordMessage is one record as published on cdp.ledger.records.<type>.
type RecordMessage struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"` // Position within the command's records
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         string          `json:"user_id"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject is where the message is published.
func (m RecordMessage) Subject() string {
	return RecordSubjectRoot + "." + m.Type
}

// MsgID deduplicates republished records within the stream window.
func (m RecordMessage) MsgID() string {
	return fmt.Sprintf("%d-%d", m.Sequence, m.Index)
}

// RecordMessages flattens a committed command into its outbound messages.
func RecordMessages(out core.CoreOutput) ([]RecordMessage, error) {
	env := out.Envelope
	if env == nil {
		return nil, fmt.Errorf("core output without envelope")
	}

	msgs := make([]RecordMessage, 0, len(env.Records))
	for i, r := range env.Records {
		rj, err := event.EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, RecordMessage{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.CommandType.Kind(),
			IdempotencyKey: env.IdempotencyKey,
			UserID:         env.UserID.String(),
			Type:           rj.Type,
			Data:           rj.Data,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		})
	}
	return msgs, nil
}

// OutboundPublisher publishes committed records to NATS for downstream
// consumers. Publishing is best effort: the event log in Postgres is the
// source of truth and consumers can query it directly.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.publish(ctx, out)
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) {
	msgs, err := RecordMessages(out)
	if err != nil {
		op.logger.Warn().Err(err).Msg("outbound encode failed")
		return
	}

	for _, m := range msgs {
		subject := m.Subject()
		if err := PublishJSON(ctx, op.js, subject, m.MsgID(), m); err != nil {
			op.logger.Warn().Err(err).Int64("sequence", m.Sequence).Str("subject", subject).
				Msg("outbound publish failed")
			if op.metrics != nil {
				op.metrics.PublishErrors.WithLabelValues(subject).Inc()
			}
			continue
		}
		if op.metrics != nil {
			op.metrics.RecordsPublished.WithLabelValues(m.Type).Inc()
		}
	}
}

// PublishJSON marshals v and publishes it with a dedup message ID.
func PublishJSON(ctx context.Context, js StreamPublisher, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	_, err = js.Publish(ctx, subject, data, opts...)
	return err
}
