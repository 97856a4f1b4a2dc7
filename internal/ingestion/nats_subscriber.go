package ingestion

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream       = "CDP_COMMANDS"
	PriceStream         = "CDP_PRICES"
	RecordStream        = "CDP_LEDGER_RECORDS"
	RiskStream          = "CDP_RISK"
	CommandSubjectRoot  = "cdp.commands"
	PriceSubjectRoot    = "cdp.prices"
	RecordSubjectRoot   = "cdp.ledger.records"
	LiquidatableSubject = "cdp.risk.liquidatable"
)

// CommandSubject is the filter for one command kind. Producers publish to
// cdp.commands.<kind>.<user_id>.
func CommandSubject(kind event.CommandType) string {
	return fmt.Sprintf("%s.%s.>", CommandSubjectRoot, kind.Kind())
}

// SubscriberConfig tunes the durable consumers.
type SubscriberConfig struct {
	DurablePrefix string
	AckWait       time.Duration
	MaxDeliver    int
	NakDelay      time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		DurablePrefix: "cdp-ledger",
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		NakDelay:      time.Second,
	}
}

// commandMsg is the part of jetstream.Msg the handler uses.
type commandMsg interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	TermWithReason(reason string) error
}

// NATSSubscriber consumes commands from JetStream, one durable consumer per
// command kind, and hands each to the Dispatcher. A message is acked only
// after the engine has committed (or already committed) its command.
type NATSSubscriber struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	cfg        SubscriberConfig
	consumers  []jetstream.ConsumeContext
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, dispatcher *Dispatcher, cfg SubscriberConfig, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Subscribe creates a consumer per command kind on CommandStream.
// Consumers use explicit ACK with the configured max_deliver and ack_wait.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	for _, kind := range event.AllCommandTypes {
		name := fmt.Sprintf("%s-%s", ns.cfg.DurablePrefix, kind.Kind())
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       name,
			FilterSubject: CommandSubject(kind),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ns.cfg.AckWait,
			MaxDeliver:    ns.cfg.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", name, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, kind, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", CommandSubject(kind)).Str("consumer", name).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, kind event.CommandType, msg commandMsg) Disposition {
	received := time.Now()
	if md, err := msg.Metadata(); err == nil && ns.metrics != nil {
		ns.metrics.NATSPullLatency.WithLabelValues(kind.Kind()).Observe(received.Sub(md.Timestamp).Seconds())
	}

	_, err := ns.dispatcher.Dispatch(ctx, kind, msg.Data(), received)
	d := Dispose(err)

	var ackErr error
	switch d {
	case Ack:
		ackErr = msg.Ack()
	case Nak:
		ns.logger.Warn().Err(err).Str("command", kind.Kind()).Msg("command deferred for redelivery")
		ackErr = msg.NakWithDelay(ns.cfg.NakDelay)
	case Term:
		ns.logger.Warn().Err(err).Str("command", kind.Kind()).Msg("command rejected")
		ackErr = msg.TermWithReason(err.Error())
	}
	if ackErr != nil {
		ns.logger.Error().Err(ackErr).Str("command", kind.Kind()).Stringer("disposition", d).Msg("ack failed")
	}
	return d
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: CommandStream, Subjects: []string{CommandSubjectRoot + ".>"}},
		{Name: PriceStream, Subjects: []string{PriceSubjectRoot + ".>"}, MaxMsgsPerSubject: 16},
		{Name: RecordStream, Subjects: []string{RecordSubjectRoot + ".>"}, Duplicates: 10 * time.Minute},
		{Name: RiskStream, Subjects: []string{"cdp.risk.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
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
		nats.Name("cdpledger"),
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
