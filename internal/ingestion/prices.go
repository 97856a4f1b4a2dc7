package ingestion

import (
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceUpdateJSON is one oracle round pushed on cdp.prices.<asset>.
type PriceUpdateJSON struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"` // USD, decimal string
	RoundID   uint64 `json:"round_id"`
	UpdatedAt int64  `json:"updated_at"` // Unix seconds
}

// PriceSubscriber feeds pushed price rounds into the engine's price
// sources. Rounds older than the last accepted one are dropped.
type PriceSubscriber struct {
	js       jetstream.JetStream
	writers  map[string]oracle.PriceWriter
	rounds   *oracle.RoundTracker
	cfg      SubscriberConfig
	consumer jetstream.ConsumeContext
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewPriceSubscriber(js jetstream.JetStream, writers map[string]oracle.PriceWriter, cfg SubscriberConfig, metrics *observability.Metrics, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		writers: writers,
		rounds:  oracle.NewRoundTracker(),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe starts the price consumer. It starts from the last message of
// each subject, so a restart picks up current prices without replaying.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	name := ps.cfg.DurablePrefix + "-prices"
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: PriceSubjectRoot + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ps.cfg.AckWait,
		MaxDeliver:    ps.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	ps.consumer, err = consumer.Consume(func(msg jetstream.Msg) {
		ps.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	ps.logger.Info().Str("consumer", name).Int("assets", len(ps.writers)).Msg("subscribed to prices")
	return nil
}

func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
}

func (ps *PriceSubscriber) handle(ctx context.Context, msg commandMsg) Disposition {
	d, err := ps.apply(ctx, msg.Data())
	switch d {
	case Ack:
		err = msg.Ack()
	case Nak:
		ps.logger.Warn().Err(err).Msg("price write failed")
		err = msg.NakWithDelay(ps.cfg.NakDelay)
	case Term:
		ps.logger.Warn().Err(err).Msg("price update rejected")
		err = msg.TermWithReason(err.Error())
	}
	if err != nil {
		ps.logger.Error().Err(err).Stringer("disposition", d).Msg("ack failed")
	}
	return d
}

func (ps *PriceSubscriber) apply(ctx context.Context, data []byte) (Disposition, error) {
	var u PriceUpdateJSON
	if err := json.Unmarshal(data, &u); err != nil {
		return Term, fmt.Errorf("parse price update: %w", err)
	}
	w, ok := ps.writers[u.Asset]
	if !ok {
		return Term, fmt.Errorf("price update for unsupported asset %q", u.Asset)
	}
	answer, err := oracle.ParseAnswer(u.Price, w.Decimals())
	if err != nil {
		return Term, err
	}

	prev, hadPrev := ps.rounds.Last(u.Asset)
	accepted, skipped := ps.rounds.Accept(u.Asset, u.RoundID)
	if !accepted {
		if ps.metrics != nil {
			ps.metrics.OracleStaleRounds.WithLabelValues(u.Asset).Inc()
		}
		return Ack, nil
	}
	if skipped > 0 {
		ps.logger.Warn().Str("asset", u.Asset).Uint64("round", u.RoundID).Uint64("skipped", skipped).
			Msg("price round gap")
		if ps.metrics != nil {
			ps.metrics.OracleRoundGaps.WithLabelValues(u.Asset).Inc()
		}
	}

	if err := w.WritePrice(ctx, u.Asset, answer, time.Unix(u.UpdatedAt, 0)); err != nil {
		// Let the redelivery through the round check.
		ps.rounds.Rewind(u.Asset, prev, hadPrev)
		return Nak, err
	}
	if ps.metrics != nil {
		ps.metrics.OraclePriceUpdates.WithLabelValues(u.Asset).Inc()
	}
	return Ack, nil
}
