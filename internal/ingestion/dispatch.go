package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Submitter serializes commands into the engine. core.Sequencer is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) error
}

var _ Submitter = (*core.Sequencer)(nil)

// Disposition is what a queue consumer does with a message once its
// command has been submitted.
type Disposition int

const (
	Ack  Disposition = iota // Applied, or applied earlier
	Nak                     // Transient failure, redeliver
	Term                    // Permanent rejection, never redeliver
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	default:
		return "unknown"
	}
}

// Dispose maps a submit result to a Disposition. Rejections that would
// repeat on every delivery are terminated; oracle, token and scheduling
// failures are retried.
func Dispose(err error) Disposition {
	if err == nil {
		return Ack
	}
	if errors.Is(err, ErrMalformedCommand) {
		return Term
	}
	switch core.Classify(err) {
	case core.ClassDuplicate:
		return Ack
	case core.ClassValidation, core.ClassInvariant:
		return Term
	default:
		return Nak
	}
}

// Dispatcher is the entry point shared by the NATS consumers and the
// gRPC/HTTP service: parse, submit, record latency.
type Dispatcher struct {
	parser    *Parser
	submitter Submitter
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(parser *Parser, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		parser:    parser,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Dispatch parses a raw payload of the given kind and submits it.
func (d *Dispatcher) Dispatch(ctx context.Context, kind event.CommandType, data []byte, received time.Time) (event.Command, error) {
	cmd, err := d.parser.Parse(kind, data)
	if err != nil {
		return nil, err
	}
	return cmd, d.submit(ctx, cmd, received)
}

// Submit builds a command from its wire fields and submits it. A missing
// request_id is generated, which makes the call non-idempotent.
func (d *Dispatcher) Submit(ctx context.Context, kind event.CommandType, j CommandJSON) (event.Command, error) {
	if j.RequestID == "" {
		j.RequestID = uuid.NewString()
	}
	cmd, err := d.parser.Build(kind, j)
	if err != nil {
		return nil, err
	}
	return cmd, d.submit(ctx, cmd, time.Now())
}

func (d *Dispatcher) submit(ctx context.Context, cmd event.Command, received time.Time) error {
	err := d.submitter.Submit(ctx, cmd)
	if err == nil && d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(cmd.CommandType().Kind()).
			Observe(time.Since(received).Seconds())
	}
	return err
}

