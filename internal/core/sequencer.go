package core

import (
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer is the single goroutine that feeds the engine. Every mutating
// caller (gRPC, HTTP, NATS) submits here, so engine calls never overlap.
type Sequencer struct {
	engine   *Engine
	commands chan request
	done     chan struct{}
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type request struct {
	ctx   context.Context
	cmd   event.Command
	reply chan error
}

func NewSequencer(engine *Engine, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Sequencer{
		engine:   engine,
		commands: make(chan request, buffer),
		done:     make(chan struct{}),
		metrics:  metrics,
		logger:   logger,
	}
}

// Submit queues cmd and waits for its result. Giving up on ctx does not
// cancel a command that already started executing.
func (s *Sequencer) Submit(ctx context.Context, cmd event.Command) error {
	if cmd == nil {
		return ErrInvalidCommand
	}
	reply := make(chan error, 1)

	select {
	case s.commands <- request{ctx: ctx, cmd: cmd, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSequencerStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// Run may have finished this request just before stopping.
		select {
		case err := <-reply:
			return err
		default:
			return ErrSequencerStopped
		}
	}
}

// Run executes submitted commands one at a time until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)

	s.logger.Info().Int("buffer", cap(s.commands)).Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sequencer stopped")
			return ctx.Err()

		case req := <-s.commands:
			if s.metrics != nil {
				s.metrics.SetChannelMetrics("commands", len(s.commands), cap(s.commands))
			}
			if err := req.ctx.Err(); err != nil {
				req.reply <- err
				continue
			}

			err := s.engine.Execute(req.ctx, req.cmd)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("command", req.cmd.CommandType().Kind()).
					Str("idempotency_key", req.cmd.IdempotencyKey()).
					Str("class", Classify(err).String()).
					Msg("command rejected")
			}
			req.reply <- err
		}
	}
}
