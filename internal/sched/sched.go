// Package sched drives the exchange: a timer loop that re-evaluates
// dissemination triggers, and a reception loop that feeds inbound
// messages through the engine one at a time.
package sched

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/samograsic/ion-dtn-dtnex/internal/engine"
	"github.com/samograsic/ion-dtn-dtnex/internal/transport"
	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

type Config struct {
	// CheckInterval is the pause between trigger evaluations.
	CheckInterval time.Duration
	// SleepSlice bounds a single uninterrupted sleep so shutdown is
	// noticed promptly even with long check intervals.
	SleepSlice time.Duration
}

type Scheduler struct {
	cfg Config
	eng *engine.Engine
	tr  transport.Transport
	log *zap.Logger

	// OnCycle runs after every completed dissemination cycle, outside the
	// engine lock. The daemon hooks graph export here.
	OnCycle func()
}

func New(cfg Config, eng *engine.Engine, tr transport.Transport, log *zap.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.SleepSlice <= 0 {
		cfg.SleepSlice = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, eng: eng, tr: tr, log: log}
}

// Run blocks until the context is canceled. It starts the reception loop,
// then alternates between trigger evaluation and sliced sleeping. On exit
// the transport receive is interrupted so the reception loop terminates
// too.
func (s *Scheduler) Run(ctx context.Context) error {
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		s.receiveLoop(ctx)
	}()

	for {
		ran, err := s.eng.MaybeRunCycle(ctx)
		if err != nil {
			s.log.Warn("dissemination cycle error", zap.Error(err))
		}
		if ran && s.OnCycle != nil {
			s.OnCycle()
		}
		if err := s.sleep(ctx, s.cfg.CheckInterval); err != nil {
			s.tr.Interrupt()
			<-recvDone
			return err
		}
	}
}

// sleep waits for d in slices no longer than SleepSlice, returning early
// when the context ends.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	for d > 0 {
		slice := d
		if slice > s.cfg.SleepSlice {
			slice = s.cfg.SleepSlice
		}
		t := time.NewTimer(slice)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		d -= slice
	}
	return nil
}

func (s *Scheduler) receiveLoop(ctx context.Context) {
	for {
		r, err := s.tr.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrInterrupted) ||
				errors.Is(err, transport.ErrClosed) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.log.Warn("receive failed", zap.Error(err))
			continue
		}
		s.handle(ctx, r)
	}
}

func (s *Scheduler) handle(ctx context.Context, r transport.Received) {
	err := s.eng.HandleInbound(ctx, r.Data, r.Source)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrReplay):
		s.log.Debug("duplicate transmission dropped", zap.Uint64("source", uint64(r.Source)))
	case errors.Is(err, engine.ErrExpired):
		s.log.Debug("expired message dropped", zap.Uint64("source", uint64(r.Source)))
	case errors.Is(err, wire.ErrBadMAC):
		s.log.Warn("unauthenticated message dropped", zap.Uint64("source", uint64(r.Source)))
	case errors.Is(err, wire.ErrDecode):
		s.log.Warn("malformed message dropped",
			zap.Uint64("source", uint64(r.Source)),
			zap.Int("bytes", len(r.Data)))
	default:
		s.log.Warn("inbound processing failed", zap.Error(err))
	}
}
