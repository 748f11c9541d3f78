// Package conn manages the transport connection lifecycle: establish
// with host-aware retry backoff, run a startup burst once connected, and
// treat any mid-session fault as terminal so the supervisor performs the
// restart.
package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/samograsic/ion-dtn-dtnex/internal/metrics"
)

// ErrRestartRequired signals that the connection failed after having been
// established. The process exits with a dedicated code and relies on its
// supervisor to start a fresh instance.
var ErrRestartRequired = errors.New("transport fault, restart required")

// Endpoint is the transport from the machine's point of view.
type Endpoint interface {
	Connect(ctx context.Context) error
	Alive(ctx context.Context) bool
	Close() error
}

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Config struct {
	// RetryShort is used while the host looks healthy, RetryLong when it
	// does not respond at all.
	RetryShort time.Duration
	RetryLong  time.Duration
	// OnConnect runs once per successful connection, before Establish
	// returns. The exchange uses it for the startup dissemination burst.
	OnConnect func(ctx context.Context) error
}

type Machine struct {
	ep  Endpoint
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	state State
}

func NewMachine(ep Endpoint, cfg Config, log *zap.Logger, met *metrics.Metrics) *Machine {
	if cfg.RetryShort <= 0 {
		cfg.RetryShort = 10 * time.Second
	}
	if cfg.RetryLong <= 0 {
		cfg.RetryLong = 300 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.New("dtnex")
	}
	return &Machine{ep: ep, cfg: cfg, log: log, met: met}
}

func (m *Machine) State() State { return m.state }

// Establish connects the endpoint, retrying until success or context
// cancellation. Each failure picks the retry delay from a host liveness
// probe.
func (m *Machine) Establish(ctx context.Context) error {
	for {
		err := m.ep.Connect(ctx)
		if err == nil {
			m.state = Connected
			m.met.Connected.Set(1)
			m.met.Reconnects.Inc()
			m.log.Info("transport connected")
			if m.cfg.OnConnect != nil {
				if err := m.cfg.OnConnect(ctx); err != nil {
					m.log.Warn("startup burst failed", zap.Error(err))
				}
			}
			return nil
		}
		delay := m.cfg.RetryLong
		if m.ep.Alive(ctx) {
			delay = m.cfg.RetryShort
		}
		m.log.Warn("connect failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", delay))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Run establishes the connection and then blocks until the context ends
// or a fault arrives. A fault tears the endpoint down and returns
// ErrRestartRequired.
func (m *Machine) Run(ctx context.Context, faults <-chan error) error {
	if err := m.Establish(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		m.down()
		return ctx.Err()
	case err := <-faults:
		m.down()
		m.log.Error("transport fault", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRestartRequired, err)
	}
}

func (m *Machine) down() {
	m.state = Disconnected
	m.met.Connected.Set(0)
	_ = m.ep.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
