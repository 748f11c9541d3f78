package conn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEndpoint struct {
	failuresLeft int32
	alive        bool
	connects     atomic.Int32
	closed       atomic.Bool
}

func (f *fakeEndpoint) Connect(context.Context) error {
	f.connects.Add(1)
	if atomic.AddInt32(&f.failuresLeft, -1) >= 0 {
		return errors.New("refused")
	}
	return nil
}

func (f *fakeEndpoint) Alive(context.Context) bool { return f.alive }

func (f *fakeEndpoint) Close() error {
	f.closed.Store(true)
	return nil
}

func TestEstablishRetriesUntilConnected(t *testing.T) {
	ep := &fakeEndpoint{failuresLeft: 2, alive: true}
	var bursts atomic.Int32
	m := NewMachine(ep, Config{
		RetryShort: time.Millisecond,
		RetryLong:  time.Hour,
		OnConnect: func(context.Context) error {
			bursts.Add(1)
			return nil
		},
	}, nil, nil)

	if err := m.Establish(context.Background()); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state %s", m.State())
	}
	if got := ep.connects.Load(); got != 3 {
		t.Fatalf("connect attempts %d, want 3", got)
	}
	if bursts.Load() != 1 {
		t.Fatalf("startup burst ran %d times", bursts.Load())
	}
}

func TestEstablishUsesLongRetryWhenHostDead(t *testing.T) {
	// With a dead host the machine picks RetryLong; keeping it large and
	// canceling proves the long path was chosen.
	ep := &fakeEndpoint{failuresLeft: 100, alive: false}
	m := NewMachine(ep, Config{RetryShort: time.Millisecond, RetryLong: time.Hour}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Establish(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if got := ep.connects.Load(); got != 1 {
		t.Fatalf("connect attempts %d, want 1 before the long sleep", got)
	}
}

func TestRunReturnsRestartRequiredOnFault(t *testing.T) {
	ep := &fakeEndpoint{}
	m := NewMachine(ep, Config{RetryShort: time.Millisecond}, nil, nil)

	faults := make(chan error, 1)
	faults <- errors.New("listener died")
	err := m.Run(context.Background(), faults)
	if !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("got %v, want ErrRestartRequired", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state %s after fault", m.State())
	}
	if !ep.closed.Load() {
		t.Fatalf("endpoint left open after fault")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ep := &fakeEndpoint{}
	m := NewMachine(ep, Config{RetryShort: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, make(chan error)) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
