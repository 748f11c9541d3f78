package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Node(1)
	b := hub.Node(2)

	ctx := context.Background()
	if err := a.Send(ctx, 2, []byte("hello"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(r.Data) != "hello" || r.Source != 1 {
		t.Fatalf("got %q from %d", r.Data, r.Source)
	}
}

func TestHubUnknownDestination(t *testing.T) {
	hub := NewHub()
	a := hub.Node(1)
	if err := a.Send(context.Background(), 9, []byte("x"), time.Second); !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("got %v, want ErrUnknownDestination", err)
	}
}

func TestInterruptUnblocksReceive(t *testing.T) {
	hub := NewHub()
	a := hub.Node(1)

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Interrupt()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("got %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not unblock")
	}
}

func TestNeighborsSorted(t *testing.T) {
	hub := NewHub()
	m := hub.Node(2)
	hub.Node(7)
	hub.Node(1)

	ids, err := m.Neighbors(context.Background())
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 7 {
		t.Fatalf("neighbors %v", ids)
	}
}
