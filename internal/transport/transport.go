// Package transport moves opaque exchange messages between named nodes.
// The daemon core only depends on the interfaces here; the QUIC
// implementation and the in-memory test hub both satisfy them.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

var (
	// ErrInterrupted is returned by Receive after Interrupt was called.
	ErrInterrupted = errors.New("receive interrupted")
	// ErrClosed is returned once the transport is shut down.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownDestination is returned by Send for a node with no known
	// address.
	ErrUnknownDestination = errors.New("unknown destination node")
)

// Received is one inbound message with its immediate sender.
type Received struct {
	Data   []byte
	Source wire.NodeID
}

// Transport sends and receives opaque messages. Receive blocks until a
// message arrives, the context is canceled, or Interrupt is called.
type Transport interface {
	Send(ctx context.Context, dest wire.NodeID, data []byte, ttl time.Duration) error
	Receive(ctx context.Context) (Received, error)
	Interrupt()
	Close() error
}

// NeighborLister reports the currently reachable neighbor ids, sorted
// ascending and never containing the local node.
type NeighborLister interface {
	Neighbors(ctx context.Context) ([]wire.NodeID, error)
}
