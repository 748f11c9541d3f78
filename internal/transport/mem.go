package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// Hub connects in-memory transports for tests. Every registered node can
// send to every other; delivery is a buffered channel per node.
type Hub struct {
	mu    sync.Mutex
	nodes map[wire.NodeID]*Mem
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[wire.NodeID]*Mem)}
}

// Node registers (or returns) the transport for id.
func (h *Hub) Node(id wire.NodeID) *Mem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.nodes[id]; ok {
		return m
	}
	m := &Mem{
		hub:       h,
		id:        id,
		inbox:     make(chan Received, 64),
		interrupt: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	h.nodes[id] = m
	return m
}

func (h *Hub) lookup(id wire.NodeID) (*Mem, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.nodes[id]
	return m, ok
}

// Mem is the in-memory Transport. It also lists the other hub members as
// neighbors, so a hub of n nodes behaves like a fully-connected network.
type Mem struct {
	hub *Hub
	id  wire.NodeID

	inbox     chan Received
	interrupt chan struct{}

	closeOnce sync.Once
	intOnce   sync.Once
	closed    chan struct{}
}

func (m *Mem) ID() wire.NodeID { return m.id }

func (m *Mem) Connect(context.Context) error { return nil }

func (m *Mem) Alive(context.Context) bool { return true }

func (m *Mem) Send(ctx context.Context, dest wire.NodeID, data []byte, _ time.Duration) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	peer, ok := m.hub.lookup(dest)
	if !ok {
		return ErrUnknownDestination
	}
	buf := append([]byte(nil), data...)
	select {
	case peer.inbox <- Received{Data: buf, Source: m.id}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mem) Receive(ctx context.Context) (Received, error) {
	select {
	case r := <-m.inbox:
		return r, nil
	case <-m.interrupt:
		return Received{}, ErrInterrupted
	case <-m.closed:
		return Received{}, ErrClosed
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

func (m *Mem) Interrupt() {
	m.intOnce.Do(func() { close(m.interrupt) })
}

func (m *Mem) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Neighbors lists the other registered nodes, sorted ascending.
func (m *Mem) Neighbors(context.Context) ([]wire.NodeID, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	out := make([]wire.NodeID, 0, len(m.hub.nodes)-1)
	for id := range m.hub.nodes {
		if id != m.id {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
