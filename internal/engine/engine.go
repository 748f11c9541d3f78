// Package engine implements the fact dissemination core: periodic
// advertisement of local contacts and metadata, and the inbound
// verify-dedup-apply-forward pipeline that floods facts across the
// network.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samograsic/ion-dtn-dtnex/internal/directory"
	"github.com/samograsic/ion-dtn-dtnex/internal/metrics"
	"github.com/samograsic/ion-dtn-dtnex/internal/replay"
	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

var (
	// ErrExpired rejects a message whose expire time has passed.
	ErrExpired = errors.New("message expired")
	// ErrReplay rejects a transmission that was already processed.
	ErrReplay = errors.New("duplicate transmission")
)

// ContactSink receives accepted contact facts, typically the local
// topology store.
type ContactSink interface {
	ApplyContact(nodeA, nodeB wire.NodeID, startEpoch, endEpoch int64) error
}

// Sender transmits one encoded message to a neighbor.
type Sender interface {
	Send(ctx context.Context, dest wire.NodeID, data []byte, ttl time.Duration) error
}

// NeighborLister reports reachable neighbor ids, sorted, excluding the
// local node.
type NeighborLister interface {
	Neighbors(ctx context.Context) ([]wire.NodeID, error)
}

// Config carries the engine tunables. Clock defaults to time.Now and
// exists so tests can pin time.
type Config struct {
	NodeID               wire.NodeID
	UpdateInterval       time.Duration
	ContactLifetime      time.Duration
	ContactTimeTolerance time.Duration
	BundleTTL            time.Duration
	NeighborCacheAge     time.Duration
	SelfMetadata         *wire.MetadataFact
	Clock                func() time.Time
}

// Engine owns the directory and the replay guard. All entry points
// serialize on one mutex: a dissemination cycle and an inbound message
// never interleave.
type Engine struct {
	cfg       Config
	auth      *wire.Authenticator
	dir       *directory.Directory
	guard     *replay.Cache
	sink      ContactSink
	neighbors NeighborLister
	send      Sender
	log       *zap.Logger
	met       *metrics.Metrics

	mu              sync.Mutex
	cachedNeighbors []wire.NodeID
	cachedAt        time.Time
	lastFingerprint uint64
	lastCycle       time.Time
	cycleRan        bool
}

func New(cfg Config, auth *wire.Authenticator, dir *directory.Directory, guard *replay.Cache,
	sink ContactSink, neighbors NeighborLister, send Sender, log *zap.Logger, met *metrics.Metrics) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.New("dtnex")
	}
	return &Engine{
		cfg:       cfg,
		auth:      auth,
		dir:       dir,
		guard:     guard,
		sink:      sink,
		neighbors: neighbors,
		send:      send,
		log:       log,
		met:       met,
	}
}

// Directory exposes the engine's directory for reporting and export.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// MaybeRunCycle runs a dissemination cycle if one is due: the first call
// ever, the update interval having elapsed, or the neighbor set having
// changed since the previous cycle. It reports whether a cycle ran.
func (e *Engine) MaybeRunCycle(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.cfg.Clock()
	ids, err := e.neighborSnapshot(ctx, now)
	if err != nil {
		return false, fmt.Errorf("list neighbors: %w", err)
	}
	fp := fingerprint(ids)
	due := !e.cycleRan ||
		now.Sub(e.lastCycle) >= e.cfg.UpdateInterval ||
		fp != e.lastFingerprint
	if !due {
		return false, nil
	}
	err = e.runCycleLocked(ctx, now, ids)
	e.lastFingerprint = fp
	return true, err
}

// RunCycleNow forces a cycle regardless of triggers, used right after the
// transport comes up.
func (e *Engine) RunCycleNow(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.cfg.Clock()
	ids, err := e.neighborSnapshot(ctx, now)
	if err != nil {
		return fmt.Errorf("list neighbors: %w", err)
	}
	err = e.runCycleLocked(ctx, now, ids)
	e.lastFingerprint = fingerprint(ids)
	return err
}

func (e *Engine) runCycleLocked(ctx context.Context, now time.Time, ids []wire.NodeID) error {
	e.cycleRan = true
	e.lastCycle = now

	ts := now.Unix()
	expire := now.Add(e.cfg.ContactLifetime + e.cfg.ContactTimeTolerance).Unix()
	durMin := uint16(e.cfg.ContactLifetime / time.Minute)

	var firstErr error
	for _, advertised := range ids {
		// The local view of this contact is applied regardless of who it
		// can be announced to.
		if err := e.sink.ApplyContact(e.cfg.NodeID, advertised, ts, ts+int64(e.cfg.ContactLifetime/time.Second)); err != nil && firstErr == nil {
			firstErr = err
		}
		e.dir.UpsertLink(e.cfg.NodeID, advertised, ts, ts+int64(e.cfg.ContactLifetime/time.Second))

		for _, recipient := range ids {
			if recipient == advertised || recipient == e.cfg.NodeID {
				continue
			}
			msg := &wire.Message{
				Kind:       wire.KindContact,
				Timestamp:  ts,
				ExpireTime: expire,
				Origin:     e.cfg.NodeID,
				From:       e.cfg.NodeID,
				Contact: wire.ContactFact{
					NodeA:           e.cfg.NodeID,
					NodeB:           advertised,
					DurationMinutes: durMin,
				},
			}
			if err := e.sealAndSend(ctx, recipient, msg); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.met.MessagesSent.WithLabelValues(wire.KindContact.String()).Inc()
		}
	}

	if md := e.cfg.SelfMetadata; md != nil {
		for _, recipient := range ids {
			msg := &wire.Message{
				Kind:       wire.KindMetadata,
				Timestamp:  ts,
				ExpireTime: expire,
				Origin:     e.cfg.NodeID,
				From:       e.cfg.NodeID,
				Metadata:   *md,
			}
			if err := e.sealAndSend(ctx, recipient, msg); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.met.MessagesSent.WithLabelValues(wire.KindMetadata.String()).Inc()
		}
		e.dir.UpsertMetadata(*md)
	}

	e.met.Cycles.Inc()
	e.met.DirectorySize.Set(float64(e.dir.Len()))
	e.log.Debug("dissemination cycle complete",
		zap.Int("neighbors", len(ids)),
		zap.Uint16("duration_min", durMin))
	return firstErr
}

func (e *Engine) sealAndSend(ctx context.Context, dest wire.NodeID, msg *wire.Message) error {
	data, err := e.auth.Seal(msg)
	if err != nil {
		return fmt.Errorf("seal %s message: %w", msg.Kind, err)
	}
	if err := e.send.Send(ctx, dest, data, e.cfg.BundleTTL); err != nil {
		e.met.SendFailures.Inc()
		e.log.Warn("send failed", zap.Uint64("dest", uint64(dest)), zap.Error(err))
		return err
	}
	return nil
}

// HandleInbound runs the full pipeline for one received message:
// decode, expiry check, authentication, replay suppression, application,
// forwarding. A rejection at any step leaves all state untouched.
func (e *Engine) HandleInbound(ctx context.Context, data []byte, source wire.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.met.MessagesReceived.Inc()

	msg, macOffset, err := wire.Decode(data)
	if err != nil {
		e.met.MessagesDropped.WithLabelValues(metrics.DropDecode).Inc()
		return err
	}
	now := e.cfg.Clock()
	if msg.ExpireTime < now.Unix() {
		e.met.MessagesDropped.WithLabelValues(metrics.DropExpired).Inc()
		return fmt.Errorf("%w: expired %ds ago", ErrExpired, now.Unix()-msg.ExpireTime)
	}
	if err := e.auth.Verify(data, macOffset, msg); err != nil {
		e.met.MessagesDropped.WithLabelValues(metrics.DropBadMAC).Inc()
		return err
	}
	if e.guard.Seen(msg.Nonce, msg.Origin) {
		e.met.MessagesDropped.WithLabelValues(metrics.DropReplay).Inc()
		return fmt.Errorf("%w: origin %d", ErrReplay, msg.Origin)
	}
	e.guard.Record(msg.Nonce, msg.Origin)
	e.met.ReplayCacheSize.Set(float64(e.guard.Len()))

	// Facts that originated here already live in local state; they are
	// still forwarded so the flood reaches nodes that missed them.
	if msg.Origin != e.cfg.NodeID {
		e.applyLocked(msg)
	}
	e.forwardLocked(ctx, msg, source)
	return nil
}

func (e *Engine) applyLocked(msg *wire.Message) {
	switch msg.Kind {
	case wire.KindContact:
		c := msg.Contact
		end := msg.Timestamp + int64(c.DurationMinutes)*60
		if err := e.sink.ApplyContact(c.NodeA, c.NodeB, msg.Timestamp, end); err != nil {
			e.log.Warn("apply contact failed",
				zap.Uint64("node_a", uint64(c.NodeA)),
				zap.Uint64("node_b", uint64(c.NodeB)),
				zap.Error(err))
		}
		e.dir.UpsertLink(c.NodeA, c.NodeB, msg.Timestamp, end)
		e.log.Debug("contact applied",
			zap.Uint64("node_a", uint64(c.NodeA)),
			zap.Uint64("node_b", uint64(c.NodeB)),
			zap.Uint64("origin", uint64(msg.Origin)))
	case wire.KindMetadata:
		e.dir.UpsertMetadata(msg.Metadata)
		e.met.DirectorySize.Set(float64(e.dir.Len()))
		e.log.Debug("metadata applied",
			zap.Uint64("node", uint64(msg.Metadata.NodeID)),
			zap.String("name", msg.Metadata.Name))
	}
}

// forwardLocked floods msg to every cached neighbor except the origin,
// the immediate sender, and the local node, re-signing with a fresh
// nonce for each recipient.
func (e *Engine) forwardLocked(ctx context.Context, msg *wire.Message, source wire.NodeID) {
	ids, err := e.neighborSnapshot(ctx, e.cfg.Clock())
	if err != nil {
		e.log.Warn("forward skipped, neighbor listing failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == msg.Origin || id == source || id == e.cfg.NodeID {
			continue
		}
		fwd := *msg
		fwd.From = e.cfg.NodeID
		if err := e.sealAndSend(ctx, id, &fwd); err != nil {
			continue
		}
		e.met.MessagesForwarded.Inc()
	}
}
