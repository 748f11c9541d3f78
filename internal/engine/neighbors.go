package engine

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// neighborSnapshot returns the current neighbor set, serving a cached
// copy while it is younger than the configured age. The caller holds
// e.mu.
func (e *Engine) neighborSnapshot(ctx context.Context, now time.Time) ([]wire.NodeID, error) {
	if e.cachedNeighbors != nil && now.Sub(e.cachedAt) < e.cfg.NeighborCacheAge {
		return e.cachedNeighbors, nil
	}
	ids, err := e.neighbors.Neighbors(ctx)
	if err != nil {
		return nil, err
	}
	e.cachedNeighbors = ids
	e.cachedAt = now
	e.met.Neighbors.Set(float64(len(ids)))
	return ids, nil
}

// fingerprint summarizes a neighbor set independent of discovery order.
// The lister returns ids sorted, so equal sets always hash equal.
func fingerprint(ids []wire.NodeID) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
