// Package directory holds the last-known topology and identity facts
// learned from the exchange. Entries use most-recent overwrite semantics
// and live for the lifetime of the process.
package directory

import (
	"sort"
	"sync"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// Link is one observed contact between two nodes. The pair is normalized
// so (a,b) and (b,a) occupy a single entry.
type Link struct {
	NodeA      wire.NodeID
	NodeB      wire.NodeID
	StartEpoch int64
	EndEpoch   int64
}

type pairKey struct {
	lo wire.NodeID
	hi wire.NodeID
}

func normalize(a, b wire.NodeID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Directory is safe for concurrent use.
type Directory struct {
	mu       sync.RWMutex
	metadata map[wire.NodeID]wire.MetadataFact
	links    map[pairKey]Link
}

func New() *Directory {
	return &Directory{
		metadata: make(map[wire.NodeID]wire.MetadataFact),
		links:    make(map[pairKey]Link),
	}
}

// UpsertMetadata records a node's identity, replacing any previous entry.
func (d *Directory) UpsertMetadata(md wire.MetadataFact) {
	d.mu.Lock()
	d.metadata[md.NodeID] = md
	d.mu.Unlock()
}

// Metadata returns the last-known identity for a node.
func (d *Directory) Metadata(id wire.NodeID) (wire.MetadataFact, bool) {
	d.mu.RLock()
	md, ok := d.metadata[id]
	d.mu.RUnlock()
	return md, ok
}

// UpsertLink records a contact between two nodes. The most recent
// observation of a pair wins regardless of direction.
func (d *Directory) UpsertLink(a, b wire.NodeID, startEpoch, endEpoch int64) {
	k := normalize(a, b)
	d.mu.Lock()
	d.links[k] = Link{NodeA: k.lo, NodeB: k.hi, StartEpoch: startEpoch, EndEpoch: endEpoch}
	d.mu.Unlock()
}

// Nodes returns every node id that appears in a metadata entry or a link,
// sorted ascending.
func (d *Directory) Nodes() []wire.NodeID {
	d.mu.RLock()
	seen := make(map[wire.NodeID]struct{}, len(d.metadata))
	for id := range d.metadata {
		seen[id] = struct{}{}
	}
	for k := range d.links {
		seen[k.lo] = struct{}{}
		seen[k.hi] = struct{}{}
	}
	d.mu.RUnlock()
	out := make([]wire.NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Links returns a snapshot of all known contacts, sorted by pair.
func (d *Directory) Links() []Link {
	d.mu.RLock()
	out := make([]Link, 0, len(d.links))
	for _, l := range d.links {
		out = append(out, l)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeA != out[j].NodeA {
			return out[i].NodeA < out[j].NodeA
		}
		return out[i].NodeB < out[j].NodeB
	})
	return out
}

// MetadataSnapshot returns a copy of every identity entry.
func (d *Directory) MetadataSnapshot() map[wire.NodeID]wire.MetadataFact {
	d.mu.RLock()
	out := make(map[wire.NodeID]wire.MetadataFact, len(d.metadata))
	for id, md := range d.metadata {
		out[id] = md
	}
	d.mu.RUnlock()
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.metadata)
}
