package replay

import (
	"testing"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

func nonceOf(b byte) [wire.NonceSize]byte {
	return [wire.NonceSize]byte{b, b, b}
}

func TestRecordAndSeen(t *testing.T) {
	c := NewCache(10)
	n := nonceOf(1)
	if c.Seen(n, 1) {
		t.Fatalf("fresh pair reported as seen")
	}
	c.Record(n, 1)
	if !c.Seen(n, 1) {
		t.Fatalf("recorded pair not seen")
	}
	// Same nonce from a different origin is a distinct transmission.
	if c.Seen(n, 2) {
		t.Fatalf("origin should be part of the key")
	}
	// Different nonce from the same origin is fresh.
	if c.Seen(nonceOf(2), 1) {
		t.Fatalf("nonce should be part of the key")
	}
}

func TestEvictionOrder(t *testing.T) {
	c := NewCache(3)
	for i := byte(1); i <= 3; i++ {
		c.Record(nonceOf(i), wire.NodeID(i))
	}
	if c.Len() != 3 {
		t.Fatalf("len %d, want 3", c.Len())
	}
	// Fourth insert evicts the oldest entry only.
	c.Record(nonceOf(4), 4)
	if c.Len() != 3 {
		t.Fatalf("len %d after eviction, want 3", c.Len())
	}
	if c.Seen(nonceOf(1), 1) {
		t.Fatalf("oldest entry survived eviction")
	}
	for i := byte(2); i <= 4; i++ {
		if !c.Seen(nonceOf(i), wire.NodeID(i)) {
			t.Fatalf("entry %d evicted out of order", i)
		}
	}
}

func TestDuplicateRecordDoesNotGrow(t *testing.T) {
	c := NewCache(5)
	n := nonceOf(9)
	c.Record(n, 3)
	c.Record(n, 3)
	c.Record(n, 3)
	if c.Len() != 1 {
		t.Fatalf("len %d, want 1", c.Len())
	}
}
