package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	m := New("dtnex")
	m.MessagesReceived.Inc()
	m.MessagesReceived.Inc()
	m.MessagesDropped.WithLabelValues(DropReplay).Inc()
	m.MessagesSent.WithLabelValues("contact").Inc()
	m.Connected.Set(1)
	m.Neighbors.Set(3)

	if got := testutil.ToFloat64(m.MessagesReceived); got != 2 {
		t.Fatalf("received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropReplay)); got != 1 {
		t.Fatalf("dropped[replay] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Neighbors); got != 3 {
		t.Fatalf("neighbors = %v, want 3", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("dtnex")
	m.Cycles.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dtnex_dissemination_cycles_total 1") {
		t.Fatalf("cycle counter missing from exposition:\n%s", rec.Body.String())
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New("dtnex")
	b := New("dtnex")
	a.Cycles.Inc()
	if got := testutil.ToFloat64(b.Cycles); got != 0 {
		t.Fatalf("second registry saw %v cycles", got)
	}
}
