// Package metrics exposes Prometheus counters and gauges for the exchange
// daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the MessagesDropped label value.
const (
	DropDecode  = "decode"
	DropExpired = "expired"
	DropBadMAC  = "bad_mac"
	DropReplay  = "replay"
)

// Metrics holds all Prometheus metrics for the daemon. Each instance owns
// its own registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	MessagesForwarded prometheus.Counter
	MessagesSent      *prometheus.CounterVec
	SendFailures      prometheus.Counter

	Cycles     prometheus.Counter
	Reconnects prometheus.Counter

	Connected       prometheus.Gauge
	Neighbors       prometheus.Gauge
	DirectorySize   prometheus.Gauge
	ReplayCacheSize prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MessagesReceived: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages handed to the inbound pipeline",
		}),
		MessagesDropped: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages rejected, by reason",
		}, []string{"reason"}),
		MessagesForwarded: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Accepted messages re-signed and flooded onward",
		}),
		MessagesSent: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages originated locally, by kind",
		}, []string{"kind"}),
		SendFailures: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Transport send errors",
		}),
		Cycles: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dissemination_cycles_total",
			Help:      "Completed dissemination cycles",
		}),
		Reconnects: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transitions from disconnected to connected",
		}),
		Connected: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the transport connection is up",
		}),
		Neighbors: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Neighbors in the latest snapshot",
		}),
		DirectorySize: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_size",
			Help:      "Metadata entries in the directory",
		}),
		ReplayCacheSize: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_cache_size",
			Help:      "Entries in the replay cache",
		}),
	}
}

// Handler serves this instance's registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
