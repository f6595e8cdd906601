// Package metrics exposes peerweave's connection, ban-set, and peer-cache
// counters in Prometheus text exposition format (§12 "Prometheus metrics
// endpoint"), grounded on the teacher's own
// metrics.NewAggregatedMetricsHandler wiring.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Counters are the atomic in-memory counters this node tracks. All fields
// are updated via their Add/Store methods; the zero value is a usable,
// all-zero counter set.
type Counters struct {
	ConnectionsAccepted atomic.Int64
	ConnectionsActive   atomic.Int64
	RequestsServed      atomic.Int64
	BansIssuedUDP       atomic.Int64
	BansIssuedHTTP      atomic.Int64
	CacheHits           atomic.Int64
	CacheMisses         atomic.Int64
	BytesServedToPeers  atomic.Int64
	BytesFetchedFromPeers atomic.Int64
	CacheEntries        atomic.Int64
}

// New returns a fresh, zeroed Counters.
func New() *Counters {
	return &Counters{}
}

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
)

// metricSpec binds one Counters field to its exposition name, help text,
// and Prometheus type.
type metricSpec struct {
	name string
	help string
	kind metricKind
	get  func(*Counters) int64
}

var specs = []metricSpec{
	{"peerweave_connections_accepted_total", "Total TCP connections accepted.", kindCounter, func(c *Counters) int64 { return c.ConnectionsAccepted.Load() }},
	{"peerweave_connections_active", "Connections currently open.", kindGauge, func(c *Counters) int64 { return c.ConnectionsActive.Load() }},
	{"peerweave_requests_served_total", "Total HTTP requests dispatched.", kindCounter, func(c *Counters) int64 { return c.RequestsServed.Load() }},
	{"peerweave_bans_issued_udp_total", "Total IPs banned at the UDP layer.", kindCounter, func(c *Counters) int64 { return c.BansIssuedUDP.Load() }},
	{"peerweave_bans_issued_http_total", "Total IPs banned at the HTTP layer.", kindCounter, func(c *Counters) int64 { return c.BansIssuedHTTP.Load() }},
	{"peerweave_cache_hits_total", "Total local cache hits.", kindCounter, func(c *Counters) int64 { return c.CacheHits.Load() }},
	{"peerweave_cache_misses_total", "Total local cache misses.", kindCounter, func(c *Counters) int64 { return c.CacheMisses.Load() }},
	{"peerweave_bytes_served_to_peers_total", "Total bytes streamed to other peers.", kindCounter, func(c *Counters) int64 { return c.BytesServedToPeers.Load() }},
	{"peerweave_bytes_fetched_from_peers_total", "Total bytes pulled from other peers.", kindCounter, func(c *Counters) int64 { return c.BytesFetchedFromPeers.Load() }},
	{"peerweave_cache_entries", "Current number of permanent-store cache entries.", kindGauge, func(c *Counters) int64 { return c.CacheEntries.Load() }},
}

func familyType(k metricKind) dto.MetricType {
	if k == kindCounter {
		return dto.MetricType_COUNTER
	}
	return dto.MetricType_GAUGE
}

// WriteExposition encodes c's current values to w in Prometheus text
// exposition format, the same `expfmt.Encoder` call the teacher's
// aggregated handler uses to re-serialize collected metric families.
func WriteExposition(w io.Writer, c *Counters) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, spec := range specs {
		value := float64(spec.get(c))
		name, help, kind := spec.name, spec.help, familyType(spec.kind)
		family := &dto.MetricFamily{
			Name: &name,
			Help: &help,
			Type: &kind,
			Metric: []*dto.Metric{
				newMetric(kind, value),
			},
		}
		if err := enc.Encode(family); err != nil {
			return fmt.Errorf("metrics: encoding %s: %w", name, err)
		}
	}
	return nil
}

func newMetric(kind dto.MetricType, value float64) *dto.Metric {
	m := &dto.Metric{}
	if kind == dto.MetricType_COUNTER {
		m.Counter = &dto.Counter{Value: &value}
	} else {
		m.Gauge = &dto.Gauge{Value: &value}
	}
	return m
}
