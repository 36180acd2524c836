// Package metrics exposes the node's Prometheus instrumentation.
//
// Components take a *Metrics that may be nil; every recording method is a
// no-op on a nil receiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zeta"

// Metrics holds every collector the node records to.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Feed metrics
	PostsInserted  *prometheus.CounterVec
	PostsDuplicate *prometheus.CounterVec
	FeedSize       prometheus.Gauge

	// Mesh metrics
	MeshMalformed     prometheus.Counter
	MeshHeartbeats    prometheus.Counter
	Broadcasts        *prometheus.CounterVec
	BroadcastFailures *prometheus.CounterVec
	Peers             prometheus.Gauge

	// Relay metrics
	RelaySessions      prometheus.Gauge
	RelaySessionsTotal prometheus.Counter
	RelayDropped       prometheus.Counter
}

// New creates the collectors and registers them with registry. A nil
// registry uses a fresh prometheus.Registry.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		gatherer: registry,

		PostsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_inserted_total",
			Help:      "Posts inserted into the feed, by origin",
		}, []string{"origin"}),
		PostsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_duplicate_total",
			Help:      "Posts discarded because their id was already stored, by origin",
		}, []string{"origin"}),
		FeedSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_posts",
			Help:      "Number of posts currently held in the feed",
		}),

		MeshMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_malformed_total",
			Help:      "Inbound mesh messages that could not be decoded",
		}),
		MeshHeartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_heartbeats_total",
			Help:      "Heartbeat messages received from the mesh",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_broadcasts_total",
			Help:      "Mesh broadcasts attempted, by substrate",
		}, []string{"substrate"}),
		BroadcastFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_broadcast_failures_total",
			Help:      "Mesh broadcasts that failed, by substrate",
		}, []string{"substrate"}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of records in the peer directory",
		}),

		RelaySessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions",
			Help:      "Active relay sessions",
		}),
		RelaySessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Relay sessions accepted",
		}),
		RelayDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_messages_total",
			Help:      "Relay push messages dropped because a session queue was full",
		}),
	}
}

// Handler returns an HTTP handler serving the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// PostInserted records a post accepted into the feed.
func (m *Metrics) PostInserted(origin string, feedSize int) {
	if m == nil {
		return
	}
	m.PostsInserted.WithLabelValues(origin).Inc()
	m.FeedSize.Set(float64(feedSize))
}

// PostDuplicate records a post discarded as a duplicate.
func (m *Metrics) PostDuplicate(origin string) {
	if m == nil {
		return
	}
	m.PostsDuplicate.WithLabelValues(origin).Inc()
}

// Malformed records an undecodable mesh message.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MeshMalformed.Inc()
}

// Heartbeat records a received heartbeat.
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.MeshHeartbeats.Inc()
}

// Broadcast records a broadcast attempt and whether it failed.
func (m *Metrics) Broadcast(substrate string, err error) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(substrate).Inc()
	if err != nil {
		m.BroadcastFailures.WithLabelValues(substrate).Inc()
	}
}

// SetPeers records the size of the peer directory.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

// SessionOpened records an accepted relay session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.RelaySessions.Inc()
	m.RelaySessionsTotal.Inc()
}

// SessionClosed records a closed relay session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.RelaySessions.Dec()
}

// Dropped records a relay message dropped on a full queue.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.RelayDropped.Inc()
}
