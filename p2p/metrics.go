package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "chainp2p/p2p"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerScore     *prometheus.GaugeVec
	peerLatency   *prometheus.GaugeVec
	peerStates    *prometheus.GaugeVec
	bans          prometheus.Counter
	handshake     *prometheus.CounterVec
	frames        *prometheus.CounterVec
	droppedCtrl   *prometheus.CounterVec
	syncRequests  *prometheus.CounterVec
	syncHeight    prometheus.Gauge
	gossip        *prometheus.CounterVec
	seenSize      prometheus.Gauge
	seenEvictions prometheus.Counter

	handshakeCounter metric.Int64Counter
	gossipCounter    metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainp2p_peer_reputation",
				Help: "Decayed reputation per connected peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainp2p_peer_latency_ms",
				Help: "Ping round-trip moving average per connected peer.",
			}, []string{"peer"}),
			peerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainp2p_peers",
				Help: "Peer book records by connection state.",
			}, []string{"state"}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainp2p_peer_bans_total",
				Help: "Bans issued by the peer book.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainp2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainp2p_frames_total",
				Help: "Application frames by direction and message type.",
			}, []string{"direction", "type"}),
			droppedCtrl: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainp2p_dropped_control_total",
				Help: "Control messages dropped under outbound backpressure.",
			}, []string{"type"}),
			syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainp2p_sync_requests_total",
				Help: "Block range requests by outcome.",
			}, []string{"outcome"}),
			syncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainp2p_sync_best_claimed_height",
				Help: "Highest height claimed by a connected peer.",
			}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainp2p_gossip_objects_total",
				Help: "Gossiped objects by kind and outcome.",
			}, []string{"kind", "outcome"}),
			seenSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainp2p_seen_set_entries",
				Help: "Hashes currently retained by the gossip seen set.",
			}),
			seenEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainp2p_seen_set_evictions_total",
				Help: "Hashes evicted from the gossip seen set.",
			}),
		}
		prometheus.MustRegister(
			nm.peerScore, nm.peerLatency, nm.peerStates, nm.bans, nm.handshake, nm.frames,
			nm.droppedCtrl, nm.syncRequests, nm.syncHeight, nm.gossip, nm.seenSize, nm.seenEvictions,
		)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	counter, err := meter.Int64Counter("chainp2p.handshakes")
	if err != nil {
		counter, _ = fallback.Int64Counter("chainp2p.handshakes")
	}
	gossipCounter, err := meter.Int64Counter("chainp2p.gossip")
	if err != nil {
		gossipCounter, _ = fallback.Int64Counter("chainp2p.gossip")
	}
	latency, err := meter.Float64Histogram("chainp2p.latency_ms")
	if err != nil {
		latency, _ = fallback.Float64Histogram("chainp2p.latency_ms")
	}
	m.handshakeCounter = counter
	m.gossipCounter = gossipCounter
	m.latencyHistogram = latency
}

func (m *networkMetrics) observePeerScore(peerID string, score float64) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(score)
}

func (m *networkMetrics) observeLatency(peerID string, latencyMS float64) {
	if m == nil || peerID == "" || latencyMS <= 0 {
		return
	}
	m.peerLatency.WithLabelValues(peerID).Set(latencyMS)
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), latencyMS,
			metric.WithAttributes(attribute.String("peer", peerID)))
	}
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
	m.peerLatency.DeleteLabelValues(peerID)
}

func (m *networkMetrics) setPeerStates(counts map[ConnState]int) {
	if m == nil {
		return
	}
	for _, state := range []ConnState{Disconnected, Handshaking, Connected, Banned} {
		m.peerStates.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

func (m *networkMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordFrame(direction string, tag Tag) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, tag.String()).Inc()
}

func (m *networkMetrics) recordDroppedControl(tag Tag) {
	if m == nil {
		return
	}
	m.droppedCtrl.WithLabelValues(tag.String()).Inc()
}

func (m *networkMetrics) recordSyncRequest(outcome string) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(outcome).Inc()
}

func (m *networkMetrics) observeBestHeight(height uint32) {
	if m == nil {
		return
	}
	m.syncHeight.Set(float64(height))
}

func (m *networkMetrics) recordGossip(kind, outcome string) {
	if m == nil {
		return
	}
	m.gossip.WithLabelValues(kind, outcome).Inc()
	if m.gossipCounter != nil {
		m.gossipCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("outcome", outcome),
			))
	}
}

func (m *networkMetrics) observeSeenSize(size int) {
	if m == nil {
		return
	}
	m.seenSize.Set(float64(size))
}

func (m *networkMetrics) recordSeenEviction() {
	if m == nil {
		return
	}
	m.seenEvictions.Inc()
}
