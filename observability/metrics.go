package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	consensusMetricsOnce sync.Once
	consensusRegistry    *ConsensusMetrics

	mempoolMetricsOnce sync.Once
	mempoolRegistry    *MempoolMetrics
)

// ChainMetrics tracks the locally stored chain.
type ChainMetrics struct {
	height  prometheus.Gauge
	commits prometheus.Counter
	rewinds prometheus.Counter
}

// Chain returns the lazily-initialised chain store metrics.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainp2p",
				Subsystem: "chain",
				Name:      "height",
				Help:      "Height of the locally stored chain tip.",
			}),
			commits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "chain",
				Name:      "blocks_committed_total",
				Help:      "Blocks appended to the local chain.",
			}),
			rewinds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "chain",
				Name:      "rewinds_total",
				Help:      "Rewinds performed to adopt a competing branch.",
			}),
		}
		prometheus.MustRegister(chainRegistry.height, chainRegistry.commits, chainRegistry.rewinds)
	})
	return chainRegistry
}

// RecordCommit notes a block appended at height.
func (m *ChainMetrics) RecordCommit(height uint32) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.height.Set(float64(height))
}

// RecordRewind notes a rewind down to height.
func (m *ChainMetrics) RecordRewind(height uint32) {
	if m == nil {
		return
	}
	m.rewinds.Inc()
	m.height.Set(float64(height))
}

// SetHeight updates the tip gauge, typically once on open.
func (m *ChainMetrics) SetHeight(height uint32) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// ConsensusMetrics tracks validation verdicts and fork decisions.
type ConsensusMetrics struct {
	blocks        *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	forks         *prometheus.CounterVec
	blockInterval prometheus.Gauge
}

// Consensus exposes the metrics registry for consensus level instrumentation.
func Consensus() *ConsensusMetrics {
	consensusMetricsOnce.Do(func() {
		consensusRegistry = &ConsensusMetrics{
			blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "consensus",
				Name:      "blocks_total",
				Help:      "Block validation verdicts.",
			}, []string{"outcome"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "consensus",
				Name:      "transactions_total",
				Help:      "Transaction admission verdicts.",
			}, []string{"outcome"}),
			forks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "consensus",
				Name:      "fork_decisions_total",
				Help:      "Fork resolutions by decision.",
			}, []string{"decision"}),
			blockInterval: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainp2p",
				Subsystem: "consensus",
				Name:      "block_interval_seconds",
				Help:      "Interval in seconds between the timestamps of a validated block and its parent.",
			}),
		}
		prometheus.MustRegister(
			consensusRegistry.blocks,
			consensusRegistry.transactions,
			consensusRegistry.forks,
			consensusRegistry.blockInterval,
		)
	})
	return consensusRegistry
}

// RecordBlock counts a block verdict.
func (m *ConsensusMetrics) RecordBlock(valid bool) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(outcome(valid)).Inc()
}

// RecordTransaction counts a transaction admission outcome such as
// "accepted", "duplicate" or "rejected".
func (m *ConsensusMetrics) RecordTransaction(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.transactions.WithLabelValues(result).Inc()
}

// RecordFork counts a fork decision.
func (m *ConsensusMetrics) RecordFork(decision string) {
	if m == nil {
		return
	}
	m.forks.WithLabelValues(decision).Inc()
}

// RecordBlockInterval updates the block interval gauge with the supplied duration.
func (m *ConsensusMetrics) RecordBlockInterval(interval time.Duration) {
	if m == nil {
		return
	}
	seconds := interval.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.blockInterval.Set(seconds)
}

// MempoolMetrics tracks pending transactions.
type MempoolMetrics struct {
	size     prometheus.Gauge
	rejected *prometheus.CounterVec
}

// Mempool returns the lazily-initialised mempool metrics.
func Mempool() *MempoolMetrics {
	mempoolMetricsOnce.Do(func() {
		mempoolRegistry = &MempoolMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chainp2p",
				Subsystem: "mempool",
				Name:      "transactions",
				Help:      "Transactions currently pending.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainp2p",
				Subsystem: "mempool",
				Name:      "rejected_total",
				Help:      "Transactions refused by the pool.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(mempoolRegistry.size, mempoolRegistry.rejected)
	})
	return mempoolRegistry
}

// SetSize updates the pending transaction gauge.
func (m *MempoolMetrics) SetSize(n int) {
	if m == nil {
		return
	}
	m.size.Set(float64(n))
}

// RecordRejection counts a refused transaction.
func (m *MempoolMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}
