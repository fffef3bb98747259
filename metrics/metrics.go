// Package metrics holds the Prometheus collectors a ledger node exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgerberry"

// Metrics groups a node's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// CommitsTotal counts admission outcomes by status
	CommitsTotal *prometheus.CounterVec

	// VotesTotal counts submitted votes by result
	VotesTotal *prometheus.CounterVec

	// FinalizedTotal counts head advances by kind (promote, replace)
	FinalizedTotal *prometheus.CounterVec

	HeadHeight  prometheus.Gauge
	OrphanCount prometheus.Gauge
	PeerCount   prometheus.Gauge

	// SyncState is 1 for the current sync state label and 0 otherwise
	SyncState *prometheus.GaugeVec

	// SyncCycleDuration tracks reconciliation cycles by outcome
	SyncCycleDuration *prometheus.HistogramVec

	// SyncedCommits counts commits applied by the sync engine
	SyncedCommits prometheus.Counter

	// RequestsTotal counts outbound peer requests by type and result
	RequestsTotal *prometheus.CounterVec

	// EvidenceTotal counts detected author equivocations
	EvidenceTotal prometheus.Counter

	// InboxDropped counts writer tasks dropped because the inbox was full
	InboxDropped prometheus.Counter
}

// SyncStates lists the label values of SyncState
var SyncStates = []string{"initializing", "syncing", "up_to_date", "error"}

// New creates the collectors and registers them with reg. A nil reg uses a
// private registry, which keeps several nodes in one process apart.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits processed by admission outcome",
		}, []string{"status"}),

		VotesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes submitted to the tracker by result",
		}, []string{"result"}),

		FinalizedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_total",
			Help:      "Head changes by kind",
		}, []string{"kind"}),

		HeadHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_height",
			Help:      "Height of the finalized head",
		}),

		OrphanCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphans",
			Help:      "Commits waiting for their parent",
		}),

		PeerCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers",
		}),

		SyncState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state",
			Help:      "Current sync state (1 for the active state)",
		}, []string{"state"}),

		SyncCycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Sync cycle duration by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"outcome"}),

		SyncedCommits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "commits_total",
			Help:      "Commits applied by the sync engine",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_requests_total",
			Help:      "Outbound peer requests by type and result",
		}, []string{"type", "result"}),

		EvidenceTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equivocations_total",
			Help:      "Detected authors signing two commits on one parent",
		}),

		InboxDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_dropped_total",
			Help:      "Writer tasks dropped on a full inbox",
		}),
	}
}

// ObserveCommit counts one admission outcome
func (m *Metrics) ObserveCommit(status string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(status).Inc()
}

// ObserveVote counts one vote submission
func (m *Metrics) ObserveVote(result string) {
	if m == nil {
		return
	}
	m.VotesTotal.WithLabelValues(result).Inc()
}

// ObserveFinalized counts a head change and records the new height
func (m *Metrics) ObserveFinalized(kind string, height uint64) {
	if m == nil {
		return
	}
	m.FinalizedTotal.WithLabelValues(kind).Inc()
	m.HeadHeight.Set(float64(height))
}

// SetOrphans records the orphan pool size
func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.OrphanCount.Set(float64(n))
}

// SetPeers records the connected peer count
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.PeerCount.Set(float64(n))
}

// SetSyncState marks state as the active sync state
func (m *Metrics) SetSyncState(state string) {
	if m == nil {
		return
	}
	for _, s := range SyncStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SyncState.WithLabelValues(s).Set(v)
	}
}

// ObserveSyncCycle records one sync cycle
func (m *Metrics) ObserveSyncCycle(outcome string, seconds float64, applied int) {
	if m == nil {
		return
	}
	m.SyncCycleDuration.WithLabelValues(outcome).Observe(seconds)
	m.SyncedCommits.Add(float64(applied))
}

// ObserveRequest counts one outbound request
func (m *Metrics) ObserveRequest(msgType, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(msgType, result).Inc()
}

// ObserveEvidence counts one equivocation
func (m *Metrics) ObserveEvidence() {
	if m == nil {
		return
	}
	m.EvidenceTotal.Inc()
}

// ObserveInboxDrop counts one dropped writer task
func (m *Metrics) ObserveInboxDrop() {
	if m == nil {
		return
	}
	m.InboxDropped.Inc()
}
