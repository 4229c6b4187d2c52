package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Role and term
	Role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ravel_role",
			Help: "Whether this server is currently in the given role (1 = current role, 0 otherwise)",
		},
		[]string{"role"},
	)

	Term = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_current_term",
			Help: "Current term this server has observed",
		},
	)

	// Log and index metrics
	LastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_last_log_index",
			Help: "Highest index ever appended to the local log",
		},
	)

	CommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_commit_index",
			Help: "Highest index replicated to a quorum and safe to apply",
		},
	)

	GlobalIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_global_index",
			Help: "Minimum matchIndex across all active members, driving major compaction",
		},
	)

	LastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_last_applied",
			Help: "Highest index applied to the state machine",
		},
	)

	// Cluster metrics
	ActiveMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_active_members",
			Help: "Number of voting (ACTIVE) cluster members",
		},
	)

	PassiveMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_passive_members",
			Help: "Number of non-voting (PASSIVE) cluster members",
		},
	)

	SessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ravel_sessions_open",
			Help: "Number of OPEN client sessions",
		},
	)

	// Election metrics
	ElectionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ravel_elections_started_total",
			Help: "Total number of elections this server has started as a candidate",
		},
	)

	VotesGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ravel_votes_granted_total",
			Help: "Total number of votes this server has granted to candidates",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravel_rpc_requests_total",
			Help: "Total number of RPCs handled by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravel_rpc_duration_seconds",
			Help:    "RPC handling duration in seconds by topic",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Replication and apply latency
	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ravel_append_duration_seconds",
			Help:    "Time taken to append an entry to the local log",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ravel_apply_duration_seconds",
			Help:    "Time taken to apply a committed entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravel_commands_total",
			Help: "Total number of commands processed by outcome",
		},
		[]string{"outcome"},
	)

	// Compaction metrics
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ravel_compaction_duration_seconds",
			Help:    "Time taken by a compaction pass by kind (minor/major)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CompactionEntriesDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ravel_compaction_entries_discarded_total",
			Help: "Total number of log entries discarded by compaction, by kind",
		},
		[]string{"kind"},
	)

	// Session metrics
	SessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ravel_sessions_expired_total",
			Help: "Total number of sessions that expired",
		},
	)

	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ravel_events_published_total",
			Help: "Total number of events published to sessions",
		},
	)

	EventsResentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ravel_events_resent_total",
			Help: "Total number of events redelivered after a missed-event response",
		},
	)
)

func init() {
	prometheus.MustRegister(Role)
	prometheus.MustRegister(Term)
	prometheus.MustRegister(LastLogIndex)
	prometheus.MustRegister(CommitIndex)
	prometheus.MustRegister(GlobalIndex)
	prometheus.MustRegister(LastApplied)
	prometheus.MustRegister(ActiveMembers)
	prometheus.MustRegister(PassiveMembers)
	prometheus.MustRegister(SessionsOpen)
	prometheus.MustRegister(ElectionsStartedTotal)
	prometheus.MustRegister(VotesGrantedTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(AppendDuration)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionEntriesDiscardedTotal)
	prometheus.MustRegister(SessionsExpiredTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsResentTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// SetRole sets the Role gauge so only the given role reads 1.
func SetRole(current string) {
	for _, r := range []string{"follower", "candidate", "leader", "passive", "join", "leave"} {
		v := 0.0
		if r == current {
			v = 1.0
		}
		Role.WithLabelValues(r).Set(v)
	}
}
