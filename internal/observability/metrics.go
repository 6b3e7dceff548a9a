package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_correlator"

// Metrics holds the Prometheus counters, histograms, and gauges for the correlator.
type Metrics struct {
	// Polling cycle metrics.
	PollerRunning   prometheus.Gauge
	AlertsFetched   prometheus.Counter
	FeedNotModified prometheus.Counter
	CycleAlerts     prometheus.Histogram
	CycleDuration   prometheus.Histogram
	CycleFailures   prometheus.Counter
	AlertOutcomes   *prometheus.CounterVec // labels: outcome={new_event,updated_event,new_episode,updated_episode,malformed,unclassified,stale,filtered,deferred,skipped}

	// Lifecycle metrics.
	ActionsDispatched *prometheus.CounterVec // labels: mode={inline,kafka}
	ActionsApplied    *prometheus.CounterVec // labels: bucket, result={applied,stale,unclassified,error}
	EpisodeLinks      *prometheus.CounterVec // labels: result={linked,created,deferred}
	EntitiesExpired   *prometheus.CounterVec // labels: kind={event,episode}

	// Registry metrics.
	RegistryActive    *prometheus.GaugeVec // labels: kind={event,episode}
	RegistryConflicts prometheus.Counter

	// Confirmation metrics.
	ConfirmerRunning    prometheus.Gauge
	ConfirmationReports *prometheus.CounterVec // labels: result={accepted,rejected,deferred,error}
	EventsConfirmed     prometheus.Counter

	// Collaborator metrics.
	CollaboratorRequests *prometheus.CounterVec   // labels: collaborator={feed,zone,reports,oracle}, outcome={success,error,not_modified}
	CollaboratorDuration *prometheus.HistogramVec // labels: collaborator
	ZoneCache            *prometheus.CounterVec   // labels: result={hit,miss}
	OracleEnabled        prometheus.Gauge
}

// NewMetrics creates and registers all correlator metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PollerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_running",
			Help:      "1 when the polling driver is active, 0 when shut down.",
		}),
		AlertsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fetched_total",
			Help:      "Total alert envelopes received from the hazard feed.",
		}),
		FeedNotModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_not_modified_total",
			Help:      "Feed pulls answered with no change since the watermark.",
		}),
		CycleAlerts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_alerts",
			Help:      "Number of alerts classified per polling cycle.",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500},
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete polling cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Polling cycles that failed because the feed pull failed.",
		}),
		AlertOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_outcomes_total",
			Help:      "Per-alert classification outcomes.",
		}, []string{"outcome"}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Lifecycle actions handed to the dispatcher.",
		}, []string{"mode"}),
		ActionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_applied_total",
			Help:      "Lifecycle actions applied to the registry by bucket and result.",
		}, []string{"bucket", "result"}),
		EpisodeLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episode_links_total",
			Help:      "Episode linking decisions for new events.",
		}, []string{"result"}),
		EntitiesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_expired_total",
			Help:      "Entities closed by the expiry sweep.",
		}, []string{"kind"}),
		RegistryActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_active",
			Help:      "Active entities held by the registry.",
		}, []string{"kind"}),
		RegistryConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_conflicts_total",
			Help:      "Writes committed over a newer revision.",
		}),
		ConfirmerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confirmer_running",
			Help:      "1 when the confirmation driver is active, 0 when shut down.",
		}),
		ConfirmationReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_reports_total",
			Help:      "Field reports evaluated by result.",
		}, []string{"result"}),
		EventsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_confirmed_total",
			Help:      "Events confirmed by a field report.",
		}),
		CollaboratorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_requests_total",
			Help:      "External collaborator requests by collaborator and outcome.",
		}, []string{"collaborator", "outcome"}),
		CollaboratorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "External collaborator request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"collaborator"}),
		ZoneCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zone_cache_total",
			Help:      "Zone geometry cache lookups by result.",
		}, []string{"result"}),
		OracleEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_enabled",
			Help:      "1 when the reasoning oracle is configured, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PollerRunning,
		m.AlertsFetched,
		m.FeedNotModified,
		m.CycleAlerts,
		m.CycleDuration,
		m.CycleFailures,
		m.AlertOutcomes,
		m.ActionsDispatched,
		m.ActionsApplied,
		m.EpisodeLinks,
		m.EntitiesExpired,
		m.RegistryActive,
		m.RegistryConflicts,
		m.ConfirmerRunning,
		m.ConfirmationReports,
		m.EventsConfirmed,
		m.CollaboratorRequests,
		m.CollaboratorDuration,
		m.ZoneCache,
		m.OracleEnabled,
	}
}
