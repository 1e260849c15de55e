// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SubmissionsStarted   prometheus.Counter
	SubmissionsSucceeded prometheus.Counter
	SubmissionsFailed    *prometheus.CounterVec // label: kind
	ScoresSubmitted      prometheus.Counter
	ScoresPruned         prometheus.Counter
	ProgressDropped      prometheus.Counter
	BeatmapLookups       *prometheus.CounterVec // label: tier (memory|store|origin)
	ScraperPlayers       *prometheus.CounterVec // label: outcome
	ChatCommands         *prometheus.CounterVec // label: command

	// Histograms (seconds)
	SubmissionDuration   prometheus.Observer
	ComputeDuration      prometheus.Observer
	BeatmapFetchDuration prometheus.Observer

	// Gauges
	SubmissionsInFlight prometheus.Gauge
	DBOpenConnections   prometheus.Gauge
	DBInUseConnections  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SubmissionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "rika_submissions_started_total", Help: "Number of score submissions started"})
		SubmissionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "rika_submissions_succeeded_total", Help: "Number of score submissions committed"})
		SubmissionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rika_submissions_failed_total", Help: "Number of score submissions failed by error kind"}, []string{"kind"})
		ScoresSubmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "rika_scores_submitted_total", Help: "Number of new scores persisted"})
		ScoresPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "rika_scores_pruned_total", Help: "Number of scores removed by the retention window"})
		ProgressDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "rika_progress_dropped_total", Help: "Progress events dropped because the consumer was not keeping up"})
		BeatmapLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rika_beatmap_lookups_total", Help: "Beatmap lookups by the tier that served them"}, []string{"tier"})
		ScraperPlayers = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rika_scraper_players_total", Help: "Players visited by the ranking scraper by outcome"}, []string{"outcome"})
		ChatCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rika_chat_commands_total", Help: "Chat commands handled"}, []string{"command"})
		SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rika_submission_duration_seconds", Help: "Submission duration seconds", Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}})
		ComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rika_score_compute_duration_seconds", Help: "Per-score performance computation seconds", Buckets: prometheus.DefBuckets})
		BeatmapFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rika_beatmap_fetch_duration_seconds", Help: "Beatmap origin fetch seconds", Buckets: prometheus.DefBuckets})
		SubmissionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "rika_submissions_in_flight", Help: "Subjects currently holding a submission lock"})
		DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "rika_db_open_connections", Help: "Open database connections"})
		DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "rika_db_in_use_connections", Help: "Database connections in use"})
	})
}

// ObserveBeatmapLookup counts a lookup served by tier.
func ObserveBeatmapLookup(tier string) {
	if BeatmapLookups != nil {
		BeatmapLookups.WithLabelValues(tier).Inc()
	}
}

// ObserveSubmissionFailure counts a failed submission by error kind.
func ObserveSubmissionFailure(kind string) {
	if SubmissionsFailed != nil {
		SubmissionsFailed.WithLabelValues(kind).Inc()
	}
}

// ObserveScraperPlayer counts a scraped player by outcome.
func ObserveScraperPlayer(outcome string) {
	if ScraperPlayers != nil {
		ScraperPlayers.WithLabelValues(outcome).Inc()
	}
}

// ObserveChatCommand counts a handled chat command.
func ObserveChatCommand(command string) {
	if ChatCommands != nil {
		ChatCommands.WithLabelValues(command).Inc()
	}
}

// Inc increments c when registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c when registered.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// SetInFlight records how many subjects are being submitted.
func SetInFlight(n int) {
	if SubmissionsInFlight != nil {
		SubmissionsInFlight.Set(float64(n))
	}
}

// UpdateDatabasePoolMetrics records connection pool usage.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBOpenConnections != nil {
		DBOpenConnections.Set(float64(open))
	}
	if DBInUseConnections != nil {
		DBInUseConnections.Set(float64(inUse))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
