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
	ChatDownloadsStarted   prometheus.Counter
	ChatDownloadsFailed    prometheus.Counter
	ChatDownloadsSucceeded prometheus.Counter
	VodsTallied            prometheus.Counter
	EmoteMatches           prometheus.Counter
	ExportsSucceeded       prometheus.Counter
	ExportsFailed          prometheus.Counter
	PublishesSucceeded     prometheus.Counter
	PublishesFailed        prometheus.Counter
	ProcessingCycles       prometheus.Counter

	// Histograms (seconds)
	ChatDownloadDuration prometheus.Observer
	TallyDuration        prometheus.Observer
	TotalProcessDuration prometheus.Observer
	PublishDuration      prometheus.Observer

	// Gauges
	QueueDepthGauge  prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
	LiveGauge        prometheus.Gauge // 1 when the tracked channel is live
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatDownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_chat_downloads_started_total", Help: "Number of VOD chat downloads started"})
		ChatDownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_chat_downloads_failed_total", Help: "Number of VOD chat downloads failed"})
		ChatDownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_chat_downloads_succeeded_total", Help: "Number of VOD chat downloads succeeded"})
		VodsTallied = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_vods_tallied_total", Help: "Number of VODs whose chat was tallied"})
		EmoteMatches = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_matches_total", Help: "Number of comment/emote matches recorded"})
		ExportsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_stats_exports_succeeded_total", Help: "Number of stats JSON exports written"})
		ExportsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_stats_exports_failed_total", Help: "Number of stats JSON exports failed"})
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_publishes_succeeded_total", Help: "Number of successful gh-pages publishes"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_publishes_failed_total", Help: "Number of failed gh-pages publishes"})
		ProcessingCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_processing_cycles_total", Help: "Number of processing cycles (processOnce invocations)"})
		ChatDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_chat_download_duration_seconds", Help: "Chat download duration seconds", Buckets: prometheus.DefBuckets})
		TallyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_tally_duration_seconds", Help: "Tally duration seconds", Buckets: prometheus.DefBuckets})
		TotalProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_processing_total_duration_seconds", Help: "Total processing cycle duration seconds", Buckets: prometheus.DefBuckets})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_publish_duration_seconds", Help: "Publish duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "emote_queue_depth", Help: "Current number of VODs awaiting tallying"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "emote_circuit_open", Help: "Circuit breaker open=1 closed=0"})
		LiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "emote_channel_live", Help: "Tracked channel live=1 offline=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// SetQueueDepth records the current unprocessed VOD count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetLive records whether the tracked channel is currently live.
func SetLive(live bool) {
	if LiveGauge != nil {
		if live {
			LiveGauge.Set(1)
		} else {
			LiveGauge.Set(0)
		}
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

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
