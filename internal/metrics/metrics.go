// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "discord_scribe"

// Metrics holds all Prometheus metrics for the recording pipeline.
type Metrics struct {
	// Recording metrics
	FramesWritten  prometheus.Counter
	FramesDropped  prometheus.Counter
	TracksOpen     prometheus.Gauge
	FrameAnomalies prometheus.Counter

	// Burst metrics
	BurstsOpened    prometheus.Counter
	BurstsClosed    prometheus.Counter
	WatchdogReopens prometheus.Counter

	// Resampler metrics
	ResamplerSpawns   prometheus.Counter
	ResamplerFailures prometheus.Counter
	BreakerRefusals   prometheus.Counter
	ResamplerKills    *prometheus.CounterVec

	// STT metrics
	StreamsOpened    prometheus.Counter
	StreamsRotated   prometheus.Counter
	StreamsClosed    *prometheus.CounterVec
	GatesActive      prometheus.Gauge
	TranscriptEvents *prometheus.CounterVec
}

// Default is the global metrics instance.
var Default = New()

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		FramesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Total encoded frames written to track containers",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by resampler backpressure",
		}),
		TracksOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracks_open",
			Help:      "Currently open recording tracks",
		}),
		FrameAnomalies: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_anomalies_total",
			Help:      "Frames with a non-standard duration (recorded anyway)",
		}),
		BurstsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bursts_opened_total",
			Help:      "Speech bursts opened",
		}),
		BurstsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bursts_closed_total",
			Help:      "Speech bursts closed",
		}),
		WatchdogReopens: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burst_watchdog_reopens_total",
			Help:      "Bursts force-closed and reopened by the max-duration watchdog",
		}),
		ResamplerSpawns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resampler_spawns_total",
			Help:      "Resampler subprocesses spawned",
		}),
		ResamplerFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resampler_failures_total",
			Help:      "Resampler spawn failures and early exits",
		}),
		BreakerRefusals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resampler_breaker_refusals_total",
			Help:      "Spawns refused by the circuit breaker",
		}),
		ResamplerKills: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resampler_kills_total",
			Help:      "Resampler subprocesses killed, by reason",
		}, []string{"reason"}),
		StreamsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_streams_opened_total",
			Help:      "STT streams opened",
		}),
		StreamsRotated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_streams_rotated_total",
			Help:      "STT stream rotations",
		}),
		StreamsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_streams_closed_total",
			Help:      "STT streams closed, by reason",
		}, []string{"reason"}),
		GatesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gates_active",
			Help:      "Currently live VAD gates",
		}),
		TranscriptEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcript events received, by finality",
		}, []string{"finality"}),
	}
}

// Serve exposes /metrics on addr. It blocks, so run it in a goroutine; an
// empty addr disables the listener.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
