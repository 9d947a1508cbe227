// Package metrics collects per-run counters in a private Prometheus registry
// and writes them as a node_exporter textfile next to the run's records.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TextfileName is the file written into the run directory.
const TextfileName = "metrics.prom"

// Run holds one run's collectors.
type Run struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	frames      prometheus.Counter
	requeues    prometheus.Counter
	pollErrors  prometheus.Counter
	detectTime  prometheus.Histogram
	vramDeltaMB prometheus.Gauge
}

// NewRun registers fresh collectors labelled with runID.
func NewRun(runID string) *Run {
	labels := prometheus.Labels{"run_id": runID}
	m := &Run{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "comfyrun_attempts_total",
			Help:        "Attempts finished, by detector exit reason.",
			ConstLabels: labels,
		}, []string{"exit_reason"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "comfyrun_jobs_total",
			Help:        "Jobs finished, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "comfyrun_frames_collected_total",
			Help:        "Frames copied into the run directory.",
			ConstLabels: labels,
		}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "comfyrun_requeues_total",
			Help:        "Attempts resubmitted after a degraded or failed outcome.",
			ConstLabels: labels,
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "comfyrun_poll_errors_total",
			Help:        "Status polls that failed transiently.",
			ConstLabels: labels,
		}),
		detectTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "comfyrun_attempt_duration_seconds",
			Help:        "Time from submission to the detector's terminal decision.",
			ConstLabels: labels,
			Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		vramDeltaMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "comfyrun_last_vram_delta_mb",
			Help:        "VRAM delta of the most recent attempt with both snapshots.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.attempts, m.jobs, m.frames, m.requeues, m.pollErrors, m.detectTime, m.vramDeltaMB)
	return m
}

// Attempt is what ObserveAttempt needs from a finished attempt.
type Attempt struct {
	ExitReason      string
	Frames          int
	DurationSeconds float64
	PollErrors      int
	Requeued        bool
	VRAMDeltaMB     *float64
}

// ObserveAttempt records one finished attempt.
func (m *Run) ObserveAttempt(a Attempt) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(a.ExitReason).Inc()
	m.frames.Add(float64(a.Frames))
	m.pollErrors.Add(float64(a.PollErrors))
	m.detectTime.Observe(a.DurationSeconds)
	if a.Requeued {
		m.requeues.Inc()
	}
	if a.VRAMDeltaMB != nil {
		m.vramDeltaMB.Set(*a.VRAMDeltaMB)
	}
}

// ObserveJob records a job's final outcome label.
func (m *Run) ObserveJob(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// Registry exposes the underlying registry.
func (m *Run) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry in text exposition format.
func (m *Run) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
