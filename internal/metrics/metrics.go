// Package metrics holds the Prometheus collectors exported on /metrics.
// Labels stay low-cardinality: no session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts sessions that reached the recording state.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_sessions_started_total",
		Help: "Total number of sessions that started recording.",
	})

	// SessionsFinished counts terminal transitions by status (completed, failed, orphaned).
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_sessions_finished_total",
		Help: "Total number of sessions that left the recording state, by outcome.",
	}, []string{"outcome"})

	// FramesCaptured counts frames handed to the encoder queue.
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_frames_captured_total",
		Help: "Total number of frames enqueued for encoding.",
	})

	// FramesDropped counts frames dropped because the encoder queue stayed full.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_frames_dropped_total",
		Help: "Total number of frames dropped on a full encoder queue.",
	})

	// InputEvents counts input events accepted or dropped, by device and result.
	InputEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_input_events_total",
		Help: "Total number of input events, by device and result (accepted, throttled, dropped, rejected, ignored).",
	}, []string{"device", "result"})

	// BatchFlushes counts persistence flushes by result.
	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_batch_flushes_total",
		Help: "Total number of persistence flushes, by result.",
	}, []string{"result"})

	// BatchRows observes the number of rows written per flush.
	BatchRows = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_batch_rows",
		Help:    "Rows written per persistence flush.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// BatchRowsDropped counts rows discarded once the unwritten backlog passed its limit.
	BatchRowsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_batch_rows_dropped_total",
		Help: "Total number of unwritten rows dropped over the backlog limit, by kind (frame, health, event).",
	}, []string{"kind"})

	// StreamsDegraded counts optional streams that failed mid-session.
	StreamsDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_streams_degraded_total",
		Help: "Total number of optional streams that degraded, by stream.",
	}, []string{"stream"})

	// ArchiveJobs counts archive job outcomes in the worker.
	ArchiveJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_archive_jobs_total",
		Help: "Total number of archive jobs, by result (uploaded, retried, dead).",
	}, []string{"result"})

	// Recording is 1 while a session is recording.
	Recording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_recording",
		Help: "1 while a session is recording, otherwise 0.",
	})
)
