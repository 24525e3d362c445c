package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type TranscodeAPIMetrics struct {
	UploadSessionsCreated prometheus.Counter
	ChunksReceived        prometheus.Counter
	ChunkBytesReceived    prometheus.Counter
	UploadsAssembled      prometheus.Counter

	TranscodeJobResults *prometheus.CounterVec
	TranscodeDurationSec *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge

	EventsPublished *prometheus.CounterVec
	GCFilesRemoved  prometheus.Counter
}

var Metrics = NewMetrics()

func NewMetrics() *TranscodeAPIMetrics {
	return &TranscodeAPIMetrics{
		UploadSessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_sessions_created_count",
			Help: "The total number of upload sessions created",
		}),
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_chunks_received_count",
			Help: "The total number of chunks accepted, including idempotent re-uploads",
		}),
		ChunkBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_chunk_bytes_received",
			Help: "The total number of chunk payload bytes written to disk",
		}),
		UploadsAssembled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "uploads_assembled_count",
			Help: "The total number of uploads successfully reassembled from chunks",
		}),
		TranscodeJobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_job_results_count",
			Help: "Transcode job outcomes broken up by resolution and success",
		}, []string{"resolution", "success"}),
		TranscodeDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_job_duration_seconds",
			Help:    "Time taken to run a single transcode job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"resolution"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_queue_depth",
			Help: "Number of jobs waiting in the transcode queue",
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_count",
			Help: "Events published broken up by sink and success",
		}, []string{"sink", "success"}),
		GCFilesRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gc_files_removed_count",
			Help: "Files and directories removed by the storage garbage collector",
		}),
	}
}
