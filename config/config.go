package config

import "time"

var Version string

const (
	// Size of a single upload chunk as advertised to clients. The assembler
	// itself is chunk-size-agnostic and streams whatever was received.
	ChunkSizeBytes = 2 << 20

	// Hard cap on a declared upload.
	MaxUploadSizeBytes = 10 << 30

	// Hard cap on a single chunk body. Clients normally send ChunkSizeBytes
	// but are allowed headroom up to this limit.
	MaxChunkBodyBytes = 10 << 20

	// Number of transcode jobs a worker runs concurrently.
	TranscodingParallelJobs = 2

	// Job starts allowed per worker within RateLimitWindow.
	RateLimitStarts = 3
	RateLimitWindow = 60 * time.Second

	// Total attempts per transcode job, with exponential backoff between
	// attempts starting at RetryInitialBackoff.
	RetryAttempts       = 3
	RetryInitialBackoff = 1 * time.Second

	// Upload sessions expire this long after creation.
	SessionTTL = 24 * time.Hour

	// Background reclamation cadence and age thresholds.
	GCInterval       = 5 * time.Minute
	TempFileTTL      = 5 * time.Minute
	OrphanSessionTTL = 30 * time.Minute

	// Below this much free space a chunk write triggers a synchronous GC
	// pass before being accepted.
	MinFreeSpaceBytes = 100 << 20

	// HLS segmenting target duration in seconds.
	HLSSegmentSeconds = 4

	// How many missing chunk indices an incomplete-upload error lists.
	MissingChunksListMax = 10

	// Broker channel that serialized events are published on.
	EventsChannel = "video-events"
)
