package store

import (
	"context"
	"errors"
	"time"

	"github.com/vodforge/transcode-api/video"
)

// ErrNotFound is returned for lookups and updates against unknown records.
var ErrNotFound = errors.New("record not found")

type VideoStatus string

const (
	VideoUploading       VideoStatus = "uploading"
	VideoUploadCompleted VideoStatus = "upload-completed"
	VideoQueued          VideoStatus = "queued"
	VideoTranscoding     VideoStatus = "transcoding"
	VideoCompleted       VideoStatus = "completed"
	VideoFailed          VideoStatus = "failed"
)

type Video struct {
	ID                  string                       `json:"id"`
	Filename            string                       `json:"filename"`
	Size                int64                        `json:"size"`
	MimeType            string                       `json:"mimeType"`
	Status              VideoStatus                  `json:"status"`
	UploadProgress      float64                      `json:"uploadProgress"`
	TranscodingProgress map[video.Resolution]float64 `json:"transcodingProgress,omitempty"`
	HLSURLs             map[video.Resolution]string  `json:"hlsUrls,omitempty"`
	ErrorMessage        string                       `json:"errorMessage,omitempty"`
	CreatedAt           time.Time                    `json:"createdAt"`
	CompletedAt         *time.Time                   `json:"completedAt,omitempty"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

type UploadSession struct {
	ID          string        `json:"id"`
	VideoID     string        `json:"videoId"`
	Filename    string        `json:"filename"`
	TotalSize   int64         `json:"totalSize"`
	ChunkSize   int64         `json:"chunkSize"`
	TotalChunks int           `json:"totalChunks"`
	Received    map[int]bool  `json:"-"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
}

// UploadedChunks reports how many distinct chunk indices have been received.
func (s *UploadSession) UploadedChunks() int {
	return len(s.Received)
}

// MissingChunks lists indices not yet received, in ascending order, up to max
// entries. A max of 0 means unlimited.
func (s *UploadSession) MissingChunks(max int) []int {
	missing := []int{}
	for i := 0; i < s.TotalChunks; i++ {
		if !s.Received[i] {
			missing = append(missing, i)
			if max > 0 && len(missing) >= max {
				break
			}
		}
	}
	return missing
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type TranscodingJob struct {
	ID           string           `json:"id"`
	VideoID      string           `json:"videoId"`
	Resolution   video.Resolution `json:"resolution"`
	Status       JobStatus        `json:"status"`
	Progress     float64          `json:"progress"`
	InputPath    string           `json:"inputPath"`
	OutputPath   string           `json:"outputPath,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}

// VideoUpdate is a partial update descriptor: only non-nil fields are applied.
// TranscodingProgress entries are merged per resolution.
type VideoUpdate struct {
	Status              *VideoStatus
	UploadProgress      *float64
	TranscodingProgress map[video.Resolution]float64
	ErrorMessage        *string
	CompletedAt         *time.Time
}

type SessionUpdate struct {
	Status *SessionStatus
}

type JobUpdate struct {
	Status       *JobStatus
	Progress     *float64
	OutputPath   *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store holds videos, upload sessions, and transcoding jobs. All update
// operations are read-modify-write and atomic per record type; mutations are
// visible to concurrent readers before the call returns. The in-memory
// implementation below is the reference; a transactional database can replace
// it without touching callers.
type Store interface {
	CreateVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	// ListVideos returns all videos sorted by creation time, newest first.
	ListVideos(ctx context.Context) ([]*Video, error)
	UpdateVideo(ctx context.Context, id string, u VideoUpdate) (*Video, error)
	DeleteVideo(ctx context.Context, id string) error

	CreateSession(ctx context.Context, s *UploadSession) error
	GetSession(ctx context.Context, id string) (*UploadSession, error)
	// ListSessions returns every known upload session in no particular order.
	ListSessions(ctx context.Context) ([]*UploadSession, error)
	UpdateSession(ctx context.Context, id string, u SessionUpdate) (*UploadSession, error)
	// MarkChunkReceived records a chunk index as received. It is idempotent
	// and recomputes the owning video's upload progress in the same critical
	// section as the session mutation.
	MarkChunkReceived(ctx context.Context, sessionID string, index int) (*UploadSession, error)

	CreateJob(ctx context.Context, j *TranscodingJob) error
	GetJob(ctx context.Context, id string) (*TranscodingJob, error)
	ListJobsByVideo(ctx context.Context, videoID string) ([]*TranscodingJob, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) (*TranscodingJob, error)

	// SetResolutionProgress writes one rendition's transcode percentage onto
	// the video record.
	SetResolutionProgress(ctx context.Context, videoID string, res video.Resolution, percent float64) error
	// CompleteResolution records a rendition as finished: it writes the
	// playback URL, sets that rendition's progress to 100, and, atomically in
	// the same critical section, promotes the video to Completed when all
	// renditions are done. Returns whether the video is now Completed.
	CompleteResolution(ctx context.Context, videoID string, res video.Resolution, playbackURL string) (bool, error)

	QueueStats(ctx context.Context) (QueueStats, error)
}
