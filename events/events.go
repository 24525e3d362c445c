package events

import (
	"time"

	"github.com/vodforge/transcode-api/video"
)

type EventType string

const (
	EventUploadCompleted      EventType = "upload-completed"
	EventTranscodingStarted   EventType = "transcoding-started"
	EventTranscodingProgress  EventType = "transcoding-progress"
	EventTranscodingCompleted EventType = "transcoding-completed"
	EventTranscodingFailed    EventType = "transcoding-failed"
)

// Event names a phase transition on a specific video. Events with an empty
// VideoID are global and fan out to every connected client.
type Event struct {
	Type      EventType              `json:"type"`
	VideoID   string                 `json:"videoId"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func NewEvent(t EventType, videoID string, data map[string]interface{}) Event {
	return Event{Type: t, VideoID: videoID, Data: data, Timestamp: time.Now().UTC()}
}

// Progress is the payload carried by transcoding progress events.
func Progress(res video.Resolution, percent float64) map[string]interface{} {
	return map[string]interface{}{
		"resolution": string(res),
		"progress":   percent,
	}
}
