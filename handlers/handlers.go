// Package handlers implements the HTTP API: upload coordination, video
// management, queue and storage introspection, and streaming reads.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apierrors "github.com/vodforge/transcode-api/errors"
	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/queue"
	"github.com/vodforge/transcode-api/storage"
	"github.com/vodforge/transcode-api/store"
	"github.com/vodforge/transcode-api/video"
)

// Storage is the slice of the on-disk layout the handlers drive. Production
// wiring passes *storage.Layout; tests substitute layouts with failure modes
// a healthy filesystem cannot produce.
type Storage interface {
	WriteTemp(r io.Reader) (string, int64, error)
	DiscardTemp(tempPath string)
	PromoteChunk(tempPath, sessionID string, index int) error
	AssembleChunks(sessionID string, totalChunks int, dstPath string) (int64, error)
	RemoveChunkDir(sessionID string) error
	UploadPath(videoID, ext string) string
	RenditionDir(videoID string, res video.Resolution) string
	SegmentPath(videoID string, res video.Resolution, name string) (string, error)
	RemoveUploads(videoID string) error
	RemoveTranscodeDir(videoID string) error
	FreeSpace() (uint64, error)
	Stats() (storage.Stats, error)
}

var _ Storage = (*storage.Layout)(nil)

type TranscodeAPIHandlersCollection struct {
	Store  store.Store
	Layout Storage
	Bus    *events.Bus
	Queue  *queue.Queue
	GC     *storage.GC
}

func (d *TranscodeAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoVideoID("Failed to write HTTP response for " + req.URL.Path)
		}
	}
}

func (d *TranscodeAPIHandlersCollection) ListVideos() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		videos, err := d.Store.ListVideos(req.Context())
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot list videos", err)
			return
		}
		writeJSON(w, videos)
	}
}

func (d *TranscodeAPIHandlersCollection) GetVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, err := d.Store.GetVideo(req.Context(), params.ByName("id"))
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPNotFound(w, "Video not found", err)
			return
		}
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot load video", err)
			return
		}
		writeJSON(w, v)
	}
}

// DeleteVideo removes the video's transcoded tree and uploaded source before
// dropping its state, so a crash between the two leaves only orphan files
// that the next GC pass reclaims.
func (d *TranscodeAPIHandlersCollection) DeleteVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		if _, err := d.Store.GetVideo(req.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apierrors.WriteHTTPNotFound(w, "Video not found", err)
				return
			}
			apierrors.WriteHTTPInternalServerError(w, "Cannot load video", err)
			return
		}
		if err := d.Layout.RemoveTranscodeDir(id); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot remove transcoded files", err)
			return
		}
		if err := d.Layout.RemoveUploads(id); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot remove uploaded file", err)
			return
		}
		if err := d.Store.DeleteVideo(req.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPInternalServerError(w, "Cannot delete video", err)
			return
		}
		log.Log(id, "video deleted")
		writeJSON(w, map[string]interface{}{"success": true})
	}
}

func (d *TranscodeAPIHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		stats, err := d.Store.QueueStats(req.Context())
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot read queue stats", err)
			return
		}
		writeJSON(w, stats)
	}
}

// StorageCleanup runs a GC pass on demand and reports what it removed along
// with the resulting disk picture.
func (d *TranscodeAPIHandlersCollection) StorageCleanup() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		result, err := d.GC.Run(req.Context())
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cleanup failed", err)
			return
		}
		stats, err := d.Layout.Stats()
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot read storage stats", err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"cleaned": result.Total(),
			"storage": stats,
		})
	}
}

func (d *TranscodeAPIHandlersCollection) StorageStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		stats, err := d.Layout.Stats()
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot read storage stats", err)
			return
		}
		sessions, err := d.Store.ListSessions(req.Context())
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot list sessions", err)
			return
		}
		active := 0
		for _, s := range sessions {
			if s.Status == store.SessionActive {
				active++
			}
		}
		writeJSON(w, storageStatsResponse{Stats: stats, ActiveSessions: active})
	}
}

type storageStatsResponse struct {
	storage.Stats
	ActiveSessions int `json:"activeSessions"`
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.LogNoVideoID("Failed to write JSON response", "err", err)
	}
}
