package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/vodforge/transcode-api/config"
	apierrors "github.com/vodforge/transcode-api/errors"
	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/metrics"
	"github.com/vodforge/transcode-api/queue"
	"github.com/vodforge/transcode-api/storage"
	"github.com/vodforge/transcode-api/store"
	"github.com/vodforge/transcode-api/video"
)

type createSessionRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
	MimeType  string `json:"mimeType"`
}

// sessionResponse is the session record plus derived resume information.
type sessionResponse struct {
	*store.UploadSession
	UploadedChunks int     `json:"uploadedChunks"`
	Progress       float64 `json:"progress"`
}

func newSessionResponse(s *store.UploadSession) sessionResponse {
	progress := 0.0
	if s.TotalChunks > 0 {
		progress = float64(s.UploadedChunks()) / float64(s.TotalChunks) * 100
	}
	return sessionResponse{UploadSession: s, UploadedChunks: s.UploadedChunks(), Progress: progress}
}

func (d *TranscodeAPIHandlersCollection) CreateUploadSession() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body createSessionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			apierrors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}
		if strings.TrimSpace(body.Filename) == "" {
			apierrors.WriteHTTPBadRequest(w, "filename is required", nil)
			return
		}
		if body.TotalSize <= 0 {
			apierrors.WriteHTTPBadRequest(w, "totalSize must be positive", nil)
			return
		}
		if body.TotalSize > config.MaxUploadSizeBytes {
			apierrors.WriteHTTPBadRequest(w, fmt.Sprintf("totalSize exceeds the %d byte limit", int64(config.MaxUploadSizeBytes)), nil)
			return
		}

		now := time.Now().UTC()
		v := &store.Video{
			ID:        uuid.New().String(),
			Filename:  body.Filename,
			Size:      body.TotalSize,
			MimeType:  body.MimeType,
			Status:    store.VideoUploading,
			CreatedAt: now,
		}
		if err := d.Store.CreateVideo(req.Context(), v); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot create video", err)
			return
		}

		session := &store.UploadSession{
			ID:          uuid.New().String(),
			VideoID:     v.ID,
			Filename:    body.Filename,
			TotalSize:   body.TotalSize,
			ChunkSize:   config.ChunkSizeBytes,
			TotalChunks: int(math.Ceil(float64(body.TotalSize) / float64(config.ChunkSizeBytes))),
			Received:    map[int]bool{},
			Status:      store.SessionActive,
			CreatedAt:   now,
			ExpiresAt:   now.Add(config.SessionTTL),
		}
		if err := d.Store.CreateSession(req.Context(), session); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot create upload session", err)
			return
		}

		metrics.Metrics.UploadSessionsCreated.Inc()
		log.AddContext(v.ID, "filename", body.Filename, "session_id", session.ID)
		log.Log(v.ID, "upload session created", "total_size", body.TotalSize, "total_chunks", session.TotalChunks)
		writeJSON(w, newSessionResponse(session))
	}
}

func (d *TranscodeAPIHandlersCollection) GetUploadSession() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		session, err := d.Store.GetSession(req.Context(), params.ByName("id"))
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPNotFound(w, "Upload session not found", err)
			return
		}
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot load upload session", err)
			return
		}
		writeJSON(w, newSessionResponse(session))
	}
}

// CancelUploadSession abandons an active session. The session's chunk
// directory is left for the GC, which is the only deleter of chunk
// directories.
func (d *TranscodeAPIHandlersCollection) CancelUploadSession() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		session, err := d.Store.GetSession(req.Context(), params.ByName("id"))
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPNotFound(w, "Upload session not found", err)
			return
		}
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot load upload session", err)
			return
		}
		if session.Status != store.SessionActive {
			apierrors.WriteHTTPBadRequest(w, "Upload session is not active", nil)
			return
		}

		expired := store.SessionExpired
		if _, err := d.Store.UpdateSession(req.Context(), session.ID, store.SessionUpdate{Status: &expired}); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot cancel upload session", err)
			return
		}
		if err := d.Store.DeleteVideo(req.Context(), session.VideoID); err != nil && !errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPInternalServerError(w, "Cannot delete video", err)
			return
		}
		log.Log(session.VideoID, "upload session cancelled", "session_id", session.ID)
		writeJSON(w, map[string]interface{}{"success": true})
	}
}

type chunkUpload struct {
	sessionID  string
	chunkIndex string
	tempPath   string
	size       int64
}

// UploadChunk ingests one multipart chunk. The body is streamed to a temp
// file before any session validation so field ordering inside the multipart
// payload does not matter; the temp file is promoted with an atomic rename
// only once everything checks out.
func (d *TranscodeAPIHandlersCollection) UploadChunk() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if err := d.ensureFreeSpace(req); err != nil {
			apierrors.WriteHTTPInsufficientStorage(w, "Insufficient storage, cleanup attempted", err)
			return
		}

		req.Body = http.MaxBytesReader(w, req.Body, config.MaxChunkBodyBytes+1<<20)
		mr, err := req.MultipartReader()
		if err != nil {
			apierrors.WriteHTTPBadRequest(w, "Expected multipart request", err)
			return
		}

		upload, err := d.readChunkUpload(mr)
		defer func() {
			if upload.tempPath != "" {
				d.Layout.DiscardTemp(upload.tempPath)
			}
		}()
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				apierrors.WriteHTTPRequestEntityTooLarge(w, "Chunk body too large", err)
				return
			}
			if errors.Is(err, storage.ErrStorageFull) {
				d.storageFull(req.Context(), w, err)
				return
			}
			apierrors.WriteHTTPBadRequest(w, "Cannot read multipart body", err)
			return
		}
		if upload.sessionID == "" {
			apierrors.WriteHTTPBadRequest(w, "sessionId field is required", nil)
			return
		}
		index, err := strconv.Atoi(upload.chunkIndex)
		if err != nil {
			apierrors.WriteHTTPBadRequest(w, "chunkIndex must be an integer", err)
			return
		}
		if upload.tempPath == "" || upload.size == 0 {
			apierrors.WriteHTTPBadRequest(w, "chunk file part is missing or empty", nil)
			return
		}

		session, err := d.Store.GetSession(req.Context(), upload.sessionID)
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPNotFound(w, "Upload session not found", err)
			return
		}
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot load upload session", err)
			return
		}
		if session.Status != store.SessionActive {
			apierrors.WriteHTTPBadRequest(w, "Upload session is not active", nil)
			return
		}
		if index < 0 || index >= session.TotalChunks {
			apierrors.WriteHTTPBadRequest(w, fmt.Sprintf("chunkIndex %d out of range [0,%d)", index, session.TotalChunks), nil)
			return
		}

		if err := d.Layout.PromoteChunk(upload.tempPath, session.ID, index); err != nil {
			if errors.Is(err, storage.ErrStorageFull) {
				d.storageFull(req.Context(), w, err)
				return
			}
			apierrors.WriteHTTPInternalServerError(w, "Cannot store chunk", err)
			return
		}
		upload.tempPath = "" // promoted, nothing to discard

		session, err = d.Store.MarkChunkReceived(req.Context(), session.ID, index)
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot record chunk", err)
			return
		}

		metrics.Metrics.ChunksReceived.Inc()
		metrics.Metrics.ChunkBytesReceived.Add(float64(upload.size))

		progress := float64(session.UploadedChunks()) / float64(session.TotalChunks) * 100
		writeJSON(w, map[string]interface{}{
			"success":        true,
			"uploadedChunks": session.UploadedChunks(),
			"totalChunks":    session.TotalChunks,
			"progress":       progress,
		})
	}
}

// readChunkUpload walks the multipart stream: small text fields are read in
// full, the chunk part is streamed straight to disk.
func (d *TranscodeAPIHandlersCollection) readChunkUpload(mr *multipart.Reader) (chunkUpload, error) {
	var upload chunkUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return upload, nil
		}
		if err != nil {
			return upload, err
		}
		switch part.FormName() {
		case "sessionId":
			value, err := readSmallField(part)
			if err != nil {
				return upload, err
			}
			upload.sessionID = value
		case "chunkIndex":
			value, err := readSmallField(part)
			if err != nil {
				return upload, err
			}
			upload.chunkIndex = value
		case "chunk":
			path, size, err := d.Layout.WriteTemp(part)
			if err != nil {
				return upload, err
			}
			upload.tempPath = path
			upload.size = size
		default:
			// Unknown parts are drained and ignored.
			if _, err := io.Copy(io.Discard, part); err != nil {
				return upload, err
			}
		}
	}
}

func readSmallField(r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// storageFull handles a write that hit a full disk: reclaim space
// synchronously so the client's retry has a chance, then report the
// condition as retryable.
func (d *TranscodeAPIHandlersCollection) storageFull(ctx context.Context, w http.ResponseWriter, err error) {
	log.LogNoVideoID("disk full during write, running cleanup", "err", err)
	if _, gcErr := d.GC.Run(ctx); gcErr != nil {
		log.LogNoVideoID("error running cleanup", "err", gcErr)
	}
	apierrors.WriteHTTPInsufficientStorage(w, "Insufficient storage, cleanup attempted", err)
}

// ensureFreeSpace runs a synchronous GC pass when the disk is nearly full and
// fails only if that did not help.
func (d *TranscodeAPIHandlersCollection) ensureFreeSpace(req *http.Request) error {
	free, err := d.Layout.FreeSpace()
	if err != nil {
		log.LogNoVideoID("error reading free space", "err", err)
		return nil
	}
	if free >= config.MinFreeSpaceBytes {
		return nil
	}
	log.LogNoVideoID("low disk space, running cleanup", "free_bytes", free)
	if _, err := d.GC.Run(req.Context()); err != nil {
		log.LogNoVideoID("error running cleanup", "err", err)
	}
	free, err = d.Layout.FreeSpace()
	if err != nil {
		return nil
	}
	if free < config.MinFreeSpaceBytes {
		return fmt.Errorf("only %d bytes free after cleanup", free)
	}
	return nil
}

type completeUploadRequest struct {
	SessionID string `json:"sessionId"`
}

// CompleteUpload assembles the received chunks into the final source file and
// fans out one transcoding job per rendition.
func (d *TranscodeAPIHandlersCollection) CompleteUpload() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body completeUploadRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			apierrors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}
		if body.SessionID == "" {
			apierrors.WriteHTTPBadRequest(w, "sessionId is required", nil)
			return
		}

		ctx := req.Context()
		session, err := d.Store.GetSession(ctx, body.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteHTTPNotFound(w, "Upload session not found", err)
			return
		}
		if err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot load upload session", err)
			return
		}
		if session.Status != store.SessionActive {
			apierrors.WriteHTTPBadRequest(w, "Upload session is not active", nil)
			return
		}
		if session.UploadedChunks() != session.TotalChunks {
			apierrors.WriteHTTPIncompleteUpload(w,
				fmt.Sprintf("Upload incomplete: %d of %d chunks received", session.UploadedChunks(), session.TotalChunks),
				session.MissingChunks(config.MissingChunksListMax))
			return
		}

		dstPath := d.Layout.UploadPath(session.VideoID, filepath.Ext(session.Filename))
		size, err := d.Layout.AssembleChunks(session.ID, session.TotalChunks, dstPath)
		if err != nil {
			if errors.Is(err, storage.ErrStorageFull) {
				d.storageFull(ctx, w, err)
				return
			}
			apierrors.WriteHTTPInternalServerError(w, "Cannot assemble uploaded file", err)
			return
		}
		log.Log(session.VideoID, "upload assembled", "path", dstPath, "size", size)

		completed := store.SessionCompleted
		if _, err := d.Store.UpdateSession(ctx, session.ID, store.SessionUpdate{Status: &completed}); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot update upload session", err)
			return
		}
		// The session is no longer active, so removing its chunk directory
		// here cannot race the GC into deleting a live upload.
		if err := d.Layout.RemoveChunkDir(session.ID); err != nil {
			log.LogError(session.VideoID, "error removing chunk dir", err, "session_id", session.ID)
		}

		uploadDone := store.VideoUploadCompleted
		fullUpload := 100.0
		if _, err := d.Store.UpdateVideo(ctx, session.VideoID, store.VideoUpdate{
			Status:         &uploadDone,
			UploadProgress: &fullUpload,
		}); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot update video", err)
			return
		}
		metrics.Metrics.UploadsAssembled.Inc()
		d.Bus.Publish(ctx, events.NewEvent(events.EventUploadCompleted, session.VideoID, map[string]interface{}{
			"filename": session.Filename,
			"size":     size,
		}))

		if err := d.enqueueTranscodes(ctx, session.VideoID, dstPath); err != nil {
			apierrors.WriteHTTPInternalServerError(w, "Cannot queue transcoding jobs", err)
			return
		}

		writeJSON(w, map[string]interface{}{"success": true, "videoId": session.VideoID})
	}
}

// enqueueTranscodes creates one pending job per rendition, moves the video to
// Queued with zeroed per-rendition progress, and submits the jobs.
func (d *TranscodeAPIHandlersCollection) enqueueTranscodes(ctx context.Context, videoID, inputPath string) error {
	now := time.Now().UTC()
	jobs := make([]queue.Job, 0, len(video.Resolutions()))
	zeroProgress := map[video.Resolution]float64{}

	for _, res := range video.Resolutions() {
		profile, err := video.GetProfile(res)
		if err != nil {
			return err
		}
		outputDir := d.Layout.RenditionDir(videoID, res)
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("creating rendition dir %s: %w", outputDir, err)
		}
		job := &store.TranscodingJob{
			ID:         uuid.New().String(),
			VideoID:    videoID,
			Resolution: res,
			Status:     store.JobPending,
			InputPath:  inputPath,
			CreatedAt:  now,
		}
		if err := d.Store.CreateJob(ctx, job); err != nil {
			return err
		}
		zeroProgress[res] = 0
		jobs = append(jobs, queue.Job{ID: job.ID, VideoID: videoID, Resolution: res, Priority: profile.Priority})
	}

	queued := store.VideoQueued
	if _, err := d.Store.UpdateVideo(ctx, videoID, store.VideoUpdate{
		Status:              &queued,
		TranscodingProgress: zeroProgress,
	}); err != nil {
		return err
	}

	for _, job := range jobs {
		d.Queue.Enqueue(job)
	}
	log.Log(videoID, "transcoding jobs queued", "jobs", len(jobs))
	return nil
}
