// Package pipeline executes transcoding jobs pulled off the queue: it drives
// the encoder for one rendition, persists progress, and emits events as the
// job moves through its states.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/encoder"
	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/metrics"
	"github.com/vodforge/transcode-api/queue"
	"github.com/vodforge/transcode-api/store"
	"github.com/vodforge/transcode-api/video"
)

// progressStepPercent is the minimum advance between persisted progress
// updates. The encoder reports far more often than clients need.
const progressStepPercent = 5

// OutputLayout is the slice of the storage layout the runner needs. Narrowed
// so tests can substitute a temp directory without the full server wiring.
type OutputLayout interface {
	RenditionDir(videoID string, res video.Resolution) string
}

type Runner struct {
	store   store.Store
	bus     *events.Bus
	encoder encoder.Encoder
	layout  OutputLayout
	probe   func(ctx context.Context, inputPath string) (encoder.InputInfo, error)
}

var _ queue.Executor = (*Runner)(nil)

func NewRunner(s store.Store, bus *events.Bus, enc encoder.Encoder, layout OutputLayout) *Runner {
	return &Runner{store: s, bus: bus, encoder: enc, layout: layout, probe: encoder.Probe}
}

// Execute runs one encode attempt for the job. Errors are returned to the
// queue, which owns the retry schedule; terminal failure is reported through
// HandleExhausted.
func (r *Runner) Execute(ctx context.Context, job queue.Job) error {
	rec, err := r.store.GetJob(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		// The video was deleted while the job sat in the queue.
		log.Log(job.VideoID, "skipping job for deleted video", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", job.ID, err)
	}

	firstAttempt := rec.Status == store.JobPending
	now := time.Now().UTC()
	processing := store.JobProcessing
	if _, err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: &processing, StartedAt: &now}); err != nil {
		return fmt.Errorf("marking job %s processing: %w", job.ID, err)
	}
	if v, err := r.store.GetVideo(ctx, job.VideoID); err == nil &&
		(v.Status == store.VideoQueued || v.Status == store.VideoTranscoding) {
		transcoding := store.VideoTranscoding
		if _, err := r.store.UpdateVideo(ctx, job.VideoID, store.VideoUpdate{Status: &transcoding}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("marking video %s transcoding: %w", job.VideoID, err)
		}
	}

	if firstAttempt {
		r.bus.Publish(ctx, events.NewEvent(events.EventTranscodingStarted, job.VideoID, events.Progress(job.Resolution, 0)))
		r.probeInput(ctx, rec)
	}
	r.reportProgress(ctx, job, 0)

	outputDir := r.layout.RenditionDir(job.VideoID, job.Resolution)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating rendition dir %s: %w", outputDir, err)
	}

	start := time.Now()
	last := 0.0
	playlistPath, err := r.encoder.Transcode(ctx, rec.InputPath, outputDir, job.Resolution, func(percent float64) {
		if percent-last < progressStepPercent && percent < 100 {
			return
		}
		last = percent
		r.reportProgress(ctx, job, percent)
	})
	if err != nil {
		metrics.Metrics.TranscodeJobResults.WithLabelValues(string(job.Resolution), "false").Inc()
		return err
	}
	metrics.Metrics.TranscodeJobResults.WithLabelValues(string(job.Resolution), "true").Inc()
	metrics.Metrics.TranscodeDurationSec.WithLabelValues(string(job.Resolution)).Observe(time.Since(start).Seconds())

	// The job's output path is the playback URL clients consume, not the
	// on-disk location; the stream handlers resolve the latter.
	playbackURL := fmt.Sprintf("/stream/%s/%s/playlist.m3u8", job.VideoID, job.Resolution)
	completed := store.JobCompleted
	full := 100.0
	done := time.Now().UTC()
	if _, err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:      &completed,
		Progress:    &full,
		OutputPath:  &playbackURL,
		CompletedAt: &done,
	}); err != nil {
		return fmt.Errorf("marking job %s completed: %w", job.ID, err)
	}

	allDone, err := r.store.CompleteResolution(ctx, job.VideoID, job.Resolution, playbackURL)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("recording completed rendition for %s: %w", job.VideoID, err)
	}

	r.bus.Publish(ctx, events.NewEvent(events.EventTranscodingCompleted, job.VideoID, map[string]interface{}{
		"resolution":    string(job.Resolution),
		"url":           playbackURL,
		"videoComplete": allDone,
	}))
	log.Log(job.VideoID, "rendition completed",
		"resolution", job.Resolution, "url", playbackURL, "playlist", playlistPath,
		"video_complete", allDone, "duration", time.Since(start))
	return nil
}

// HandleExhausted is the queue's terminal failure callback: all attempts for
// the job failed, so the rendition and the whole video are marked failed.
func (r *Runner) HandleExhausted(ctx context.Context, job queue.Job, cause error) {
	log.LogError(job.VideoID, "job failed permanently", cause, "job_id", job.ID, "resolution", job.Resolution)

	failed := store.JobFailed
	msg := cause.Error()
	now := time.Now().UTC()
	if _, err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.LogError(job.VideoID, "error marking job failed", err, "job_id", job.ID)
	}

	videoFailed := store.VideoFailed
	errMsg := fmt.Sprintf("transcoding %s rendition failed after %d attempts: %s", job.Resolution, config.RetryAttempts, msg)
	if _, err := r.store.UpdateVideo(ctx, job.VideoID, store.VideoUpdate{
		Status:       &videoFailed,
		ErrorMessage: &errMsg,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.LogError(job.VideoID, "error marking video failed", err)
	}

	r.bus.Publish(ctx, events.NewEvent(events.EventTranscodingFailed, job.VideoID, map[string]interface{}{
		"resolution": string(job.Resolution),
		"error":      msg,
	}))
}

func (r *Runner) reportProgress(ctx context.Context, job queue.Job, percent float64) {
	if _, err := r.store.UpdateJob(ctx, job.ID, store.JobUpdate{Progress: &percent}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.LogError(job.VideoID, "error persisting job progress", err, "job_id", job.ID)
	}
	if err := r.store.SetResolutionProgress(ctx, job.VideoID, job.Resolution, percent); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.LogError(job.VideoID, "error persisting video progress", err)
	}
	r.bus.Publish(ctx, events.NewEvent(events.EventTranscodingProgress, job.VideoID, events.Progress(job.Resolution, percent)))
}

// probeInput logs source characteristics once per job. Probe failures are
// logged only; the encoder derives the duration itself.
func (r *Runner) probeInput(ctx context.Context, rec *store.TranscodingJob) {
	info, err := r.probe(ctx, rec.InputPath)
	if err != nil {
		log.LogError(rec.VideoID, "error probing input", err, "input", rec.InputPath)
		return
	}
	log.Log(rec.VideoID, "probed input",
		"codec", info.Codec, "width", info.Width, "height", info.Height,
		"duration_sec", info.DurationSec, "size_bytes", info.SizeBytes)
}
