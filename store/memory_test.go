package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vodforge/transcode-api/video"
)

func newTestVideo(id string) *Video {
	return &Video{
		ID:        id,
		Filename:  "clip.mp4",
		Size:      5_000_000,
		MimeType:  "video/mp4",
		Status:    VideoUploading,
		CreatedAt: time.Now(),
	}
}

func newTestSession(id, videoID string, totalChunks int) *UploadSession {
	return &UploadSession{
		ID:          id,
		VideoID:     videoID,
		Filename:    "clip.mp4",
		TotalSize:   5_000_000,
		ChunkSize:   2_097_152,
		TotalChunks: totalChunks,
		Received:    map[int]bool{},
		Status:      SessionActive,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
}

func TestMarkChunkReceivedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateVideo(ctx, newTestVideo("vid-1")))
	require.NoError(t, m.CreateSession(ctx, newTestSession("sess-1", "vid-1", 3)))

	s, err := m.MarkChunkReceived(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, s.UploadedChunks())

	// Re-marking the same index must not grow the set.
	s, err = m.MarkChunkReceived(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, s.UploadedChunks())

	v, err := m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.InDelta(t, 33.33, v.UploadProgress, 0.01)

	_, err = m.MarkChunkReceived(ctx, "sess-1", 0)
	require.NoError(t, err)
	s, err = m.MarkChunkReceived(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Equal(t, 3, s.UploadedChunks())
	require.Empty(t, s.MissingChunks(10))

	v, err = m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, float64(100), v.UploadProgress)
}

func TestMarkChunkReceivedConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateVideo(ctx, newTestVideo("vid-1")))
	require.NoError(t, m.CreateSession(ctx, newTestSession("sess-1", "vid-1", 50)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		// Two writers per index to exercise the duplicate path.
		for n := 0; n < 2; n++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := m.MarkChunkReceived(ctx, "sess-1", idx)
				require.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	s, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 50, s.UploadedChunks())
}

func TestMissingChunksIsCapped(t *testing.T) {
	s := newTestSession("sess-1", "vid-1", 100)
	s.Received[0] = true
	missing := s.MissingChunks(10)
	require.Len(t, missing, 10)
	require.Equal(t, 1, missing[0])
}

func TestCompleteResolutionPromotesVideo(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	v := newTestVideo("vid-1")
	v.Status = VideoTranscoding
	v.TranscodingProgress = map[video.Resolution]float64{
		video.ResolutionLow: 0, video.ResolutionMedium: 0, video.ResolutionHigh: 0,
	}
	require.NoError(t, m.CreateVideo(ctx, v))

	done, err := m.CompleteResolution(ctx, "vid-1", video.ResolutionLow, "/stream/vid-1/low/playlist.m3u8")
	require.NoError(t, err)
	require.False(t, done)

	done, err = m.CompleteResolution(ctx, "vid-1", video.ResolutionMedium, "/stream/vid-1/medium/playlist.m3u8")
	require.NoError(t, err)
	require.False(t, done)

	got, err := m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, VideoTranscoding, got.Status)
	require.Len(t, got.HLSURLs, 2)

	done, err = m.CompleteResolution(ctx, "vid-1", video.ResolutionHigh, "/stream/vid-1/high/playlist.m3u8")
	require.NoError(t, err)
	require.True(t, done)

	got, err = m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, VideoCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.HLSURLs, 3)
}

func TestCompleteResolutionDoesNotResurrectFailedVideo(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	v := newTestVideo("vid-1")
	v.Status = VideoFailed
	v.TranscodingProgress = map[video.Resolution]float64{
		video.ResolutionLow: 100, video.ResolutionMedium: 100,
	}
	v.HLSURLs = map[video.Resolution]string{
		video.ResolutionLow:    "/stream/vid-1/low/playlist.m3u8",
		video.ResolutionMedium: "/stream/vid-1/medium/playlist.m3u8",
	}
	require.NoError(t, m.CreateVideo(ctx, v))

	done, err := m.CompleteResolution(ctx, "vid-1", video.ResolutionHigh, "/stream/vid-1/high/playlist.m3u8")
	require.NoError(t, err)
	require.False(t, done)

	got, err := m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, VideoFailed, got.Status)
}

func TestUpdateVideoAppliesOnlySetFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateVideo(ctx, newTestVideo("vid-1")))

	status := VideoQueued
	progress := float64(100)
	got, err := m.UpdateVideo(ctx, "vid-1", VideoUpdate{
		Status:         &status,
		UploadProgress: &progress,
		TranscodingProgress: map[video.Resolution]float64{
			video.ResolutionLow: 0, video.ResolutionMedium: 0, video.ResolutionHigh: 0,
		},
	})
	require.NoError(t, err)
	require.Equal(t, VideoQueued, got.Status)
	require.Equal(t, float64(100), got.UploadProgress)
	require.Equal(t, "clip.mp4", got.Filename)
	require.Len(t, got.TranscodingProgress, 3)

	errMsg := "encoder exploded"
	failed := VideoFailed
	got, err = m.UpdateVideo(ctx, "vid-1", VideoUpdate{Status: &failed, ErrorMessage: &errMsg})
	require.NoError(t, err)
	require.Equal(t, VideoFailed, got.Status)
	require.Equal(t, "encoder exploded", got.ErrorMessage)
	// Progress map untouched by the second update.
	require.Len(t, got.TranscodingProgress, 3)
}

func TestListVideosSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		v := newTestVideo(fmt.Sprintf("vid-%d", i))
		v.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.CreateVideo(ctx, v))
	}
	list, err := m.ListVideos(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "vid-2", list[0].ID)
	require.Equal(t, "vid-0", list[2].ID)
}

func TestDeleteVideoRemovesJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateVideo(ctx, newTestVideo("vid-1")))
	for _, res := range video.Resolutions() {
		require.NoError(t, m.CreateJob(ctx, &TranscodingJob{
			ID:         "job-" + string(res),
			VideoID:    "vid-1",
			Resolution: res,
			Status:     JobPending,
			CreatedAt:  time.Now(),
		}))
	}

	require.NoError(t, m.DeleteVideo(ctx, "vid-1"))
	require.ErrorIs(t, m.DeleteVideo(ctx, "vid-1"), ErrNotFound)

	jobs, err := m.ListJobsByVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Empty(t, jobs)

	_, err = m.GetVideo(ctx, "vid-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	statuses := []JobStatus{JobPending, JobPending, JobProcessing, JobCompleted, JobFailed}
	for i, st := range statuses {
		require.NoError(t, m.CreateJob(ctx, &TranscodingJob{
			ID:      fmt.Sprintf("job-%d", i),
			VideoID: "vid-1",
			Status:  st,
		}))
	}
	stats, err := m.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, QueueStats{Waiting: 2, Active: 1, Completed: 1, Failed: 1}, stats)
}

func TestRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateVideo(ctx, newTestVideo("vid-1")))

	got, err := m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	got.Filename = "mutated.mp4"

	again, err := m.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Equal(t, "clip.mp4", again.Filename)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CreateSession(ctx, &UploadSession{
			ID:      fmt.Sprintf("sess-%d", i),
			VideoID: fmt.Sprintf("vid-%d", i),
			Status:  SessionActive,
		}))
	}

	sessions, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	// Returned records are copies.
	sessions[0].Status = SessionExpired
	again, err := m.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Equal(t, SessionActive, again.Status)
}
