package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vodforge/transcode-api/video"
)

// MemoryStore is the single-node reference implementation. Each record type
// is guarded by its own mutex; when a session mutation needs to touch the
// owning video, the session lock is taken first, then the video lock.
type MemoryStore struct {
	videosMu sync.RWMutex
	videos   map[string]*Video

	sessionsMu sync.RWMutex
	sessions   map[string]*UploadSession

	jobsMu sync.RWMutex
	jobs   map[string]*TranscodingJob
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:   make(map[string]*Video),
		sessions: make(map[string]*UploadSession),
		jobs:     make(map[string]*TranscodingJob),
	}
}

func (m *MemoryStore) CreateVideo(ctx context.Context, v *Video) error {
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	m.videos[v.ID] = copyVideo(v)
	return nil
}

func (m *MemoryStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	m.videosMu.RLock()
	defer m.videosMu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVideo(v), nil
}

func (m *MemoryStore) ListVideos(ctx context.Context) ([]*Video, error) {
	m.videosMu.RLock()
	defer m.videosMu.RUnlock()
	out := make([]*Video, 0, len(m.videos))
	for _, v := range m.videos {
		out = append(out, copyVideo(v))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateVideo(ctx context.Context, id string, u VideoUpdate) (*Video, error) {
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyVideoUpdate(v, u)
	return copyVideo(v), nil
}

func (m *MemoryStore) DeleteVideo(ctx context.Context, id string) error {
	m.videosMu.Lock()
	_, ok := m.videos[id]
	delete(m.videos, id)
	m.videosMu.Unlock()
	if !ok {
		return ErrNotFound
	}

	m.jobsMu.Lock()
	for jobID, j := range m.jobs {
		if j.VideoID == id {
			delete(m.jobs, jobID)
		}
	}
	m.jobsMu.Unlock()
	return nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *UploadSession) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]*UploadSession, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	out := make([]*UploadSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	return out, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, u SessionUpdate) (*UploadSession, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	return copySession(s), nil
}

func (m *MemoryStore) MarkChunkReceived(ctx context.Context, sessionID string, index int) (*UploadSession, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	// Duplicate intake is a no-op on state but still succeeds.
	s.Received[index] = true
	progress := float64(len(s.Received)) / float64(s.TotalChunks) * 100

	m.videosMu.Lock()
	if v, ok := m.videos[s.VideoID]; ok {
		v.UploadProgress = progress
	}
	m.videosMu.Unlock()

	return copySession(s), nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *TranscodingJob) error {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*TranscodingJob, error) {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListJobsByVideo(ctx context.Context, videoID string) ([]*TranscodingJob, error) {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	out := []*TranscodingJob{}
	for _, j := range m.jobs {
		if j.VideoID == videoID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, u JobUpdate) (*TranscodingJob, error) {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyJobUpdate(j, u)
	return copyJob(j), nil
}

func (m *MemoryStore) SetResolutionProgress(ctx context.Context, videoID string, res video.Resolution, percent float64) error {
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return ErrNotFound
	}
	if v.TranscodingProgress == nil {
		v.TranscodingProgress = make(map[video.Resolution]float64)
	}
	v.TranscodingProgress[res] = percent
	return nil
}

func (m *MemoryStore) CompleteResolution(ctx context.Context, videoID string, res video.Resolution, playbackURL string) (bool, error) {
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return false, ErrNotFound
	}
	if v.TranscodingProgress == nil {
		v.TranscodingProgress = make(map[video.Resolution]float64)
	}
	if v.HLSURLs == nil {
		v.HLSURLs = make(map[video.Resolution]string)
	}
	v.TranscodingProgress[res] = 100
	v.HLSURLs[res] = playbackURL

	// The all-renditions-complete check happens under the same lock as the
	// per-rendition write so the terminal status is observed exactly once.
	for _, r := range video.Resolutions() {
		if v.TranscodingProgress[r] < 100 {
			return false, nil
		}
	}
	if v.Status != VideoFailed {
		now := time.Now()
		v.Status = VideoCompleted
		v.CompletedAt = &now
	}
	return v.Status == VideoCompleted, nil
}

func (m *MemoryStore) QueueStats(ctx context.Context) (QueueStats, error) {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	var stats QueueStats
	for _, j := range m.jobs {
		switch j.Status {
		case JobPending:
			stats.Waiting++
		case JobProcessing:
			stats.Active++
		case JobCompleted:
			stats.Completed++
		case JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func applyVideoUpdate(v *Video, u VideoUpdate) {
	if u.Status != nil {
		v.Status = *u.Status
	}
	if u.UploadProgress != nil {
		v.UploadProgress = *u.UploadProgress
	}
	if u.TranscodingProgress != nil {
		if v.TranscodingProgress == nil {
			v.TranscodingProgress = make(map[video.Resolution]float64)
		}
		for res, pct := range u.TranscodingProgress {
			v.TranscodingProgress[res] = pct
		}
	}
	if u.ErrorMessage != nil {
		v.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		v.CompletedAt = u.CompletedAt
	}
}

func applyJobUpdate(j *TranscodingJob, u JobUpdate) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.OutputPath != nil {
		j.OutputPath = *u.OutputPath
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
}

func copyVideo(v *Video) *Video {
	out := *v
	if v.TranscodingProgress != nil {
		out.TranscodingProgress = make(map[video.Resolution]float64, len(v.TranscodingProgress))
		for k, val := range v.TranscodingProgress {
			out.TranscodingProgress[k] = val
		}
	}
	if v.HLSURLs != nil {
		out.HLSURLs = make(map[video.Resolution]string, len(v.HLSURLs))
		for k, val := range v.HLSURLs {
			out.HLSURLs[k] = val
		}
	}
	return &out
}

func copySession(s *UploadSession) *UploadSession {
	out := *s
	out.Received = make(map[int]bool, len(s.Received))
	for k := range s.Received {
		out.Received[k] = true
	}
	return &out
}

func copyJob(j *TranscodingJob) *TranscodingJob {
	out := *j
	return &out
}
