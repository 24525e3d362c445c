package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/metrics"
)

// SessionState is what the collector needs to know about an upload session.
type SessionState struct {
	Active    bool
	ExpiresAt time.Time
}

// SessionLookup resolves a session ID to its state. The second return is
// false for sessions the state store has never heard of.
type SessionLookup func(sessionID string) (SessionState, bool)

// VideoLookup reports whether a video ID is still known to the state store.
type VideoLookup func(videoID string) bool

// CleanupResult counts what one collection pass removed.
type CleanupResult struct {
	TempFiles   int `json:"tempFiles"`
	SessionDirs int `json:"sessionDirs"`
	OrphanDirs  int `json:"orphanDirs"`
}

func (r CleanupResult) Total() int {
	return r.TempFiles + r.SessionDirs + r.OrphanDirs
}

// GC reclaims expired session chunk directories, stale temp files, and
// transcoded trees whose video no longer exists. It is the only component
// that deletes chunk directories for abandoned sessions, which is what keeps
// reclamation from racing assembly: sessions in the Active set are never
// touched before their declared expiry.
type GC struct {
	layout   *Layout
	sessions SessionLookup
	videos   VideoLookup
	clock    clock.Clock
	// Called when the collector expires a still-Active session whose TTL has
	// passed, so the state store can be updated to match.
	OnSessionExpired func(sessionID string)
}

func NewGC(layout *Layout, sessions SessionLookup, videos VideoLookup) *GC {
	return &GC{
		layout:   layout,
		sessions: sessions,
		videos:   videos,
		clock:    clock.New(),
	}
}

// NewGCWithClock is used by tests to control time.
func NewGCWithClock(layout *Layout, sessions SessionLookup, videos VideoLookup, clk clock.Clock) *GC {
	gc := NewGC(layout, sessions, videos)
	gc.clock = clk
	return gc
}

// Run performs one collection pass.
func (g *GC) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	now := g.clock.Now()

	entries, err := os.ReadDir(g.layout.ChunksRoot())
	if err != nil {
		return result, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		path := filepath.Join(g.layout.ChunksRoot(), e.Name())

		if !e.IsDir() {
			if strings.HasPrefix(e.Name(), tempFilePrefix) && olderThan(path, now, config.TempFileTTL) {
				if os.Remove(path) == nil {
					result.TempFiles++
				}
			}
			continue
		}

		sessionID := e.Name()
		state, known := g.sessions(sessionID)
		switch {
		case !known:
			// Unknown to the store, for example after a restart. Give recent
			// directories the benefit of the doubt.
			if olderThan(path, now, config.OrphanSessionTTL) {
				if os.RemoveAll(path) == nil {
					result.SessionDirs++
					log.LogNoVideoID("gc removed orphan session chunk dir", "session_id", sessionID)
				}
			}
		case now.After(state.ExpiresAt):
			if state.Active && g.OnSessionExpired != nil {
				g.OnSessionExpired(sessionID)
			}
			if os.RemoveAll(path) == nil {
				result.SessionDirs++
				log.LogNoVideoID("gc removed expired session chunk dir", "session_id", sessionID)
			}
		case !state.Active:
			// Completed or cancelled before expiry. Completed sessions have
			// already had their directory removed by the coordinator, so this
			// mostly reclaims cancelled uploads.
			if os.RemoveAll(path) == nil {
				result.SessionDirs++
			}
		}
	}

	orphans, err := g.collectOrphanOutputs(now)
	if err != nil {
		return result, err
	}
	result.OrphanDirs = orphans

	if n := result.Total(); n > 0 {
		metrics.Metrics.GCFilesRemoved.Add(float64(n))
	}
	return result, nil
}

// collectOrphanOutputs removes transcoded trees and uploaded sources whose
// video has been deleted. Transcoded trees get one GC interval of grace,
// enough to avoid racing an encoder still writing for a just-deleted video
// while keeping reclamation within the next cycle. Uploaded sources keep the
// longer orphan TTL; the delete handler removes them itself, so anything
// left over came from a crash.
func (g *GC) collectOrphanOutputs(now time.Time) (int, error) {
	removed := 0

	dirs, err := os.ReadDir(g.layout.TranscodedRoot())
	if err != nil {
		return removed, err
	}
	for _, e := range dirs {
		if !e.IsDir() || g.videos(e.Name()) {
			continue
		}
		path := filepath.Join(g.layout.TranscodedRoot(), e.Name())
		if olderThan(path, now, config.GCInterval) {
			if os.RemoveAll(path) == nil {
				removed++
				log.LogNoVideoID("gc removed transcoded output for deleted video", "video_id", e.Name())
			}
		}
	}

	uploads, err := os.ReadDir(g.layout.UploadsRoot())
	if err != nil {
		return removed, err
	}
	for _, e := range uploads {
		if e.IsDir() {
			continue
		}
		videoID := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if g.videos(videoID) {
			continue
		}
		path := filepath.Join(g.layout.UploadsRoot(), e.Name())
		if olderThan(path, now, config.OrphanSessionTTL) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RunLoop runs a pass immediately and then on every GC interval until the
// context is cancelled.
func (g *GC) RunLoop(ctx context.Context) error {
	if _, err := g.Run(ctx); err != nil {
		log.LogNoVideoID("storage gc pass failed", "err", err)
	}

	ticker := g.clock.Ticker(config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Run(ctx); err != nil {
				log.LogNoVideoID("storage gc pass failed", "err", err)
			}
		}
	}
}

func olderThan(path string, now time.Time, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > age
}
