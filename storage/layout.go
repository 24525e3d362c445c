// Package storage owns the on-disk layout under the configured root:
//
//	chunks/<sessionId>/chunk_<index>   one file per received chunk
//	chunks/temp_<random>               transient files during multipart parsing
//	uploads/<videoId><ext>             assembled source files
//	transcoded/<videoId>/<resolution>/ encoder outputs (playlist + segments)
//
// Chunk bodies are streamed to a temp_* file first and renamed into place
// only after validation; renames within one filesystem are atomic, which is
// what makes chunk intake idempotent under retries.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/vodforge/transcode-api/video"
)

// ErrStorageFull marks a write that failed because the disk is out of space.
// Callers should run a cleanup pass and report the condition as retryable.
var ErrStorageFull = errors.New("storage full")

const tempFilePrefix = "temp_"

type Layout struct {
	root string
}

func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", root, err)
	}
	l := &Layout{root: abs}
	for _, dir := range []string{l.ChunksRoot(), l.UploadsRoot(), l.TranscodedRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage dir %q: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Layout) Root() string           { return l.root }
func (l *Layout) ChunksRoot() string     { return filepath.Join(l.root, "chunks") }
func (l *Layout) UploadsRoot() string    { return filepath.Join(l.root, "uploads") }
func (l *Layout) TranscodedRoot() string { return filepath.Join(l.root, "transcoded") }

func (l *Layout) ChunkDir(sessionID string) string {
	return filepath.Join(l.ChunksRoot(), filepath.Base(sessionID))
}

func (l *Layout) ChunkPath(sessionID string, index int) string {
	return filepath.Join(l.ChunkDir(sessionID), fmt.Sprintf("chunk_%d", index))
}

func (l *Layout) UploadPath(videoID, ext string) string {
	return filepath.Join(l.UploadsRoot(), filepath.Base(videoID)+ext)
}

func (l *Layout) TranscodeDir(videoID string) string {
	return filepath.Join(l.TranscodedRoot(), filepath.Base(videoID))
}

func (l *Layout) RenditionDir(videoID string, res video.Resolution) string {
	return filepath.Join(l.TranscodeDir(videoID), string(res))
}

func (l *Layout) PlaylistPath(videoID string, res video.Resolution) string {
	return filepath.Join(l.RenditionDir(videoID, res), "playlist.m3u8")
}

// SegmentPath resolves a segment filename inside a rendition directory,
// refusing names that try to escape it.
func (l *Layout) SegmentPath(videoID string, res video.Resolution, name string) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid segment name %q", name)
	}
	return filepath.Join(l.RenditionDir(videoID, res), name), nil
}

// WriteTemp streams a chunk body into a fresh temp_* file in the chunks
// directory and returns its path and size. The caller promotes or discards
// it once session and index validation has passed.
func (l *Layout) WriteTemp(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(l.ChunksRoot(), tempFilePrefix+"*")
	if err != nil {
		return "", 0, wrapNoSpace(fmt.Errorf("creating temp chunk file: %w", err))
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, wrapNoSpace(fmt.Errorf("writing temp chunk file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, wrapNoSpace(fmt.Errorf("closing temp chunk file: %w", err))
	}
	return tmp.Name(), n, nil
}

// PromoteChunk atomically renames a complete temp file to its final
// chunk_<index> path. Concurrent promotions of the same index are safe: the
// rename is atomic, so the final file is exactly one of the competing bodies.
func (l *Layout) PromoteChunk(tempPath, sessionID string, index int) error {
	if err := os.MkdirAll(l.ChunkDir(sessionID), 0755); err != nil {
		return wrapNoSpace(fmt.Errorf("creating session chunk dir: %w", err))
	}
	if err := os.Rename(tempPath, l.ChunkPath(sessionID, index)); err != nil {
		return fmt.Errorf("promoting chunk %d for session %s: %w", index, sessionID, err)
	}
	return nil
}

// DiscardTemp removes a temp file that failed validation. Missing files are
// not an error.
func (l *Layout) DiscardTemp(tempPath string) {
	_ = os.Remove(tempPath)
}

// AssembleChunks streams chunks 0..totalChunks-1 in order into dstPath. The
// destination is removed on any failure so a partial output never survives.
// Writes go straight to the output file, so the reader side is naturally
// paused whenever the write buffer is draining.
func (l *Layout) AssembleChunks(sessionID string, totalChunks int, dstPath string) (int64, error) {
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, wrapNoSpace(fmt.Errorf("creating assembled file: %w", err))
	}

	var written int64
	for i := 0; i < totalChunks; i++ {
		n, err := appendChunk(out, l.ChunkPath(sessionID, i))
		if err != nil {
			out.Close()
			os.Remove(dstPath)
			return 0, wrapNoSpace(fmt.Errorf("assembling chunk %d: %w", i, err))
		}
		written += n
	}
	if err := out.Close(); err != nil {
		os.Remove(dstPath)
		return 0, wrapNoSpace(fmt.Errorf("closing assembled file: %w", err))
	}
	return written, nil
}

func appendChunk(out *os.File, chunkPath string) (int64, error) {
	in, err := os.Open(chunkPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(out, in)
}

// RemoveChunkDir deletes a session's chunk directory. Idempotent.
func (l *Layout) RemoveChunkDir(sessionID string) error {
	return os.RemoveAll(l.ChunkDir(sessionID))
}

// RemoveUploads deletes any assembled source file for the video, regardless
// of its original extension.
func (l *Layout) RemoveUploads(videoID string) error {
	matches, err := filepath.Glob(filepath.Join(l.UploadsRoot(), filepath.Base(videoID)+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RemoveTranscodeDir deletes all rendition output for the video. Idempotent.
func (l *Layout) RemoveTranscodeDir(videoID string) error {
	return os.RemoveAll(l.TranscodeDir(videoID))
}

// FreeSpace reports the free bytes on the filesystem backing the storage
// root.
func (l *Layout) FreeSpace() (uint64, error) {
	usage, err := disk.Usage(l.root)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage for %s: %w", l.root, err)
	}
	return usage.Free, nil
}

func wrapNoSpace(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s", ErrStorageFull, err)
	}
	return err
}
