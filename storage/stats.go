package storage

import (
	"os"
	"path/filepath"
	"strings"
)

// Stats summarizes disk usage under the storage root, in megabytes to match
// the HTTP surface.
type Stats struct {
	ChunksMB     float64 `json:"chunksMB"`
	UploadsMB    float64 `json:"uploadsMB"`
	TranscodedMB float64 `json:"transcodedMB"`
	TotalMB      float64 `json:"totalMB"`
	FreeMB       float64 `json:"freeMB"`
	TempFiles    int     `json:"tempFiles"`
}

func (l *Layout) Stats() (Stats, error) {
	var s Stats

	chunks, err := treeSize(l.ChunksRoot())
	if err != nil {
		return s, err
	}
	uploads, err := treeSize(l.UploadsRoot())
	if err != nil {
		return s, err
	}
	transcoded, err := treeSize(l.TranscodedRoot())
	if err != nil {
		return s, err
	}

	s.ChunksMB = toMB(chunks)
	s.UploadsMB = toMB(uploads)
	s.TranscodedMB = toMB(transcoded)
	s.TotalMB = toMB(chunks + uploads + transcoded)

	entries, err := os.ReadDir(l.ChunksRoot())
	if err != nil {
		return s, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), tempFilePrefix) {
			s.TempFiles++
		}
	}

	if free, err := l.FreeSpace(); err == nil {
		s.FreeMB = toMB(int64(free))
	}
	return s, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Files can vanish mid-walk when GC or a delete runs concurrently.
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return total, nil
	}
	return total, err
}

func toMB(bytes int64) float64 {
	return float64(bytes) / (1 << 20)
}
