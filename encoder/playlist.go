package encoder

import (
	"fmt"
	"os"

	"github.com/grafov/m3u8"
)

// verifyPlaylist decodes the playlist the encoder just wrote and requires at
// least one media segment. A zero-exit encoder run that produced an empty or
// unparsable playlist is still a failed job.
func verifyPlaylist(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("encoder reported success but playlist is missing: %w", err)
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return fmt.Errorf("decoding generated playlist %s: %w", path, err)
	}
	if listType != m3u8.MEDIA {
		return fmt.Errorf("generated playlist %s is not a media playlist", path)
	}
	media := playlist.(*m3u8.MediaPlaylist)
	if media.Count() == 0 {
		return fmt.Errorf("generated playlist %s contains no segments", path)
	}
	return nil
}
