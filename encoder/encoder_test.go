package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vodforge/transcode-api/video"
)

func TestCommandArgumentVector(t *testing.T) {
	f := NewFFmpeg()
	profile, err := video.GetProfile(video.ResolutionMedium)
	require.NoError(t, err)

	outputDir := "/data/transcoded/vid-1/medium"
	playlist := filepath.Join(outputDir, "playlist.m3u8")
	cmd := f.command("/data/uploads/vid-1.mp4", playlist, outputDir, profile)

	args := cmd.Args
	requireArgPair := func(flag, value string) {
		t.Helper()
		for i, a := range args {
			if a == flag && i+1 < len(args) && args[i+1] == value {
				return
			}
		}
		t.Fatalf("expected %s %s in %v", flag, value, args)
	}

	requireArgPair("-i", "/data/uploads/vid-1.mp4")
	requireArgPair("-vf", "scale=w=1280:h=720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2")
	requireArgPair("-crf", "23")
	requireArgPair("-b:v", "2500k")
	requireArgPair("-maxrate", "2500k")
	requireArgPair("-bufsize", "5000k")
	requireArgPair("-b:a", "128k")
	requireArgPair("-ar", "44100")
	requireArgPair("-ac", "2")
	requireArgPair("-f", "hls")
	requireArgPair("-hls_time", "4")
	requireArgPair("-hls_list_size", "0")
	requireArgPair("-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"))
	requireArgPair("-progress", "pipe:1")
	require.Contains(t, args, "-y")
	require.Equal(t, playlist, args[len(args)-1])
}

func TestCommandBitratesPerResolution(t *testing.T) {
	f := NewFFmpeg()
	want := map[video.Resolution]string{
		video.ResolutionLow:    "800k",
		video.ResolutionMedium: "2500k",
		video.ResolutionHigh:   "5000k",
	}
	for res, bitrate := range want {
		profile, err := video.GetProfile(res)
		require.NoError(t, err)
		cmd := f.command("in.mp4", "out/playlist.m3u8", "out", profile)
		require.Contains(t, cmd.Args, bitrate, "resolution %s", res)
	}
}

func TestDurationScannerParsesBanner(t *testing.T) {
	d := newDurationScanner()

	// The banner arrives in arbitrary write sizes.
	chunks := []string{
		"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'clip.mp4':\n",
		"  Durat", "ion: 00:01:3", "0.50, start: 0.000000, bitrate: 1205 kb/s\n",
	}
	for _, c := range chunks {
		_, err := d.Write([]byte(c))
		require.NoError(t, err)
	}
	require.InDelta(t, 90.5, d.DurationSec(), 0.001)

	// A later mention must not override the first match.
	_, err := d.Write([]byte("Duration: 00:00:01.00\n"))
	require.NoError(t, err)
	require.InDelta(t, 90.5, d.DurationSec(), 0.001)
}

func TestProgressWriterReportsPercent(t *testing.T) {
	d := newDurationScanner()
	_, err := d.Write([]byte("Duration: 00:00:10.00, start: 0.0\n"))
	require.NoError(t, err)

	var got []float64
	w := newProgressWriter(d, func(p float64) { got = append(got, p) })

	// Lines can split across writes; out_time_ms is microseconds.
	_, err = w.Write([]byte("frame=100\nout_time_ms=25"))
	require.NoError(t, err)
	_, err = w.Write([]byte("00000\nspeed=2.0x\nout_time_ms=5000000\nprogress=continue\n"))
	require.NoError(t, err)

	require.Equal(t, []float64{25, 50}, got)
}

func TestProgressWriterCapsAtNinetyNine(t *testing.T) {
	d := newDurationScanner()
	_, err := d.Write([]byte("Duration: 00:00:10.00\n"))
	require.NoError(t, err)

	var got []float64
	w := newProgressWriter(d, func(p float64) { got = append(got, p) })
	_, err = w.Write([]byte("out_time_ms=20000000\n"))
	require.NoError(t, err)
	require.Equal(t, []float64{99}, got)
}

func TestProgressWriterSilentWithoutDuration(t *testing.T) {
	d := newDurationScanner()
	var got []float64
	w := newProgressWriter(d, func(p float64) { got = append(got, p) })
	_, err := w.Write([]byte("out_time_ms=1000000\n"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestVerifyPlaylist(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "playlist.m3u8")
	content := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n"
	for i := 0; i < 3; i++ {
		content += fmt.Sprintf("#EXTINF:4.000,\nsegment_%03d.ts\n", i)
	}
	content += "#EXT-X-ENDLIST\n"
	require.NoError(t, os.WriteFile(valid, []byte(content), 0644))
	require.NoError(t, verifyPlaylist(valid))

	empty := filepath.Join(dir, "empty.m3u8")
	require.NoError(t, os.WriteFile(empty, []byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n"), 0644))
	require.Error(t, verifyPlaylist(empty))

	require.Error(t, verifyPlaylist(filepath.Join(dir, "missing.m3u8")))
}
