// Package encoder drives the external ffmpeg binary. It is the only place
// the core touches an external program; a missing binary is detected lazily
// and surfaces as a job failure with a clear message.
package encoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	ffmpeg_go "github.com/u2takey/ffmpeg-go"
	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/video"
)

// ProgressFunc receives the running completion percentage. It fires on every
// progress line the encoder emits plus a final 100 on success; throttling is
// the caller's concern.
type ProgressFunc func(percent float64)

// Encoder produces one segmented HLS rendition from a source file.
type Encoder interface {
	Transcode(ctx context.Context, inputPath, outputDir string, res video.Resolution, progress ProgressFunc) (string, error)
}

type FFmpeg struct{}

var _ Encoder = (*FFmpeg)(nil)

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{}
}

// Transcode runs the encoder for a single rendition and returns the playlist
// path. Progress is parsed from the machine-readable key=value stream on
// stdout; the input duration needed to turn timestamps into a percentage is
// parsed from the stderr banner.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath, outputDir string, res video.Resolution, progress ProgressFunc) (string, error) {
	profile, err := video.GetProfile(res)
	if err != nil {
		return "", err
	}
	playlistPath := filepath.Join(outputDir, "playlist.m3u8")

	cmd := f.command(inputPath, playlistPath, outputDir, profile)

	durations := newDurationScanner()
	stderrTail := newTailBuffer(4096)
	cmd.Stderr = io.MultiWriter(durations, stderrTail)
	if progress != nil {
		cmd.Stdout = newProgressWriter(durations, progress)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start encoder (is ffmpeg installed?): %w", err)
	}

	// ffmpeg-go compiles a plain exec.Cmd, so cancellation is wired up here.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("encoder failed for %s rendition: %w [%s]", res, err, stderrTail.String())
	}

	if err := verifyPlaylist(playlistPath); err != nil {
		return "", err
	}
	if progress != nil {
		progress(100)
	}
	return playlistPath, nil
}

// command builds the encoder argument vector for one rendition: scale and
// pad to the exact target frame while preserving aspect, CRF 23 with the
// rendition's bitrate ceiling, stereo AAC, and a segmented HLS output with
// an unlimited playlist.
func (f *FFmpeg) command(inputPath, playlistPath, outputDir string, p video.Profile) *exec.Cmd {
	kbps := p.Bitrate / 1000
	return ffmpeg_go.Input(inputPath).
		Output(playlistPath, ffmpeg_go.KwArgs{
			"vf": fmt.Sprintf(
				"scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
				p.Width, p.Height, p.Width, p.Height),
			"c:v":                  "libx264",
			"crf":                  "23",
			"b:v":                  fmt.Sprintf("%dk", kbps),
			"maxrate":              fmt.Sprintf("%dk", kbps),
			"bufsize":              fmt.Sprintf("%dk", kbps*2),
			"c:a":                  "aac",
			"b:a":                  "128k",
			"ar":                   "44100",
			"ac":                   "2",
			"f":                    "hls",
			"hls_time":             fmt.Sprintf("%d", config.HLSSegmentSeconds),
			"hls_list_size":        "0",
			"hls_segment_filename": filepath.Join(outputDir, "segment_%03d.ts"),
		}).
		GlobalArgs("-progress", "pipe:1", "-nostats").
		OverWriteOutput().
		Compile()
}
