package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

// InputInfo is the subset of probe data the pipeline cares about.
type InputInfo struct {
	DurationSec float64
	Width       int
	Height      int
	Codec       string
	SizeBytes   int64
}

// Probe inspects an assembled source file. It is best-effort in the worker:
// the encoder re-derives the duration from its own banner, so a probe
// failure is logged rather than fatal.
func Probe(ctx context.Context, inputPath string) (InputInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, inputPath, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return InputInfo{}, fmt.Errorf("error probing %s: %w", inputPath, err)
	}

	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return InputInfo{}, errors.New("no video stream found in input")
	}

	info := InputInfo{
		Width:  videoStream.Width,
		Height: videoStream.Height,
		Codec:  videoStream.CodecName,
	}
	if data.Format != nil {
		info.DurationSec = data.Format.DurationSeconds
		if size, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
			info.SizeBytes = size
		}
	}
	if d, err := strconv.ParseFloat(videoStream.Duration, 64); err == nil && d > 0 {
		info.DurationSec = d
	}
	return info, nil
}
