package encoder

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var durationRe = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// durationScanner watches the encoder's stderr for the input banner line
// `Duration: HH:MM:SS.cc` and records the input length in seconds. Only the
// first match wins; later output can mention other durations.
type durationScanner struct {
	mu       sync.Mutex
	pending  []byte
	duration float64
}

func newDurationScanner() *durationScanner {
	return &durationScanner{}
}

func (d *durationScanner) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.duration > 0 {
		return len(p), nil
	}
	d.pending = append(d.pending, p...)
	if m := durationRe.FindSubmatch(d.pending); m != nil {
		hours, _ := strconv.ParseFloat(string(m[1]), 64)
		mins, _ := strconv.ParseFloat(string(m[2]), 64)
		secs, _ := strconv.ParseFloat(string(m[3]), 64)
		d.duration = hours*3600 + mins*60 + secs
		d.pending = nil
	} else if len(d.pending) > 64<<10 {
		// The banner appears early; stop buffering if it never showed up.
		d.pending = d.pending[len(d.pending)-1024:]
	}
	return len(p), nil
}

// DurationSec returns the parsed input duration, or 0 while unknown.
func (d *durationScanner) DurationSec() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

// progressWriter parses the `-progress` key=value stream from the encoder's
// stdout. Each `out_time_ms=<microseconds>` line is converted into a running
// percentage, capped at 99 until the process exits successfully.
type progressWriter struct {
	mu       sync.Mutex
	pending  []byte
	duration *durationScanner
	progress ProgressFunc
}

func newProgressWriter(duration *durationScanner, progress ProgressFunc) *progressWriter {
	return &progressWriter{duration: duration, progress: progress}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.handleLine(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	value, ok := strings.CutPrefix(line, "out_time_ms=")
	if !ok {
		return
	}
	// Despite the name, ffmpeg reports this value in microseconds.
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return
	}
	total := w.duration.DurationSec()
	if total <= 0 {
		return
	}
	currentSec := float64(us) / 1_000_000
	percent := math.Min(currentSec/total*100, 99)
	w.progress(percent)
}

// tailBuffer retains the last limit bytes written to it, for error messages.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
