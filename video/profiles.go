package video

import "fmt"

// Resolution identifies one of the three fixed output renditions.
type Resolution string

const (
	ResolutionLow    Resolution = "low"
	ResolutionMedium Resolution = "medium"
	ResolutionHigh   Resolution = "high"
)

// Profile describes the encoding parameters for one rendition.
type Profile struct {
	Resolution Resolution
	Width      int
	Height     int
	// Target and max video bitrate in bits per second. The encoder buffer is
	// sized at twice this value.
	Bitrate int64
	// Queue priority, lower runs first.
	Priority int
}

var profiles = map[Resolution]Profile{
	ResolutionLow:    {Resolution: ResolutionLow, Width: 640, Height: 360, Bitrate: 800_000, Priority: 1},
	ResolutionMedium: {Resolution: ResolutionMedium, Width: 1280, Height: 720, Bitrate: 2_500_000, Priority: 2},
	ResolutionHigh:   {Resolution: ResolutionHigh, Width: 1920, Height: 1080, Bitrate: 5_000_000, Priority: 3},
}

// Resolutions lists all renditions in priority order (low first).
func Resolutions() []Resolution {
	return []Resolution{ResolutionLow, ResolutionMedium, ResolutionHigh}
}

func (r Resolution) IsValid() bool {
	_, ok := profiles[r]
	return ok
}

// GetProfile returns the encoding profile for a rendition.
func GetProfile(r Resolution) (Profile, error) {
	p, ok := profiles[r]
	if !ok {
		return Profile{}, fmt.Errorf("unknown resolution %q", r)
	}
	return p, nil
}
