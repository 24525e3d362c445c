package video

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolutionsOrderedByPriority(t *testing.T) {
	resolutions := Resolutions()
	require.Equal(t, []Resolution{ResolutionLow, ResolutionMedium, ResolutionHigh}, resolutions)

	previous := 0
	for _, res := range resolutions {
		profile, err := GetProfile(res)
		require.NoError(t, err)
		require.Greater(t, profile.Priority, previous)
		previous = profile.Priority
	}
}

func TestGetProfile(t *testing.T) {
	profile, err := GetProfile(ResolutionHigh)
	require.NoError(t, err)
	require.Equal(t, 1920, profile.Width)
	require.Equal(t, 1080, profile.Height)
	require.EqualValues(t, 5_000_000, profile.Bitrate)

	_, err = GetProfile(Resolution("4k"))
	require.Error(t, err)
	require.False(t, Resolution("4k").IsValid())
	require.True(t, ResolutionMedium.IsValid())
}
