package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Alpha":                "alpha",
		"  Elden Ring: SotE  ": "elden_ring_sote",
		"Half-Life 2":          "half_life_2",
		"***":                  "session",
		"Pokémon":              "pokémon",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestCreateSessionDir_SuffixesCollisions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sessions")
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := createSessionDir(root, "Alpha", start, "h264")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alpha_20260102_030405"), first.Dir)
	assert.Equal(t, filepath.Join(first.Dir, "video.mp4"), first.Video)
	assert.Equal(t, filepath.Join(first.Dir, "microphone_audio.wav"), first.Microphone)

	second, err := createSessionDir(root, "Alpha", start, "ffv1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alpha_20260102_030405_2"), second.Dir)
	assert.Equal(t, "video.mkv", filepath.Base(second.Video))

	fi, err := os.Stat(second.Dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestDurationSecondsRounds(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.EqualValues(t, 1, durationSeconds(start, start.Add(1499*time.Millisecond)))
	assert.EqualValues(t, 2, durationSeconds(start, start.Add(1500*time.Millisecond)))
	assert.EqualValues(t, 0, durationSeconds(start, start.Add(time.Millisecond)))
}
