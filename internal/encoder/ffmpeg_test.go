package encoder

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	f := NewFFmpeg("", 0, "", nil)
	args := f.buildArgs(Output{Path: "/tmp/s/video.mp4", Width: 640, Height: 480, FPS: 60, Codec: CodecH264})
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "640x480")
	assert.Contains(t, args, "23")
	assert.Equal(t, "/tmp/s/video.mp4", args[len(args)-1])

	args = f.buildArgs(Output{Path: "v.mkv", Width: 2, Height: 2, FPS: 1, Codec: CodecFFV1})
	assert.Contains(t, args, "ffv1")
}

func TestOpen_RejectsBadOutput(t *testing.T) {
	f := NewFFmpeg("", 0, "", nil)

	_, err := f.Open(Output{Path: "x.mp4", Width: 2, Height: 2, FPS: 1, Codec: "vp9"})
	var encErr *Error
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "open", encErr.Op)

	_, err = f.Open(Output{Path: "x.mp4", Width: 0, Height: 2, FPS: 1, Codec: CodecH264})
	require.True(t, errors.As(err, &encErr))
}

func TestOpen_MissingBinary(t *testing.T) {
	f := NewFFmpeg("/nonexistent/ffmpeg-binary", 0, "", nil)
	_, err := f.Open(Output{Path: t.TempDir() + "/video.mp4", Width: 2, Height: 2, FPS: 1, Codec: CodecH264})
	var encErr *Error
	require.True(t, errors.As(err, &encErr))
	assert.True(t, errors.Is(err, os.ErrNotExist) || encErr.Err != nil)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "mp4", Extension(CodecH264))
	assert.Equal(t, "mp4", Extension(CodecH265))
	assert.Equal(t, "avi", Extension(CodecMJPEG))
	assert.Equal(t, "mkv", Extension(CodecFFV1))
}
