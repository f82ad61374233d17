// Package encoder writes raw frames into a media container.
package encoder

import "fmt"

// Output describes the file an Encoder writes.
type Output struct {
	Path   string
	Width  int
	Height int
	FPS    int
	Codec  string
}

// Result is reported when an Encoder is closed.
type Result struct {
	Frames int64
	Bytes  int64
}

// Encoder accepts BGRA frames of the opened size.
type Encoder interface {
	WriteFrame(pixels []byte) error
	Close() (Result, error)
}

// Opener opens encoders.
type Opener interface {
	Open(out Output) (Encoder, error)
}

// Error is the single error type encoder failures surface as.
type Error struct {
	Op   string // open, write, close
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("encoder %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Codec names accepted in Output.Codec.
const (
	CodecH264  = "h264"
	CodecH265  = "h265"
	CodecMJPEG = "mjpeg"
	CodecFFV1  = "ffv1"
)

// Extension returns the container extension used for codec.
func Extension(codec string) string {
	switch codec {
	case CodecMJPEG:
		return "avi"
	case CodecFFV1:
		return "mkv"
	default:
		return "mp4"
	}
}

// Supported reports whether codec can be encoded.
func Supported(codec string) bool {
	switch codec {
	case CodecH264, CodecH265, CodecMJPEG, CodecFFV1:
		return true
	}
	return false
}
