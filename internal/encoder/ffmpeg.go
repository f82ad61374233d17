package encoder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// closeTimeout bounds how long ffmpeg may take to finish the container after stdin closes.
const closeTimeout = 10 * time.Second

// FFmpeg opens encoders that pipe raw BGRA frames into an ffmpeg process.
type FFmpeg struct {
	binary string
	crf    int
	preset string
	log    *zap.Logger
}

// NewFFmpeg creates an ffmpeg opener. crf <= 0 selects 23.
func NewFFmpeg(binary string, crf int, preset string, log *zap.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if crf <= 0 {
		crf = 23
	}
	if preset == "" {
		preset = "veryfast"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpeg{binary: binary, crf: crf, preset: preset, log: log}
}

// buildArgs returns the ffmpeg command line for out.
func (f *FFmpeg) buildArgs(out Output) []string {
	args := []string{
		"-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "bgra",
		"-video_size", fmt.Sprintf("%dx%d", out.Width, out.Height),
		"-framerate", strconv.Itoa(out.FPS),
		"-i", "-",
	}
	switch out.Codec {
	case CodecH265:
		args = append(args, "-c:v", "libx265", "-preset", f.preset, "-crf", strconv.Itoa(f.crf), "-pix_fmt", "yuv420p")
	case CodecMJPEG:
		args = append(args, "-c:v", "mjpeg", "-q:v", "3")
	case CodecFFV1:
		args = append(args, "-c:v", "ffv1", "-level", "3")
	default:
		args = append(args, "-c:v", "libx264", "-preset", f.preset, "-crf", strconv.Itoa(f.crf), "-pix_fmt", "yuv420p")
	}
	return append(args, out.Path)
}

// Open starts ffmpeg writing to out.Path.
func (f *FFmpeg) Open(out Output) (Encoder, error) {
	if !Supported(out.Codec) {
		return nil, &Error{Op: "open", Path: out.Path, Err: fmt.Errorf("unsupported codec %q", out.Codec)}
	}
	if out.Width <= 0 || out.Height <= 0 || out.FPS <= 0 {
		return nil, &Error{Op: "open", Path: out.Path, Err: fmt.Errorf("invalid geometry %dx%d@%d", out.Width, out.Height, out.FPS)}
	}
	if err := os.MkdirAll(filepath.Dir(out.Path), 0750); err != nil {
		return nil, &Error{Op: "open", Path: out.Path, Err: err}
	}

	cmd := exec.Command(f.binary, f.buildArgs(out)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Error{Op: "open", Path: out.Path, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: "open", Path: out.Path, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}
	f.log.Info("Encoder started", zap.String("output", out.Path), zap.String("codec", out.Codec),
		zap.Int("width", out.Width), zap.Int("height", out.Height), zap.Int("fps", out.FPS))
	return &ffmpegEncoder{
		out:       out,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    &stderr,
		frameSize: out.Width * out.Height * 4,
		log:       f.log,
	}, nil
}

type ffmpegEncoder struct {
	out       Output
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *bytes.Buffer
	frameSize int
	log       *zap.Logger

	mu     sync.Mutex
	frames int64
	closed bool
}

func (e *ffmpegEncoder) WriteFrame(pixels []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &Error{Op: "write", Path: e.out.Path, Err: os.ErrClosed}
	}
	if len(pixels) != e.frameSize {
		return &Error{Op: "write", Path: e.out.Path, Err: fmt.Errorf("frame is %d bytes, want %d", len(pixels), e.frameSize)}
	}
	if _, err := e.stdin.Write(pixels); err != nil {
		return &Error{Op: "write", Path: e.out.Path, Err: err}
	}
	e.frames++
	return nil
}

// Close ends the stream and waits for ffmpeg to finalize the container.
func (e *ffmpegEncoder) Close() (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, &Error{Op: "close", Path: e.out.Path, Err: os.ErrClosed}
	}
	e.closed = true
	frames := e.frames
	e.mu.Unlock()

	_ = e.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(closeTimeout):
		_ = e.cmd.Process.Kill()
		waitErr = fmt.Errorf("ffmpeg did not exit within %s", closeTimeout)
		<-done
	}
	if waitErr != nil {
		e.log.Warn("Encoder exited with error", zap.String("output", e.out.Path),
			zap.String("stderr", e.stderr.String()), zap.Error(waitErr))
		return Result{Frames: frames}, &Error{Op: "close", Path: e.out.Path, Err: waitErr}
	}

	res := Result{Frames: frames}
	if fi, err := os.Stat(e.out.Path); err == nil {
		res.Bytes = fi.Size()
	}
	e.log.Info("Encoder finished", zap.String("output", e.out.Path), zap.Int64("frames", res.Frames), zap.Int64("bytes", res.Bytes))
	return res, nil
}
