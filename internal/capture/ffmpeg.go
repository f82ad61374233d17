package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/models"
)

// FFmpegConfig configures the ffmpeg-backed sources.
type FFmpegConfig struct {
	Binary        string
	Display       string // x11 display (linux) or avfoundation screen device prefix
	VideoWidth    int
	VideoHeight   int
	SystemAudio   string // platform device name; empty disables the source
	Microphone    string
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration
}

// FFmpeg captures the screen and audio through ffmpeg subprocesses writing raw
// BGRA frames or s16le PCM to stdout. Input is delegated to an InputOpener.
type FFmpeg struct {
	cfg    FFmpegConfig
	goos   string
	input  InputOpener
	logger *zap.Logger
}

// NewFFmpeg creates the ffmpeg device set. input may be nil, in which case
// OpenInput reports ErrUnavailable.
func NewFFmpeg(cfg FFmpegConfig, input InputOpener, logger *zap.Logger) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 100 * time.Millisecond
	}
	if cfg.VideoWidth <= 0 || cfg.VideoHeight <= 0 {
		cfg.VideoWidth, cfg.VideoHeight = 1920, 1080
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{cfg: cfg, goos: runtime.GOOS, input: input, logger: logger}
}

// OpenInput delegates to the configured input opener.
func (f *FFmpeg) OpenInput(ctx context.Context, inputType models.InputType) (InputListener, error) {
	if f.input == nil {
		return nil, fmt.Errorf("input %s: %w", inputType, ErrUnavailable)
	}
	return f.input.OpenInput(ctx, inputType)
}

// videoArgs builds the grab arguments for goos.
func videoArgs(goos string, cfg FFmpegConfig, req VideoRequest) ([]string, error) {
	size := fmt.Sprintf("%dx%d", cfg.VideoWidth, cfg.VideoHeight)
	rate := strconv.Itoa(req.FPS)
	var in []string
	switch goos {
	case "linux":
		display := cfg.Display
		if display == "" {
			display = ":0.0"
		}
		// monitors are laid out left to right at the configured width
		in = []string{"-f", "x11grab", "-framerate", rate, "-video_size", size,
			"-i", fmt.Sprintf("%s+%d,0", display, req.Monitor*cfg.VideoWidth)}
	case "windows":
		in = []string{"-f", "gdigrab", "-framerate", rate,
			"-offset_x", strconv.Itoa(req.Monitor * cfg.VideoWidth), "-offset_y", "0",
			"-video_size", size, "-i", "desktop"}
	case "darwin":
		in = []string{"-f", "avfoundation", "-framerate", rate, "-capture_cursor", "1",
			"-i", fmt.Sprintf("%s%d:none", cfg.Display, req.Monitor)}
	default:
		return nil, fmt.Errorf("screen capture on %s: %w", goos, ErrUnavailable)
	}
	out := []string{"-loglevel", "error", "-nostdin"}
	out = append(out, in...)
	out = append(out, "-vf", "scale="+strconv.Itoa(cfg.VideoWidth)+":"+strconv.Itoa(cfg.VideoHeight),
		"-pix_fmt", "bgra", "-f", "rawvideo", "-")
	return out, nil
}

// audioArgs builds the audio grab arguments for goos.
func audioArgs(goos string, cfg FFmpegConfig, device string) ([]string, error) {
	var in []string
	switch goos {
	case "linux":
		in = []string{"-f", "pulse", "-i", device}
	case "windows":
		in = []string{"-f", "dshow", "-i", "audio=" + device}
	case "darwin":
		in = []string{"-f", "avfoundation", "-i", ":" + device}
	default:
		return nil, fmt.Errorf("audio capture on %s: %w", goos, ErrUnavailable)
	}
	out := []string{"-loglevel", "error", "-nostdin"}
	out = append(out, in...)
	out = append(out, "-ac", strconv.Itoa(cfg.Channels), "-ar", strconv.Itoa(cfg.SampleRate), "-f", "s16le", "-")
	return out, nil
}

// proc is a running ffmpeg whose stdout we read.
type proc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func startProc(binary string, args []string) (*proc, error) {
	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &proc{cmd: cmd, stdout: stdout}, nil
}

func (p *proc) close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// OpenVideo starts a screen grab for the requested monitor.
func (f *FFmpeg) OpenVideo(ctx context.Context, req VideoRequest) (FrameSource, error) {
	args, err := videoArgs(f.goos, f.cfg, req)
	if err != nil {
		return nil, err
	}
	p, err := startProc(f.cfg.Binary, args)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Screen capture started",
		zap.Int("monitor", req.Monitor),
		zap.Int("fps", req.FPS),
		zap.Int("width", f.cfg.VideoWidth),
		zap.Int("height", f.cfg.VideoHeight))
	return &videoSource{proc: p, width: f.cfg.VideoWidth, height: f.cfg.VideoHeight}, nil
}

type videoSource struct {
	proc          *proc
	width, height int
}

func (v *videoSource) NextFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	buf := make([]byte, v.width*v.height*4)
	if _, err := io.ReadFull(v.proc.stdout, buf); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return Frame{Pixels: buf, Width: v.width, Height: v.height, CapturedAt: time.Now()}, nil
}

func (v *videoSource) Close() error { return v.proc.close() }

// OpenAudio starts an audio grab. An unconfigured device yields ErrUnavailable.
func (f *FFmpeg) OpenAudio(ctx context.Context, kind AudioKind) (AudioSource, error) {
	device := f.cfg.SystemAudio
	if kind == AudioMicrophone {
		device = f.cfg.Microphone
	}
	if device == "" {
		return nil, fmt.Errorf("%s audio: %w", kind, ErrUnavailable)
	}
	args, err := audioArgs(f.goos, f.cfg, device)
	if err != nil {
		return nil, err
	}
	p, err := startProc(f.cfg.Binary, args)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Audio capture started", zap.String("kind", string(kind)), zap.String("device", device))
	frames := int(int64(f.cfg.SampleRate) * f.cfg.ChunkDuration.Milliseconds() / 1000)
	return &audioSource{
		proc:   p,
		format: AudioFormat{SampleRate: f.cfg.SampleRate, Channels: f.cfg.Channels, BitDepth: 16},
		buf:    make([]byte, frames*f.cfg.Channels*2),
	}, nil
}

type audioSource struct {
	proc   *proc
	format AudioFormat
	buf    []byte
}

func (a *audioSource) Format() AudioFormat { return a.format }

func (a *audioSource) NextChunk(ctx context.Context) (AudioChunk, error) {
	if err := ctx.Err(); err != nil {
		return AudioChunk{}, err
	}
	if _, err := io.ReadFull(a.proc.stdout, a.buf); err != nil {
		if ctx.Err() != nil {
			return AudioChunk{}, ctx.Err()
		}
		return AudioChunk{}, fmt.Errorf("read audio: %w", err)
	}
	return AudioChunk{Samples: decodeS16LE(a.buf), CapturedAt: time.Now()}, nil
}

func (a *audioSource) Close() error { return a.proc.close() }

func decodeS16LE(b []byte) []int {
	out := make([]int, len(b)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(b[2*i:])))
	}
	return out
}
