package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gameon/recorder/internal/encoder"
)

// Output file names inside a session folder.
const (
	systemAudioFile = "system_audio.wav"
	microphoneFile  = "microphone_audio.wav"
)

// Slug lowercases name and replaces anything but letters and digits with '_'.
func Slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	s := strings.TrimRight(b.String(), "_")
	if s == "" {
		return "session"
	}
	return s
}

// sessionLayout holds the paths of one session folder.
type sessionLayout struct {
	Dir         string
	Video       string
	SystemAudio string
	Microphone  string
}

// createSessionDir makes <root>/<slug>_<YYYYmmdd_HHMMSS>, adding a numeric
// suffix when that folder already exists.
func createSessionDir(root, game string, start time.Time, codec string) (sessionLayout, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return sessionLayout{}, fmt.Errorf("create sessions dir: %w", err)
	}
	base := Slug(game) + "_" + start.Format("20060102_150405")
	dir := filepath.Join(root, base)
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0750)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return sessionLayout{}, fmt.Errorf("create session dir: %w", err)
		}
		dir = filepath.Join(root, fmt.Sprintf("%s_%d", base, i))
	}
	return sessionLayout{
		Dir:         dir,
		Video:       filepath.Join(dir, "video."+encoder.Extension(codec)),
		SystemAudio: filepath.Join(dir, systemAudioFile),
		Microphone:  filepath.Join(dir, microphoneFile),
	}, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
