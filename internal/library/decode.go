package library

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// ErrUnsupportedFormat is returned for files that are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("library: unsupported audio format")

// resampleQuality is beep's interpolation quality; 4 is its recommended
// default for offline conversion.
const resampleQuality = 4

// Decode reads a WAV or MP3 stream, chosen by the extension of name, and
// returns it as 48 kHz stereo. rc is closed.
func Decode(rc io.ReadCloser, name string) (*graph.Buffer, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		s, format, err = wav.Decode(rc)
	case ".mp3":
		s, format, err = mp3.Decode(rc)
	default:
		rc.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	defer s.Close()
	defer rc.Close()

	var src beep.Streamer = s
	target := beep.SampleRate(audio.SampleRate)
	if format.SampleRate != target {
		src = beep.Resample(resampleQuality, format.SampleRate, target, s)
	}

	frames, err := drain(src, s.Len(), format.SampleRate, target)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return graph.NewBuffer(frames), nil
}

// drain reads src to the end. srcLen sizes the initial allocation.
func drain(src beep.Streamer, srcLen int, from, to beep.SampleRate) ([]audio.Frame, error) {
	capacity := 0
	if srcLen > 0 && from > 0 {
		capacity = int(int64(srcLen)*int64(to)/int64(from)) + 1
	}
	frames := make([]audio.Frame, 0, capacity)
	chunk := make([][2]float64, 4096)
	for {
		n, ok := src.Stream(chunk)
		for _, smp := range chunk[:n] {
			frames = append(frames, audio.Frame{float32(smp[0]), float32(smp[1])})
		}
		if !ok {
			break
		}
	}
	if err := src.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
