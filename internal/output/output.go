// Package output plays the rendered mix on the local sound device.
//
// The render driver pushes blocks into a [Ring]; the speaker pulls from it on
// its own goroutine. The ring only carries audio while the settings service
// routes output locally. In voice-bridge mode the mix goes to Discord
// instead and the speaker plays silence.
package output

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// DefaultLatency is the ring capacity and the speaker buffer size.
const DefaultLatency = 100 * time.Millisecond

// Ring is a bounded frame FIFO between the render driver and the speaker. It
// implements beep.Streamer. Overflow discards the oldest frames; underflow
// yields silence, so Stream never ends.
type Ring struct {
	settings config.Settings

	mu     sync.Mutex
	frames []audio.Frame
	head   int
	size   int

	overflows uint64
	underruns uint64
}

var _ beep.Streamer = (*Ring)(nil)

// NewRing creates a ring holding latency worth of frames.
func NewRing(settings config.Settings, latency time.Duration) *Ring {
	if latency <= 0 {
		latency = DefaultLatency
	}
	n := int(latency.Seconds() * audio.SampleRate)
	return &Ring{settings: settings, frames: make([]audio.Frame, n)}
}

// Local reports whether the current mode routes audio to the local device.
func (r *Ring) Local() bool {
	return r.settings.OutputMode() != config.OutputVoiceBridge
}

// Write is a render driver sink.
func (r *Ring) Write(block []audio.Frame) {
	if !r.Local() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.frames)
	for _, f := range block {
		if r.size == n {
			r.head = (r.head + 1) % n
			r.size--
			r.overflows++
		}
		r.frames[(r.head+r.size)%n] = f
		r.size++
	}
}

// Stream implements beep.Streamer.
func (r *Ring) Stream(samples [][2]float64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.frames)
	short := false
	for i := range samples {
		if r.size == 0 {
			samples[i] = [2]float64{}
			short = true
			continue
		}
		f := r.frames[r.head]
		samples[i] = [2]float64{float64(f[0]), float64(f[1])}
		r.head = (r.head + 1) % n
		r.size--
	}
	if short {
		r.underruns++
	}
	return len(samples), true
}

// Err implements beep.Streamer.
func (r *Ring) Err() error { return nil }

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Counters returns the overflow and underrun counts.
func (r *Ring) Counters() (overflows, underruns uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows, r.underruns
}

// Speaker owns the process-wide beep speaker.
type Speaker struct {
	ring *Ring
}

// OpenSpeaker initialises the system audio device and starts pulling from
// ring. device is informational: the backend always opens the system
// default device.
func OpenSpeaker(ring *Ring, device string) (*Speaker, error) {
	sr := beep.SampleRate(audio.SampleRate)
	if err := speaker.Init(sr, sr.N(DefaultLatency)); err != nil {
		return nil, fmt.Errorf("output: init speaker: %w", err)
	}
	if device != "" {
		slog.Warn("output: explicit device selection is not supported by the audio backend, using system default", "device", device)
	}
	speaker.Play(ring)
	slog.Info("output: local playback started", "latency", DefaultLatency)
	return &Speaker{ring: ring}, nil
}

// Close stops playback and releases the device.
func (s *Speaker) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}
