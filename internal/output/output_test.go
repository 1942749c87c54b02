package output

import (
	"testing"
	"time"

	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/pkg/audio"
)

func block(n int, v float32) []audio.Frame {
	b := make([]audio.Frame, n)
	for i := range b {
		b[i] = audio.Frame{v, -v}
	}
	return b
}

func TestRing_PassesAudioInOrder(t *testing.T) {
	t.Parallel()

	r := NewRing(config.StaticSettings(config.OutputDefault), 10*time.Millisecond) // 480 frames
	r.Write(block(100, 0.25))
	r.Write(block(100, 0.5))

	out := make([][2]float64, 150)
	n, ok := r.Stream(out)
	if n != 150 || !ok {
		t.Fatalf("Stream = %d, %v", n, ok)
	}
	if out[0][0] != 0.25 || out[0][1] != -0.25 || out[149][0] != 0.5 {
		t.Errorf("samples = %v ... %v", out[0], out[149])
	}
	if r.Len() != 50 {
		t.Errorf("Len = %d, want 50", r.Len())
	}
}

func TestRing_UnderrunYieldsSilenceAndNeverEnds(t *testing.T) {
	t.Parallel()

	r := NewRing(config.StaticSettings(config.OutputDefault), 10*time.Millisecond)
	r.Write(block(10, 1))

	out := make([][2]float64, 32)
	n, ok := r.Stream(out)
	if n != 32 || !ok {
		t.Fatalf("Stream = %d, %v; want full length and ok", n, ok)
	}
	if out[9][0] != 1 || out[10] != [2]float64{} {
		t.Errorf("expected audio then silence, got %v %v", out[9], out[10])
	}
	if _, under := r.Counters(); under != 1 {
		t.Errorf("underruns = %d, want 1", under)
	}
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	r := NewRing(config.StaticSettings(config.OutputDefault), 10*time.Millisecond)
	r.Write(block(480, 0.1))
	r.Write(block(20, 0.9))

	if r.Len() != 480 {
		t.Fatalf("Len = %d, want capacity 480", r.Len())
	}
	if over, _ := r.Counters(); over != 20 {
		t.Errorf("overflows = %d, want 20", over)
	}
	out := make([][2]float64, 480)
	r.Stream(out)
	if out[459][0] != float64(float32(0.1)) || out[460][0] != float64(float32(0.9)) {
		t.Errorf("newest frames not at the tail: %v %v", out[459], out[460])
	}
}

func TestRing_SilentInVoiceBridgeMode(t *testing.T) {
	t.Parallel()

	r := NewRing(config.StaticSettings(config.OutputVoiceBridge), 0)
	if r.Local() {
		t.Fatal("voice-bridge mode reported as local")
	}
	r.Write(block(100, 1))
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0 while routed to voice", r.Len())
	}

	for _, m := range []config.OutputMode{config.OutputDefault, config.OutputDevice} {
		if !NewRing(config.StaticSettings(m), 0).Local() {
			t.Errorf("mode %q not local", m)
		}
	}
}
