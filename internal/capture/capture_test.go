package capture

import (
	"testing"

	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/pkg/audio"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestProcessor(t *testing.T, opts ...Option) *Processor {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(append([]Option{WithMetrics(m)}, opts...)...)
}

// block returns n frames with every sample set to v.
func block(n int, v float32) []audio.Frame {
	b := make([]audio.Frame, n)
	for i := range b {
		b[i] = audio.Frame{v, -v}
	}
	return b
}

func TestProcess_EmitsFullPacket(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	if got := p.PacketSamples(); got != 3840 {
		t.Fatalf("PacketSamples = %d, want 3840", got)
	}

	// 1919 frames is one short of a packet.
	p.Process(block(1919, 0.5))
	select {
	case <-p.Packets():
		t.Fatal("packet emitted before buffer was full")
	default:
	}

	p.Process(block(1, 0.5))
	select {
	case pkt := <-p.Packets():
		if len(pkt) != 3840 {
			t.Fatalf("packet len = %d, want 3840", len(pkt))
		}
		if pkt[0] != 16384 || pkt[1] != -16384 {
			t.Errorf("first frame = %d/%d, want 16384/-16384", pkt[0], pkt[1])
		}
	default:
		t.Fatal("no packet emitted")
	}
}

func TestProcess_ClampsAndRounds(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, WithFramesPerPacket(1))
	frames := block(audio.FrameSize, 0)
	frames[0] = audio.Frame{2, -2}
	frames[1] = audio.Frame{0.25, -0.25}
	p.Process(frames)

	pkt := <-p.Packets()
	tests := []struct {
		idx  int
		want int16
	}{
		{0, 32767},
		{1, -32767},
		{2, 8192},
		{3, -8192},
	}
	for _, tc := range tests {
		if pkt[tc.idx] != tc.want {
			t.Errorf("sample %d = %d, want %d", tc.idx, pkt[tc.idx], tc.want)
		}
	}
}

func TestProcess_SilenceGate(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, WithFramesPerPacket(1))
	p.Process(block(audio.FrameSize, 0.0001))
	if p.Emitted() != 0 {
		t.Fatalf("silent packet emitted, Emitted = %d", p.Emitted())
	}

	ungated := newTestProcessor(t, WithFramesPerPacket(1), WithSilenceGate(false))
	ungated.Process(block(audio.FrameSize, 0))
	if ungated.Emitted() != 1 {
		t.Fatalf("ungated Emitted = %d, want 1", ungated.Emitted())
	}
}

func TestProcess_DropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, WithFramesPerPacket(1), WithMaxPending(8))
	const produced = 20
	for i := range produced {
		// Tag each packet by its level so order can be checked.
		p.Process(block(audio.FrameSize, float32(i+1)/100))
	}

	if got := len(p.Packets()); got != 8 {
		t.Fatalf("queued = %d, want 8", got)
	}
	if got := p.Dropped(); got != produced-8 {
		t.Fatalf("Dropped = %d, want %d", got, produced-8)
	}

	first := <-p.Packets()
	want := audio.FloatToInt16(float32(produced-8+1) / 100)
	if first[0] != want {
		t.Errorf("oldest surviving packet starts with %d, want %d", first[0], want)
	}
}

func TestProcess_EmptyBlockIsNoOp(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	p.Process(nil)
	p.Process([]audio.Frame{})
	if p.Emitted() != 0 || p.Dropped() != 0 {
		t.Fatal("empty input changed counters")
	}
}

func TestProcess_PacketsAreNotAliased(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, WithFramesPerPacket(1))
	p.Process(block(audio.FrameSize, 0.5))
	a := <-p.Packets()
	p.Process(block(audio.FrameSize, 0.25))
	b := <-p.Packets()
	if &a[0] == &b[0] {
		t.Fatal("consecutive packets share a backing array")
	}
	if a[0] != 16384 {
		t.Errorf("first packet overwritten: %d", a[0])
	}
}
