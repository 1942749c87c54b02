package library

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/pkg/audio"
)

// wavBytes builds a 16-bit PCM WAV file in memory.
func wavBytes(rate, channels int, samples []int16) []byte {
	var buf bytes.Buffer
	dataLen := len(samples) * 2
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(1)) // PCM
	binary.Write(&buf, le, uint16(channels))
	binary.Write(&buf, le, uint32(rate))
	binary.Write(&buf, le, uint32(rate*channels*2))
	binary.Write(&buf, le, uint16(channels*2))
	binary.Write(&buf, le, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, le, uint32(dataLen))
	binary.Write(&buf, le, samples)
	return buf.Bytes()
}

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

type memStore struct {
	files map[string][]byte
	opens atomic.Int32
}

func (m *memStore) Open(id string) (io.ReadCloser, string, error) {
	b, ok := m.files[id]
	if !ok {
		return nil, "", ErrUnknownElement
	}
	m.opens.Add(1)
	return io.NopCloser(bytes.NewReader(b)), id + ".wav", nil
}

func newMemStore(ids ...string) *memStore {
	m := &memStore{files: make(map[string][]byte)}
	for _, id := range ids {
		m.files[id] = wavBytes(audio.SampleRate, 2, constant(2*480, 16384))
	}
	return m
}

func TestDecode_NativeFormat(t *testing.T) {
	t.Parallel()

	raw := wavBytes(audio.SampleRate, 2, constant(2*480, 16384))
	buf, err := Decode(io.NopCloser(bytes.NewReader(raw)), "rain.wav")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Len() != 480 {
		t.Errorf("Len = %d, want 480", buf.Len())
	}
	if d := buf.Duration(); d.Milliseconds() != 10 {
		t.Errorf("Duration = %v, want 10ms", d)
	}
}

func TestDecode_ResamplesMonoToGraphRate(t *testing.T) {
	t.Parallel()

	raw := wavBytes(24000, 1, constant(2400, 8192))
	buf, err := Decode(io.NopCloser(bytes.NewReader(raw)), "WIND.WAV")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := buf.Len(); math.Abs(float64(got-4800)) > 64 {
		t.Errorf("Len = %d, want about 4800 after 24k→48k", got)
	}
}

func TestDecode_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	_, err := Decode(io.NopCloser(bytes.NewReader(nil)), "theme.ogg")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Decode(.ogg) = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecode_CorruptFile(t *testing.T) {
	t.Parallel()

	if _, err := Decode(io.NopCloser(bytes.NewReader([]byte("not a wav"))), "x.wav"); err == nil {
		t.Error("Decode accepted garbage")
	}
}

func TestLibrary_CachesDecodedBuffers(t *testing.T) {
	t.Parallel()

	store := newMemStore("rain")
	l, err := New(store, nil, 4)
	if err != nil {
		t.Fatal(err)
	}

	a, err := l.Buffer("rain")
	if err != nil {
		t.Fatalf("Buffer: %v", err)
	}
	b, err := l.Buffer("rain")
	if err != nil {
		t.Fatal(err)
	}
	if a != b || store.opens.Load() != 1 {
		t.Errorf("second Buffer decoded again: opens = %d", store.opens.Load())
	}
	if !l.Cached("rain") {
		t.Error("rain not cached")
	}

	l.Forget("rain")
	if _, err := l.Buffer("rain"); err != nil {
		t.Fatal(err)
	}
	if store.opens.Load() != 2 {
		t.Errorf("opens = %d after Forget, want 2", store.opens.Load())
	}
}

func TestLibrary_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	l, err := New(newMemStore("a", "b"), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	l.Buffer("a")
	l.Buffer("b")
	if l.Cached("a") || !l.Cached("b") {
		t.Errorf("cached a=%v b=%v, want only b", l.Cached("a"), l.Cached("b"))
	}
}

func TestLibrary_ConcurrentLoadsDecodeOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore("rain")
	l, err := New(store, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Buffer("rain"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if store.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", store.opens.Load())
	}
}

func TestLibrary_UnknownElement(t *testing.T) {
	t.Parallel()

	l, err := New(newMemStore(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Buffer("ghost"); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("Buffer(ghost) = %v, want ErrUnknownElement", err)
	}
}

func TestLibrary_ElementsAndChannels(t *testing.T) {
	t.Parallel()

	l, err := New(newMemStore(), []config.ElementConfig{
		{ID: "wolf", File: "wolf.wav", Channel: audio.ChannelCreatures},
		{ID: "bard", File: "bard.mp3", Channel: audio.ChannelMusic},
		{ID: "drip", File: "drip.wav"},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	els := l.Elements()
	if len(els) != 3 || els[0].ID != "bard" || els[2].ID != "wolf" {
		t.Errorf("Elements = %+v, want sorted by id", els)
	}
	if got := l.Channel("wolf"); got != audio.ChannelCreatures {
		t.Errorf("Channel(wolf) = %q", got)
	}
	if got := l.Channel("drip"); got != audio.ChannelAmbient {
		t.Errorf("Channel(drip) = %q, want ambient default", got)
	}
	if _, ok := l.Element("ghost"); ok {
		t.Error("Element(ghost) found")
	}
}

func TestDirStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rain.wav"), wavBytes(audio.SampleRate, 2, constant(4, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewDirStore(dir, []config.ElementConfig{
		{ID: "rain", File: "rain.wav"},
		{ID: "gone", File: "gone.wav"},
	})

	rc, name, err := s.Open("rain")
	if err != nil {
		t.Fatalf("Open(rain): %v", err)
	}
	rc.Close()
	if filepath.Base(name) != "rain.wav" {
		t.Errorf("name = %q", name)
	}
	if _, _, err := s.Open("gone"); err == nil || errors.Is(err, ErrUnknownElement) {
		t.Errorf("Open(gone) = %v, want file error", err)
	}
	if _, _, err := s.Open("nope"); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("Open(nope) = %v, want ErrUnknownElement", err)
	}

	l, err := New(s, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if buf, err := l.Buffer("rain"); err != nil || buf.Len() != 2 {
		t.Errorf("Buffer(rain) = %v, %v", buf, err)
	}
}

func TestGroups(t *testing.T) {
	t.Parallel()

	g := NewGroups([]config.GroupConfig{{ID: "birds", Members: []string{"crow", "owl"}}})
	m := g.Members("birds")
	if len(m) != 2 || m[0] != "crow" {
		t.Fatalf("Members = %v", m)
	}
	m[0] = "changed"
	if g.Members("birds")[0] != "crow" {
		t.Error("Members returned shared slice")
	}
	if g.Members("nope") != nil {
		t.Error("unknown group has members")
	}
}
