package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
)

type fakeHandler struct {
	mu          sync.Mutex
	connects    []protocol.Connect
	pcm         [][]int16
	faults      []string
	shutdowns   int
	connectErr  error
	connectGate chan struct{}
	panicOn     protocol.Name
}

func (h *fakeHandler) Connect(ctx context.Context, c protocol.Connect) error {
	if h.panicOn == protocol.NameConnect {
		panic("boom")
	}
	if h.connectGate != nil {
		<-h.connectGate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, c)
	return h.connectErr
}

func (h *fakeHandler) Disconnect(context.Context) error { return nil }

func (h *fakeHandler) SendPCM(pcm []int16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pcm = append(h.pcm, pcm)
	return len(pcm) == 0 || len(pcm) == protocol.PacketSamples
}

func (h *fakeHandler) Telemetry() protocol.Telemetry {
	return protocol.Telemetry{State: "idle", QueueCapacity: 192}
}

func (h *fakeHandler) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdowns++
	return nil
}

func (h *fakeHandler) RecordFault(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, msg)
}

func (h *fakeHandler) faultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

// syncBuffer is a bytes.Buffer safe for one writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func responses(t *testing.T, out string) map[uint64]protocol.Response {
	t.Helper()
	got := make(map[uint64]protocol.Response)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r protocol.Response
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("response line %q is not JSON: %v", sc.Text(), err)
		}
		got[r.ID] = r
	}
	return got
}

func serve(t *testing.T, h Handler, input string) map[uint64]protocol.Response {
	t.Helper()
	out := &syncBuffer{}
	s := NewServer(h, strings.NewReader(input), out)
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return responses(t, out.String())
}

func TestServer_DispatchesEachCommand(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	pcm := make([]string, protocol.PacketSamples)
	for i := range pcm {
		pcm[i] = "1"
	}
	input := strings.Join([]string{
		`{"id":1,"command":"connect","payload":{"token":"t","guildId":"g","channelId":"c"}}`,
		`{"id":2,"command":"sendPcm","payload":{"pcmData":[` + strings.Join(pcm, ",") + `]}}`,
		`{"id":3,"command":"sendPcm","payload":{"pcmData":[1,2,3]}}`,
		`{"id":4,"command":"getTelemetry"}`,
		`{"id":5,"command":"disconnect"}`,
	}, "\n") + "\n"

	got := serve(t, h, input)
	if len(got) != 5 {
		t.Fatalf("got %d responses, want 5", len(got))
	}
	for id, r := range got {
		if !r.OK {
			t.Errorf("id %d failed: %v", id, *r.Error)
		}
	}
	if string(got[1].Result) != `{"connected":true}` {
		t.Errorf("connect result = %s", got[1].Result)
	}
	if string(got[2].Result) != `{"accepted":true}` {
		t.Errorf("sendPcm result = %s", got[2].Result)
	}
	if string(got[3].Result) != `{"accepted":false}` {
		t.Errorf("short sendPcm result = %s", got[3].Result)
	}
	if string(got[5].Result) != `{"connected":false}` {
		t.Errorf("disconnect result = %s", got[5].Result)
	}
	var tel protocol.Telemetry
	if err := json.Unmarshal(got[4].Result, &tel); err != nil || tel.QueueCapacity != 192 {
		t.Errorf("telemetry = %s (%v)", got[4].Result, err)
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	input := strings.Join([]string{
		`not json at all`,
		`{"id":7,"command":"explode"}`,
		`{"id":8,"command":"connect","payload":{"token":1}}`,
	}, "\n") + "\n"

	got := serve(t, h, input)
	for _, id := range []uint64{0, 7, 8} {
		r, ok := got[id]
		if !ok {
			t.Errorf("no response for id %d", id)
			continue
		}
		if r.OK || r.Error == nil {
			t.Errorf("id %d = %+v, want failure", id, r)
		}
	}
	if !strings.Contains(*got[7].Error, "explode") {
		t.Errorf("unknown command error = %q", *got[7].Error)
	}
	// Malformed input is answered but not recorded.
	if n := h.faultCount(); n != 2 {
		t.Errorf("faults = %d, want 2", n)
	}
}

func TestServer_HandlerErrorIsRecorded(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{connectErr: errors.New("guild not found")}
	got := serve(t, h, `{"id":3,"command":"connect","payload":{"token":"t","guildId":"g","channelId":"c"}}`+"\n")
	r := got[3]
	if r.OK || r.Error == nil || *r.Error != "guild not found" {
		t.Errorf("response = %+v", r)
	}
	if h.faultCount() != 1 {
		t.Errorf("faults = %d, want 1", h.faultCount())
	}
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{panicOn: protocol.NameConnect}
	input := `{"id":1,"command":"connect","payload":{"token":"t","guildId":"g","channelId":"c"}}` + "\n" +
		`{"id":2,"command":"getTelemetry"}` + "\n"

	got := serve(t, h, input)
	if r := got[1]; r.OK || r.Error == nil || !strings.Contains(*r.Error, "panic") {
		t.Errorf("panicking request = %+v", r)
	}
	if !got[2].OK {
		t.Error("server stopped answering after a panic")
	}
	if h.faultCount() != 1 {
		t.Errorf("faults = %d, want 1", h.faultCount())
	}
}

func TestServer_SlowConnectDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := &fakeHandler{connectGate: gate}
	inR, inW := io.Pipe()
	out := &syncBuffer{}
	s := NewServer(h, inR, out)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	io.WriteString(inW, `{"id":1,"command":"connect","payload":{"token":"t","guildId":"g","channelId":"c"}}`+"\n")
	io.WriteString(inW, `{"id":2,"command":"getTelemetry"}`+"\n")

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := responses(t, out.String())
		if _, ok := got[2]; ok {
			if _, early := got[1]; early {
				t.Fatal("connect answered before it was released")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("telemetry blocked behind a pending connect")
		}
		time.Sleep(time.Millisecond)
	}

	close(gate)
	inW.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, ok := responses(t, out.String())[1]; !ok {
		t.Error("connect never answered")
	}
}

func TestServer_SendPCMKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	const packets = 200
	var in strings.Builder
	in.WriteString(`{"id":1,"command":"connect","payload":{"token":"t","guildId":"g","channelId":"c"}}` + "\n")
	for n := range packets {
		v := strconv.Itoa(n)
		samples := strings.Repeat(v+",", protocol.PacketSamples-1) + v
		fmt.Fprintf(&in, `{"id":%d,"command":"sendPcm","payload":{"pcmData":[%s]}}`+"\n", n+2, samples)
	}

	h := &fakeHandler{}
	got := serve(t, h, in.String())
	if len(got) != packets+1 {
		t.Fatalf("got %d responses, want %d", len(got), packets+1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pcm) != packets {
		t.Fatalf("handler saw %d packets, want %d", len(h.pcm), packets)
	}
	for i, pcm := range h.pcm {
		if int(pcm[0]) != i || int(pcm[len(pcm)-1]) != i {
			t.Fatalf("packet %d carries tag %d: packets were reordered", i, pcm[0])
		}
	}
}

func TestServer_ShutdownEndsServe(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	s := NewServer(h, inR, out)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	io.WriteString(inW, `{"id":9,"command":"shutdown"}`+"\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	r := responses(t, out.String())[9]
	if !r.OK || string(r.Result) != `{"shutdown":true}` {
		t.Errorf("shutdown response = %+v", r)
	}
	if h.shutdowns != 1 {
		t.Errorf("handler shutdowns = %d, want 1", h.shutdowns)
	}
}

func TestServer_ContextCancelStops(t *testing.T) {
	t.Parallel()

	inR, inW := io.Pipe()
	defer inW.Close()
	s := NewServer(&fakeHandler{}, inR, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
}
