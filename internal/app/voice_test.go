package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
	"github.com/MrWong99/ambiance/internal/capture"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/internal/pacing"
)

type stubClient struct {
	mu          sync.Mutex
	calls       []string
	connectErr  error
	disconnects int
	closed      int
}

func (s *stubClient) Connect(_ context.Context, token, guildID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, token+"/"+guildID+"/"+channelID)
	return s.connectErr
}

func (s *stubClient) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

func (s *stubClient) SendPCM(context.Context, []int16) error { return nil }

func (s *stubClient) Telemetry(context.Context) (protocol.Telemetry, error) {
	return protocol.Telemetry{State: "connected", Connected: true}, nil
}

func (s *stubClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func newTestVoiceManager(t *testing.T, cfg config.VoiceConfig) (*VoiceManager, *stubClient, *pacing.Queue) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	c := &stubClient{}
	q := pacing.New(c, config.StaticSettings(config.OutputVoiceBridge), pacing.WithMetrics(m))
	return NewVoiceManager(c, q, cfg), c, q
}

func TestVoiceManager_ConnectDisconnect(t *testing.T) {
	t.Parallel()

	vm, c, q := newTestVoiceManager(t, config.VoiceConfig{Token: "tok", GuildID: "g1", ChannelID: "c1"})

	q.Enqueue(capture.Packet{1, 2})
	info, err := vm.Connect(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if info.GuildID != "g1" || info.ChannelID != "c1" || info.ConnectedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if q.Len() != 0 {
		t.Errorf("pacing depth = %d after connect, want 0", q.Len())
	}
	if _, active := vm.Info(); !active {
		t.Fatal("not active after Connect")
	}

	q.Enqueue(capture.Packet{3, 4})
	if err := vm.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if _, active := vm.Info(); active {
		t.Error("still active after Disconnect")
	}
	if q.Len() != 0 {
		t.Errorf("pacing depth = %d after disconnect, want 0", q.Len())
	}
	if len(c.calls) != 1 || c.calls[0] != "tok/g1/c1" || c.disconnects != 1 {
		t.Errorf("calls = %v, disconnects = %d", c.calls, c.disconnects)
	}
}

func TestVoiceManager_NoToken(t *testing.T) {
	t.Parallel()

	vm, c, _ := newTestVoiceManager(t, config.VoiceConfig{GuildID: "g1", ChannelID: "c1"})
	if _, err := vm.Connect(context.Background(), "", ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect() error = %v, want ErrNoToken", err)
	}
	if len(c.calls) != 0 {
		t.Errorf("client called: %v", c.calls)
	}

	vm.Reconfigure(config.VoiceConfig{Token: "late", GuildID: "g2", ChannelID: "c2"})
	if _, err := vm.Connect(context.Background(), "", "c3"); err != nil {
		t.Fatalf("Connect() after Reconfigure error: %v", err)
	}
	if c.calls[0] != "late/g2/c3" {
		t.Errorf("call = %q, want late/g2/c3", c.calls[0])
	}
}

func TestVoiceManager_FailedConnectIsInactive(t *testing.T) {
	t.Parallel()

	vm, c, _ := newTestVoiceManager(t, config.VoiceConfig{Token: "tok"})
	c.connectErr = errors.New("voice ready timeout")

	if _, err := vm.Connect(context.Background(), "g", "c"); err == nil {
		t.Fatal("Connect() succeeded")
	}
	if _, active := vm.Info(); active {
		t.Error("active after failed connect")
	}
}

func TestVoiceManager_Close(t *testing.T) {
	t.Parallel()

	vm, c, _ := newTestVoiceManager(t, config.VoiceConfig{Token: "tok"})
	if _, err := vm.Connect(context.Background(), "g", "c"); err != nil {
		t.Fatal(err)
	}
	if err := vm.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if c.disconnects != 1 || c.closed != 1 {
		t.Errorf("disconnects = %d, closed = %d", c.disconnects, c.closed)
	}

	// Idle managers skip the disconnect.
	vm2, c2, _ := newTestVoiceManager(t, config.VoiceConfig{})
	_ = vm2.Close(context.Background())
	if c2.disconnects != 0 || c2.closed != 1 {
		t.Errorf("idle: disconnects = %d, closed = %d", c2.disconnects, c2.closed)
	}
}

func TestGroupSet_Replace(t *testing.T) {
	t.Parallel()

	s := newGroupSet([]config.GroupConfig{{ID: "birds", Members: []string{"owl", "crow"}}})
	if got := s.Members("birds"); len(got) != 2 {
		t.Fatalf("Members = %v", got)
	}
	s.replace([]config.GroupConfig{{ID: "wind", Members: []string{"gust"}}})
	if got := s.Members("birds"); len(got) != 0 {
		t.Errorf("stale group still resolves: %v", got)
	}
	if got := s.Members("wind"); len(got) != 1 || got[0] != "gust" {
		t.Errorf("Members(wind) = %v", got)
	}
}
