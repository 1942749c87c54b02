package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
)

// maxLineBytes bounds one request line. A full sendPcm packet is about
// 25 KiB of JSON.
const maxLineBytes = 1 << 20

// Handler executes decoded commands. [*Bridge] is the production handler.
type Handler interface {
	Connect(ctx context.Context, c protocol.Connect) error
	Disconnect(ctx context.Context) error
	SendPCM(pcm []int16) bool
	Telemetry() protocol.Telemetry
	Shutdown(ctx context.Context) error
	RecordFault(msg string)
}

// Server speaks the bridge protocol over a reader/writer pair, normally the
// process's stdin and stdout. sendPcm and getTelemetry run inline on the
// read loop, so packets reach the jitter buffer in arrival order. connect,
// disconnect and shutdown run on their own goroutines and answer when they
// complete, so a slow connect never delays sendPcm traffic.
type Server struct {
	h   Handler
	in  io.Reader
	out io.Writer

	wmu sync.Mutex
	enc *json.Encoder

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewServer creates a server reading requests from in and writing
// responses to out.
func NewServer(h Handler, in io.Reader, out io.Writer) *Server {
	return &Server{
		h:        h,
		in:       in,
		out:      out,
		enc:      json.NewEncoder(out),
		shutdown: make(chan struct{}),
	}
}

// Serve reads requests until the input ends, a shutdown command completes,
// or ctx is cancelled. It waits for in-flight requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			}
		}
		readErr <- sc.Err()
	}()

	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown:
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("bridge: read requests: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			s.accept(ctx, line)
		}
	}
}

// Done is closed after a shutdown command has been answered.
func (s *Server) Done() <-chan struct{} { return s.shutdown }

// accept decodes line and runs it inline or on a goroutine depending on the
// command.
func (s *Server) accept(ctx context.Context, line []byte) {
	id, cmd, err := protocol.Decode(line)
	if err != nil {
		slog.Warn("bridge: rejected request", "id", id, "err", err)
		if !errors.Is(err, protocol.ErrMalformed) {
			s.h.RecordFault(err.Error())
		}
		s.write(protocol.Fail(id, err))
		return
	}
	switch cmd.(type) {
	case protocol.SendPCM, protocol.GetTelemetry:
		s.handle(ctx, id, cmd)
	default:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, id, cmd)
		}()
	}
}

func (s *Server) handle(ctx context.Context, id uint64, cmd protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic in %s: %v", cmd.Name(), r)
			slog.Error("bridge: recovered from panic", "command", cmd.Name(), "panic", r, "stack", string(debug.Stack()))
			s.h.RecordFault(msg)
			s.write(protocol.Fail(id, errors.New(msg)))
		}
	}()

	result, err := s.dispatch(ctx, cmd)
	if err != nil {
		s.h.RecordFault(err.Error())
		s.write(protocol.Fail(id, err))
		return
	}
	resp, err := protocol.OK(id, result)
	if err != nil {
		resp = protocol.Fail(id, err)
	}
	s.write(resp)

	if _, ok := cmd.(protocol.Shutdown); ok {
		s.shutdownOnce.Do(func() { close(s.shutdown) })
	}
}

func (s *Server) dispatch(ctx context.Context, cmd protocol.Command) (any, error) {
	switch c := cmd.(type) {
	case protocol.Connect:
		if err := s.h.Connect(ctx, c); err != nil {
			return nil, err
		}
		return protocol.ConnectResult{Connected: true}, nil
	case protocol.Disconnect:
		if err := s.h.Disconnect(ctx); err != nil {
			return nil, err
		}
		return protocol.ConnectResult{Connected: false}, nil
	case protocol.SendPCM:
		return protocol.SendResult{Accepted: s.h.SendPCM(c.Samples())}, nil
	case protocol.GetTelemetry:
		return s.h.Telemetry(), nil
	case protocol.Shutdown:
		if err := s.h.Shutdown(ctx); err != nil {
			return nil, err
		}
		return protocol.ShutdownResult{Shutdown: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, cmd.Name())
	}
}

// write emits one response line. Writes are serialised so concurrent
// responses never interleave.
func (s *Server) write(resp protocol.Response) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		slog.Error("bridge: write response", "id", resp.ID, "err", err)
	}
}
