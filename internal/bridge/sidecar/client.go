// Package sidecar runs the voice bridge as a child process and talks to it
// over its stdin/stdout using the line protocol in package protocol.
//
// The process is started lazily on the first request and restarted
// transparently when it has exited. Requests are matched to responses by id,
// so any number of them may be in flight at once.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
	"github.com/MrWong99/ambiance/internal/resilience"
)

var (
	// ErrUnavailable means the bridge process could not be started or went
	// away while a request was outstanding. The next request respawns it
	// unless the process keeps crashing, in which case respawns back off.
	ErrUnavailable = errors.New("sidecar: bridge process unavailable")

	// ErrRejected is returned by SendPCM when the bridge refused a packet.
	ErrRejected = errors.New("sidecar: packet rejected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sidecar: client closed")
)

// IsTransient reports whether err is worth retrying with the next packet.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// RemoteError is a failure reported by the bridge in an ok:false response.
type RemoteError struct {
	Command protocol.Name
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sidecar: %s: %s", e.Command, e.Message)
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultShutdownGrace  = 3 * time.Second
	maxResponseBytes      = 1 << 20
)

// DefaultCommand runs the current executable's "bridge" subcommand.
func DefaultCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("sidecar: locate executable: %w", err)
	}
	return []string{exe, "bridge"}, nil
}

// Option is a functional option for [New].
type Option func(*Client)

// WithEnv appends KEY=VALUE pairs to the child's inherited environment.
func WithEnv(env ...string) Option {
	return func(c *Client) { c.env = append(c.env, env...) }
}

// WithStderr redirects the child's stderr. The default is os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(c *Client) { c.stderr = w }
}

// WithRequestTimeout bounds requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRespawnBreaker replaces the breaker that throttles respawns of a
// crashing bridge.
func WithRespawnBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.respawn = b }
}

// WithShutdownGrace sets how long Shutdown waits for a clean exit before
// killing the process.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Client) { c.grace = d }
}

// Client owns at most one bridge process at a time. It is safe for
// concurrent use and satisfies the pacing queue's sender interface.
type Client struct {
	argv    []string
	env     []string
	stderr  io.Writer
	timeout time.Duration
	grace   time.Duration
	respawn *resilience.Breaker

	nextID atomic.Uint64

	mu     sync.Mutex
	proc   *process
	closed bool
}

// New returns a client that starts argv on demand. Nothing is spawned until
// the first request.
func New(argv []string, opts ...Option) (*Client, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("sidecar: empty bridge command")
	}
	c := &Client{
		argv:    append([]string(nil), argv...),
		stderr:  os.Stderr,
		timeout: defaultRequestTimeout,
		grace:   defaultShutdownGrace,
	}
	for _, o := range opts {
		o(c)
	}
	if c.respawn == nil {
		c.respawn = resilience.New(resilience.Config{Name: "bridge-respawn"})
	}
	return c, nil
}

// Running reports whether a bridge process is currently alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && !c.proc.hasExited()
}

// Connect asks the bridge to join a voice channel.
func (c *Client) Connect(ctx context.Context, token, guildID, channelID string) error {
	var res protocol.ConnectResult
	return c.call(ctx, protocol.Connect{Token: token, GuildID: guildID, ChannelID: channelID}, &res)
}

// Disconnect asks the bridge to leave its voice channel.
func (c *Client) Disconnect(ctx context.Context) error {
	var res protocol.ConnectResult
	return c.call(ctx, protocol.Disconnect{}, &res)
}

// SendPCM forwards one packet. An empty packet is a no-op and never starts
// the process.
func (c *Client) SendPCM(ctx context.Context, pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	data := make([]float64, len(pcm))
	for i, s := range pcm {
		data[i] = float64(s)
	}
	var res protocol.SendResult
	if err := c.call(ctx, protocol.SendPCM{PCMData: data}, &res); err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("%w: %d samples", ErrRejected, len(pcm))
	}
	return nil
}

// Telemetry fetches the bridge's counters.
func (c *Client) Telemetry(ctx context.Context) (protocol.Telemetry, error) {
	var t protocol.Telemetry
	err := c.call(ctx, protocol.GetTelemetry{}, &t)
	return t, err
}

// Shutdown asks a running bridge to exit, then kills it if it has not done
// so within the grace period. It is a no-op when nothing is running. A later
// request starts a fresh process.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.mu.Unlock()
	if p == nil || p.hasExited() {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()
	var res protocol.ShutdownResult
	if err := c.callOn(sctx, p, protocol.Shutdown{}, &res); err != nil {
		slog.Warn("sidecar: shutdown request failed", "pid", p.pid(), "err", err)
	}

	select {
	case <-p.exited:
	case <-sctx.Done():
		slog.Warn("sidecar: bridge did not exit, killing", "pid", p.pid())
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	_ = p.stdin.Close()
	return nil
}

// Close shuts the bridge down and makes every later request fail with
// [ErrClosed].
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Shutdown(context.Background())
}

func (c *Client) call(ctx context.Context, cmd protocol.Command, result any) error {
	p, err := c.ensure()
	if err != nil {
		return err
	}
	err = c.callOn(ctx, p, cmd, result)
	var remote *RemoteError
	if err == nil || errors.As(err, &remote) {
		// The process answered, so it is healthy.
		c.respawn.Success()
	}
	return err
}

func (c *Client) callOn(ctx context.Context, p *process, cmd protocol.Command, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	line, err := protocol.Encode(id, cmd)
	if err != nil {
		return err
	}

	ch := p.register(id)
	defer p.unregister(id)
	if err := p.write(line); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, cmd.Name(), err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			msg := "unknown error"
			if resp.Error != nil {
				msg = *resp.Error
			}
			return &RemoteError{Command: cmd.Name(), Message: msg}
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("sidecar: decode %s result: %w", cmd.Name(), err)
		}
		return nil
	case <-p.exited:
		return fmt.Errorf("%w: exited during %s: %v", ErrUnavailable, cmd.Name(), p.exitErr)
	case <-ctx.Done():
		return fmt.Errorf("sidecar: %s: %w", cmd.Name(), ctx.Err())
	}
}

// ensure returns the live process, starting one when there is none or the
// previous one has exited.
func (c *Client) ensure() (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.proc != nil && !c.proc.hasExited() {
		return c.proc, nil
	}
	if c.proc != nil {
		slog.Warn("sidecar: bridge process exited, restarting", "pid", c.proc.pid(), "err", c.proc.exitErr)
		c.respawn.Failure()
		c.proc = nil
	}
	if err := c.respawn.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w, retry in %v", ErrUnavailable, err, c.respawn.RetryIn())
	}
	p, err := c.start()
	if err != nil {
		c.respawn.Failure()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.proc = p
	return p, nil
}

func (c *Client) start() (*process, error) {
	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stderr = c.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan protocol.Response),
		exited:  make(chan struct{}),
	}
	go p.readLoop(stdout)
	slog.Info("sidecar: bridge process started", "pid", p.pid(), "cmd", c.argv[0])
	return p, nil
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	wmu   sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Response

	exited  chan struct{}
	exitErr error // set before exited is closed
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) register(id uint64) <-chan protocol.Response {
	ch := make(chan protocol.Response, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *process) unregister(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *process) write(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	_, err := p.stdin.Write(buf)
	return err
}

// readLoop routes responses to their waiters until stdout closes, then reaps
// the process.
func (p *process) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for sc.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			slog.Warn("sidecar: unparseable response", "pid", p.pid(), "err", err)
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		p.mu.Unlock()
		if !ok {
			slog.Debug("sidecar: response without waiter", "id", resp.ID)
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}

	err := p.cmd.Wait()
	if err == nil {
		err = errors.New("exit status 0")
	}
	p.exitErr = err
	close(p.exited)
	slog.Info("sidecar: bridge process exited", "pid", p.pid(), "err", err)
}
