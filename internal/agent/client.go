package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// State is the client's connection lifecycle state.
type State string

const (
	StateCreated       State = "created"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateQuerying      State = "querying"
	StateDisconnecting State = "disconnecting"
	StateClosed        State = "closed"
)

// Config describes how to spawn the agent subprocess for one session.
type Config struct {
	Command                []string // argv of the agent CLI; flags are appended
	WorkDir                string
	Model                  string
	AllowedTools           []string
	PermissionMode         string
	Env                    []string
	MaxRetries             int
	RetryDelay             time.Duration
	Timeout                time.Duration
	IncludePartialMessages bool
}

// Metrics accumulates per-client counters, returned by Disconnect.
type Metrics struct {
	FramesReceived int64
	FramesSent     int64
	ParseErrors    int64
	Turns          int64
	ConnectedAt    time.Time
	Uptime         time.Duration
}

// Client owns one agent subprocess: spawn with retry, the stdio frame
// stream, permission responses, interrupt, and teardown. All state
// transitions are guarded; illegal calls fail with InvalidState.
type Client struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	metrics Metrics

	// procCtx bounds the subprocess lifetime. It is owned by the client,
	// not by the Connect caller, so the child survives request-scoped
	// contexts that end the moment a query is accepted.
	procCtx    context.Context
	procCancel context.CancelFunc

	frames   chan *Frame
	readDone chan struct{}
	closing  chan struct{}
}

// NewClient creates a client in the CREATED state.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "agent-client")),
		state:   StateCreated,
		frames:  make(chan *Frame, 256),
		closing: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return apperrors.InvalidState(fmt.Sprintf("agent client is %s, expected %s", c.state, from))
	}
	c.state = to
	return nil
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
}

// Connect spawns the subprocess, retrying transient spawn failures with
// exponential backoff plus jitter. ctx bounds only the handshake and the
// retry waits; the spawned child lives until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transition(StateCreated, StateConnecting); err != nil {
		return err
	}

	c.mu.Lock()
	c.procCtx, c.procCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(c.cfg.RetryDelay, attempt-1)
			c.logger.Warn("retrying agent spawn",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				c.closeFailed()
				return apperrors.Cancelled("connect cancelled")
			case <-time.After(delay):
			}
		}

		err := c.spawn()
		if err == nil {
			c.mu.Lock()
			c.state = StateConnected
			c.metrics.ConnectedAt = time.Now().UTC()
			c.mu.Unlock()
			c.logger.Info("agent subprocess connected",
				zap.String("workdir", c.cfg.WorkDir),
				zap.String("model", c.cfg.Model))
			return nil
		}
		if !apperrors.IsTransient(err) {
			c.closeFailed()
			return err
		}
		lastErr = err
	}

	c.closeFailed()
	return apperrors.Fatal("agent spawn retries exhausted", lastErr)
}

// closeFailed marks a connect that never produced a live subprocess.
func (c *Client) closeFailed() {
	c.mu.Lock()
	c.state = StateClosed
	cancel := c.procCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) spawn() error {
	if len(c.cfg.Command) == 0 {
		return apperrors.Validation("agent command is required")
	}

	args := append(append([]string{}, c.cfg.Command[1:]...), c.buildFlags()...)
	cmd := exec.CommandContext(c.procCtx, c.cfg.Command[0], args...)
	cmd.Dir = c.cfg.WorkDir
	if len(c.cfg.Env) > 0 {
		cmd.Env = c.cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Transient("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Transient("failed to open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return apperrors.Transient("failed to start agent subprocess", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(stdout)
	return nil
}

func (c *Client) buildFlags() []string {
	flags := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
	}
	if c.cfg.IncludePartialMessages {
		flags = append(flags, "--include-partial-messages")
	}
	if c.cfg.Model != "" {
		flags = append(flags, "--model", c.cfg.Model)
	}
	for _, tool := range c.cfg.AllowedTools {
		flags = append(flags, "--allowedTools", tool)
	}
	if c.cfg.PermissionMode == "bypass" {
		flags = append(flags, "--permission-mode", "bypassPermissions")
	}
	return flags
}

// readLoop scans stdout line by line, parses frames, and delivers them on
// the frames channel until the subprocess closes its end.
func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.readDone)

	scanner := bufio.NewScanner(stdout)
	// Tool results can carry whole files; allow large lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := ParseFrame(line)
		if err != nil {
			c.mu.Lock()
			c.metrics.ParseErrors++
			c.mu.Unlock()
			c.logger.Warn("unparseable frame", zap.ByteString("line", line), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.metrics.FramesReceived++
		if frame.Type == FrameResult {
			c.metrics.Turns++
			if c.state == StateQuerying {
				c.state = StateConnected
			}
		}
		c.mu.Unlock()

		// Drop on the floor only during teardown; a stalled consumer must
		// not wedge subprocess reaping.
		select {
		case c.frames <- frame:
		case <-c.closing:
			close(c.frames)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("agent stdout closed with error", zap.Error(err))
	}
	close(c.frames)
}

// Query writes a prompt frame. The client must be connected and idle.
func (c *Client) Query(prompt string) error {
	if err := c.transition(StateConnected, StateQuerying); err != nil {
		if c.State() == StateCreated || c.State() == StateClosed {
			return apperrors.ClientNotConnected("agent client is not connected")
		}
		return err
	}
	if err := c.send(NewUserFrame(prompt)); err != nil {
		c.setState(StateConnected)
		return err
	}
	return nil
}

// Receive returns the frame stream. The channel closes when the subprocess
// disconnects.
func (c *Client) Receive() <-chan *Frame {
	return c.frames
}

// RespondPermission answers a can_use_tool control request.
func (c *Client) RespondPermission(requestID string, result *PermissionResult) error {
	return c.send(&ControlResponseFrame{
		Type:      FrameControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "success", Result: result},
	})
}

func (c *Client) send(msg interface{}) error {
	c.mu.Lock()
	stdin := c.stdin
	state := c.state
	c.mu.Unlock()

	if stdin == nil || state == StateClosed || state == StateCreated {
		return apperrors.ClientNotConnected("agent client is not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Fatal("failed to marshal frame", err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return apperrors.Transient("failed to write frame", err)
	}

	c.mu.Lock()
	c.metrics.FramesSent++
	c.mu.Unlock()
	return nil
}

// Interrupt soft-cancels the running turn: SIGTERM first, escalating to
// SIGKILL after the grace window.
func (c *Client) Interrupt(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	cmd := c.cmd
	done := c.readDone
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return apperrors.ClientNotConnected("no agent subprocess to interrupt")
	}

	c.logger.Info("interrupting agent subprocess", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return apperrors.Transient("failed to signal agent", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperrors.Cancelled("interrupt cancelled")
	case <-time.After(grace):
		c.logger.Warn("agent ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil {
			return apperrors.Fatal("failed to kill agent", err)
		}
		<-done
		return nil
	}
}

// Disconnect closes stdin, reaps the subprocess, and returns the
// accumulated metrics. Safe to call once from any connected state.
func (c *Client) Disconnect() (Metrics, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		m := c.metrics
		c.mu.Unlock()
		return m, nil
	case StateCreated:
		c.state = StateClosed
		m := c.metrics
		c.mu.Unlock()
		return m, nil
	}
	c.state = StateDisconnecting
	stdin := c.stdin
	cmd := c.cmd
	done := c.readDone
	c.mu.Unlock()

	close(c.closing)
	if stdin != nil {
		_ = stdin.Close()
	}
	if done != nil {
		<-done
	}
	var waitErr error
	if cmd != nil {
		waitErr = cmd.Wait()
	}

	c.mu.Lock()
	c.state = StateClosed
	if !c.metrics.ConnectedAt.IsZero() {
		c.metrics.Uptime = time.Since(c.metrics.ConnectedAt)
	}
	m := c.metrics
	cancel := c.procCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.logger.Info("agent subprocess disconnected",
		zap.Int64("frames_received", m.FramesReceived),
		zap.Int64("frames_sent", m.FramesSent),
		zap.Int64("turns", m.Turns),
		zap.Duration("uptime", m.Uptime))

	if waitErr != nil {
		// Non-zero exit after an interrupt is expected; report, don't fail.
		c.logger.Debug("agent exit status", zap.Error(waitErr))
	}
	return m, nil
}

// backoff computes delay * 2^attempt with up to 25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
