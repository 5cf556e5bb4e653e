package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned when Submit is called while a session is
	// already streaming. Starting a turn mid-turn is a caller bug; the host
	// must Cancel() the prior turn first.
	ErrSessionActive = errors.New("a streaming session is already active")
	// ErrCancelled is the distinguished non-error outcome of a user cancel.
	ErrCancelled = errors.New("session cancelled")
)

// State is the lifecycle state of a streaming session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Submission is one user turn sent to the agent backend.
type Submission struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// RetryConfig bounds the pre-connection backoff. Only the initial connection
// attempt is retried; a mid-stream interruption is terminal for the turn.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

// DefaultRetryConfig returns the default pre-connection retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		MaxElapsed:  15 * time.Second,
	}
}

// Config configures a Client.
type Config struct {
	// Endpoint is the agent backend's streaming run URL.
	Endpoint string
	Router   RouterConfig
	Retry    RetryConfig
	// HTTPClient defaults to a client without a global timeout; streaming
	// responses stay open for the whole turn.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is the connection manager: it owns at most one streaming session at
// a time and pumps its response through framing, classification, dedup,
// termination detection, and routing.
type Client struct {
	cfg   Config
	httpc *http.Client
	log   *slog.Logger

	mu     sync.Mutex
	active *session
}

// session holds all mutable state for one turn: buffers, fingerprints and
// accumulated text hang off values owned by this struct and are never shared
// across turns.
type session struct {
	messageID string
	ctx       context.Context
	cancel    context.CancelFunc
	state     atomic.Int32
	cancelled atomic.Bool
}

func (s *session) setState(st State) { s.state.Store(int32(st)) }

// halted reports whether callbacks must stop for this session.
func (s *session) halted() bool { return s.ctx.Err() != nil }

// NewClient creates a connection manager for the given backend endpoint.
func NewClient(cfg Config) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, httpc: httpc, log: log}
}

// State returns the lifecycle state of the active session, or StateIdle.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return StateIdle
	}
	return State(c.active.state.Load())
}

// Submit opens exactly one streaming session for the turn and pumps it to
// completion. It returns when the turn is finished: nil on a completed turn,
// ErrCancelled after a user cancel, ErrSessionActive if a session is already
// running, or the transport/connection error otherwise. All side effects go
// through cb.
func (c *Client) Submit(ctx context.Context, sub Submission, cb Callbacks) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{messageID: uuid.NewString(), ctx: sctx, cancel: cancel}
	s.setState(StateIdle)
	c.active = s
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	return c.run(s, sub, cb)
}

// Cancel invalidates the active session's cancellation token. Any in-flight
// read resolves without delivering, and no further callback fires for the
// session even if buffered data is still being decoded.
func (c *Client) Cancel() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.cancelled.Store(true)
	s.setState(StateClosed)
	s.cancel()
	c.log.Info("streaming session cancelled", "message_id", s.messageID)
}

func (c *Client) run(s *session, sub Submission, cb Callbacks) error {
	s.setState(StateConnecting)
	resp, err := c.connect(s.ctx, sub)
	if err != nil {
		if s.cancelled.Load() {
			s.setState(StateClosed)
			return ErrCancelled
		}
		s.setState(StateError)
		return err
	}
	defer resp.Body.Close()
	s.setState(StateConnected)

	framing := c.routeProtocol(resp.Header.Get("Content-Type"))
	proc := newProcessor(c.cfg.Router, cb, s.messageID, s.halted, c.log)

	c.log.Info("streaming session connected",
		"message_id", s.messageID,
		"user_id", sub.UserID,
		"session_id", sub.SessionID,
		"content_type", resp.Header.Get("Content-Type"),
	)

	return c.pump(s, resp.Body, framing, proc, cb)
}

// pump is the single cooperative read loop for the session: read a chunk,
// process it synchronously to completion, repeat. Ordering of callbacks
// therefore matches the order content was received.
func (c *Client) pump(s *session, body io.Reader, fr framing, proc *processor, cb Callbacks) error {
	buf := make([]byte, 32*1024)

	for {
		// Cancellation is checked before any further callback can fire.
		if s.halted() {
			return c.finishHalted(s)
		}

		n, err := body.Read(buf)
		if n > 0 {
			payloads, done := fr.Feed(buf[:n])
			for _, payload := range payloads {
				if s.halted() {
					return c.finishHalted(s)
				}
				proc.Process(ParseEvent(payload, c.log))
			}
			if done {
				proc.Finish()
				s.setState(StateIdle)
				return nil
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			for _, payload := range fr.Flush() {
				if s.halted() {
					return c.finishHalted(s)
				}
				proc.Process(ParseEvent(payload, c.log))
			}
			proc.Finish()
			s.setState(StateIdle)
			return nil
		default:
			if s.halted() {
				return c.finishHalted(s)
			}
			// One synthetic error update, then the turn ends. No mid-stream
			// retry: the backend cannot resume a partial turn.
			s.setState(StateError)
			c.log.Error("stream read failed", "message_id", s.messageID, "error", err)
			cb.OnMessageUpdate(MessageUpdate{
				MessageID: s.messageID,
				Content:   "An error occurred while streaming the response.",
				Final:     true,
			})
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

func (c *Client) finishHalted(s *session) error {
	if s.cancelled.Load() {
		s.setState(StateClosed)
		return ErrCancelled
	}
	s.setState(StateClosed)
	return s.ctx.Err()
}

// framing reconstructs discrete event payloads from raw network chunks.
type framing interface {
	Feed(chunk []byte) (payloads [][]byte, done bool)
	Flush() [][]byte
}

// routeProtocol selects the framing once per session from response metadata.
// The two backend deployment modes are wire-incompatible and cannot be told
// apart from the byte stream itself, so the choice is immutable for the
// session's lifetime.
func (c *Client) routeProtocol(contentType string) framing {
	mt := contentType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	if strings.EqualFold(strings.TrimSpace(mt), "text/event-stream") {
		return &lineParser{}
	}
	return newFragmentParser(c.log)
}

// connect performs the initial connection attempt under bounded exponential
// backoff: bounded attempt count and bounded wall-clock budget. Client errors
// (4xx) fail immediately; connection errors and 5xx are retried.
func (c *Client) connect(ctx context.Context, sub Submission) (*http.Response, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if time.Since(start)+delay > c.cfg.Retry.MaxElapsed {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Warn("connection attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.Debug("failed to close error response body", "error", closeErr)
		}
		statusErr := fmt.Errorf("agent backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, statusErr
		}
		lastErr = statusErr
		c.log.Warn("connection attempt rejected", "attempt", attempt+1, "status", resp.StatusCode)
	}

	if lastErr == nil {
		lastErr = errors.New("no connection attempt completed")
	}
	return nil, fmt.Errorf("connect to agent backend: %w", lastErr)
}

// backoff doubles the base delay per attempt, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.Retry.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > c.cfg.Retry.MaxDelay {
		d = c.cfg.Retry.MaxDelay
	}
	return d
}
