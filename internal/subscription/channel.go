// Package subscription maintains the execution subscription channel: one
// long-lived websocket per signed-in session over which the backend
// announces trigger executions. The channel owns its health checks and its
// reconnect policy; transport failures never leave this package as task
// errors.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/p-blackswan/taskpilot/internal/clock"
	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/metrics"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// State is the connection state of the channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "disconnected"
	}
}

// Config holds channel configuration.
type Config struct {
	URL       string
	SessionID string
	Enabled   bool

	PingInterval     time.Duration
	PongTimeout      time.Duration
	Debounce         time.Duration
	BaseDelay        time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PingInterval:     2 * time.Minute,
		PongTimeout:      10 * time.Second,
		Debounce:         3 * time.Second,
		BaseDelay:        time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Credentials supplies the session's auth token.
type Credentials interface {
	AuthToken(ctx context.Context) (string, error)
}

// Handler receives what the channel delivers. Calls are made from the
// channel's reader goroutine and should not block.
type Handler interface {
	ExecutionCreated(ctx context.Context, ev ExecutionCreated)
	ExecutionUpdated(ctx context.Context, ev ExecutionUpdated)
	// Surfaced is called when the channel stops trying: an authentication
	// failure or exhausted reconnect attempts.
	Surfaced(err error)
}

// Invalidator drops cached trigger configuration for a project.
type Invalidator interface {
	Invalidate(projectID string)
}

// Options are the channel's collaborators.
type Options struct {
	Credentials Credentials
	Handler     Handler
	Reporter    trigger.Reporter
	Cache       Invalidator
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// ErrGaveUp is surfaced once reconnect attempts are exhausted.
var ErrGaveUp = errors.New("subscription reconnect attempts exhausted")

// Channel is the execution subscription channel.
type Channel struct {
	cfg      Config
	creds    Credentials
	handler  Handler
	reporter trigger.Reporter
	cache    Invalidator
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   zerolog.Logger

	state atomic.Int32

	mu           sync.Mutex
	ctx          context.Context
	conn         *websocket.Conn
	gen          uint64 // bumped whenever conn is replaced or dropped
	attempts     int
	authFailed   bool
	closed       bool
	pingTimer    clock.Timer
	pongTimer    clock.Timer
	retryTimer   clock.Timer
	awaitingPong bool

	writeMu sync.Mutex
	bg      conc.WaitGroup
}

// New creates a channel. Nothing connects until Start.
func New(cfg Config, opts Options) *Channel {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Channel{
		cfg:      cfg,
		creds:    opts.Credentials,
		handler:  opts.Handler,
		reporter: opts.Reporter,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.With().Str("component", "subscription").Logger(),
		ctx:      context.Background(),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// AuthFailed reports whether the channel stopped because of an auth failure.
func (c *Channel) AuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

// Health maps the channel state onto a readiness status. A disabled channel
// is healthy.
func (c *Channel) Health(context.Context) health.Status {
	if !c.cfg.Enabled {
		return health.StatusOK
	}
	switch c.State() {
	case StateConnected:
		return health.StatusOK
	case StateDisconnected:
		return health.StatusDown
	default:
		return health.StatusDegraded
	}
}

// Start records ctx as the channel's lifetime and opens the connection.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.closed = false
	c.mu.Unlock()
	return c.connect()
}

// Reconnect force-closes any connection and opens a fresh one immediately,
// resetting the backoff state and any auth-failed flag.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	c.attempts = 0
	c.authFailed = false
	c.closed = false
	c.stopTimersLocked()
	c.stopRetryLocked()
	conn := c.dropConnLocked()
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn, websocket.CloseNormalClosure, "reconnect")
	}
	c.setState(StateDisconnected)
	c.logger.Info().Msg("manual reconnect")
	return c.connect()
}

// Close shuts the channel down for good.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopTimersLocked()
	c.stopRetryLocked()
	conn := c.dropConnLocked()
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn, websocket.CloseNormalClosure, "")
	}
	c.setState(StateDisconnected)
	c.bg.Wait()
	return nil
}

// connect opens the socket unless one is already open or opening. A dial
// overtaken by Reconnect or Close (the generation moved on) is discarded.
func (c *Channel) connect() error {
	if !c.cfg.Enabled {
		return perrors.ErrChannelDisabled
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil || c.State() == StateConnecting {
		c.mu.Unlock()
		c.logger.Debug().Msg("connect suppressed, already connecting or open")
		return nil
	}
	if c.authFailed {
		c.mu.Unlock()
		return perrors.ErrAuthFailure
	}
	ctx := c.ctx
	dialGen := c.gen
	c.setState(StateConnecting)
	c.mu.Unlock()

	token, err := c.token(ctx)
	if err != nil {
		if c.superseded(dialGen) {
			return nil
		}
		c.mu.Lock()
		c.authFailed = true
		c.mu.Unlock()
		c.setState(StateDisconnected)
		c.surface(err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if c.superseded(dialGen) {
			c.logger.Debug().Err(err).Msg("stale dial failed")
			return nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.mu.Lock()
			c.authFailed = true
			c.mu.Unlock()
			c.setState(StateDisconnected)
			authErr := fmt.Errorf("%w: handshake status %d", perrors.ErrAuthFailure, resp.StatusCode)
			c.surface(authErr)
			return authErr
		}
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("subscription dial failed")
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("subscription dial: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.gen != dialGen {
		c.mu.Unlock()
		conn.Close()
		c.logger.Debug().Msg("stale dial discarded")
		return nil
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	if err := c.write(conn, frame{Type: TypeSubscribe, SessionID: c.cfg.SessionID, AuthToken: token}); err != nil {
		c.logger.Warn().Err(err).Msg("subscribe handshake failed")
		c.handleClose(gen, websocket.CloseAbnormalClosure, err.Error())
		return fmt.Errorf("subscribe handshake: %w", err)
	}

	c.setState(StateConnected)
	c.mu.Lock()
	c.armPingLocked(gen)
	c.mu.Unlock()
	c.logger.Info().Str("url", c.cfg.URL).Msg("subscription channel open")

	c.bg.Go(func() { c.readLoop(conn, gen) })
	return nil
}

func (c *Channel) superseded(dialGen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.gen != dialGen
}

func (c *Channel) token(ctx context.Context) (string, error) {
	if c.creds == nil {
		return "", fmt.Errorf("%w: no credentials", perrors.ErrAuthFailure)
	}
	tok, err := c.creds.AuthToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", perrors.ErrAuthFailure, err)
	}
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", perrors.ErrAuthFailure)
	}
	return tok, nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code, text := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, text = ce.Code, ce.Text
			}
			c.handleClose(gen, code, text)
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn().Err(err).Msg("subscription parse error")
			continue
		}
		c.dispatch(conn, gen, f)
	}
}

func (c *Channel) dispatch(conn *websocket.Conn, gen uint64, f frame) {
	ctx := c.context()
	switch f.Type {
	case TypeConnected:
		c.setState(StateConnected)
	case TypePong, TypeHeartbeat:
		c.mu.Lock()
		if gen == c.gen {
			c.awaitingPong = false
			if c.pongTimer != nil {
				c.pongTimer.Stop()
				c.pongTimer = nil
			}
		}
		c.mu.Unlock()
		c.setState(StateConnected)
	case TypeExecutionCreated:
		if err := c.write(conn, frame{Type: TypeAck, ExecutionID: f.ExecutionID}); err != nil {
			c.logger.Warn().Err(err).Str("execution_id", f.ExecutionID).Msg("ack failed")
		}
		c.logger.Info().
			Str("execution_id", f.ExecutionID).
			Str("trigger", f.TriggerName).
			Str("project_id", f.ProjectID).
			Msg("execution created")
		if c.reporter != nil {
			id := f.ExecutionID
			c.bg.Go(func() {
				if err := c.reporter.UpdateExecution(ctx, id, trigger.ExecutionRunning, ""); err != nil {
					c.logger.Warn().Err(err).Str("execution_id", id).Msg("mark execution running failed")
				}
			})
		}
		if c.handler != nil {
			ev := ExecutionCreated{
				ExecutionID:  f.ExecutionID,
				TriggerID:    f.TriggerID,
				TriggerName:  f.TriggerName,
				TriggerType:  f.TriggerType,
				TaskPrompt:   f.TaskPrompt,
				ProjectID:    f.ProjectID,
				InputPayload: f.InputPayload,
			}
			if f.Timestamp != nil {
				ev.Timestamp = *f.Timestamp
			} else {
				ev.Timestamp = c.clock.Now()
			}
			c.handler.ExecutionCreated(ctx, ev)
		}
	case TypeExecutionUpdated:
		l := c.logger.Info()
		if f.Status == string(trigger.ExecutionFailed) {
			l = c.logger.Warn()
		}
		l.Str("execution_id", f.ExecutionID).Str("status", f.Status).Str("error", f.Error).Msg("execution updated")
		if c.handler != nil {
			c.handler.ExecutionUpdated(ctx, ExecutionUpdated{ExecutionID: f.ExecutionID, Status: f.Status, Error: f.Error})
		}
	case TypeTriggerActivated:
		if c.cache != nil {
			c.cache.Invalidate(f.ProjectID)
		}
		c.logger.Debug().Str("project_id", f.ProjectID).Msg("trigger activated")
	case TypeProjectCreated:
		c.logger.Info().Str("project_id", f.ProjectID).Msg("project created upstream")
	case TypeError:
		msg := f.Message
		if msg == "" {
			msg = f.Error
		}
		c.logger.Warn().Str("message", msg).Msg("subscription error")
		if isAuthText(msg) {
			c.mu.Lock()
			c.authFailed = true
			c.mu.Unlock()
			c.closeConn(conn, ClosePolicyViolation, msg)
		}
	default:
		c.logger.Debug().Str("type", f.Type).Msg("unhandled subscription message")
	}
}

// handleClose applies the close policy for the connection of generation gen.
func (c *Channel) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.dropConnLocked()
	c.stopTimersLocked()
	closed := c.closed
	auth := c.authFailed || isAuthClose(code, reason)
	if auth {
		c.authFailed = true
	}
	c.mu.Unlock()

	conn.Close()
	c.setState(StateDisconnected)
	if closed {
		return
	}

	log := c.logger.Warn().Int("code", code).Str("reason", reason)
	if auth {
		log.Msg("subscription closed by auth failure, not reconnecting")
		if c.metrics != nil {
			c.metrics.RecordReconnect("auth_failed")
		}
		c.surface(fmt.Errorf("%w: close %d %s", perrors.ErrAuthFailure, code, reason))
		return
	}
	log.Msg("subscription closed")

	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked (re)starts the debounce window. When it elapses
// the next backoff step is scheduled.
func (c *Channel) scheduleReconnectLocked() {
	if c.closed || c.authFailed {
		return
	}
	c.stopRetryLocked()
	c.retryTimer = c.clock.AfterFunc(c.cfg.Debounce, c.afterDebounce)
}

func (c *Channel) afterDebounce() {
	c.mu.Lock()
	if c.closed || c.authFailed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.retryTimer = nil
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error().Int("attempts", attempts).Msg("giving up on subscription channel")
		if c.metrics != nil {
			c.metrics.RecordReconnect("gave_up")
		}
		c.surface(ErrGaveUp)
		return
	}
	delay := c.Backoff(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordReconnect("attempt")
		}
		c.logger.Info().Int("attempt", attempt).Msg("reconnecting subscription channel")
		_ = c.connect()
	})
	c.mu.Unlock()
}

// Backoff returns BaseDelay * 2^attempt.
func (c *Channel) Backoff(attempt int) time.Duration {
	return time.Duration(float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt)))
}

func (c *Channel) armPingLocked(gen uint64) {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
}

func (c *Channel) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.awaitingPong = true
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = c.clock.AfterFunc(c.cfg.PongTimeout, func() { c.missedPong(gen) })
	c.armPingLocked(gen)
	c.mu.Unlock()

	if err := c.write(conn, frame{Type: TypePing}); err != nil {
		c.logger.Warn().Err(err).Msg("ping failed")
	}
}

func (c *Channel) missedPong(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen || !c.awaitingPong
	c.pongTimer = nil
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Warn().Dur("timeout", c.cfg.PongTimeout).Msg("pong missed, channel unhealthy")
	c.setState(StateUnhealthy)
}

func (c *Channel) write(conn *websocket.Conn, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Channel) closeConn(conn *websocket.Conn, code int, reason string) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

// dropConnLocked detaches the current connection so its reader's close is
// ignored.
func (c *Channel) dropConnLocked() *websocket.Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	c.awaitingPong = false
	return conn
}

func (c *Channel) stopTimersLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Channel) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if c.metrics != nil {
		c.metrics.SetSubscriptionState(int(s))
	}
	if prev != s {
		c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("subscription state")
	}
}

func (c *Channel) surface(err error) {
	if c.handler != nil {
		c.handler.Surfaced(err)
	}
}

func (c *Channel) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
