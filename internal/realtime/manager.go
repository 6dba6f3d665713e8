package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/reservei/backoffice/pkg/clockx"
	"github.com/reservei/backoffice/pkg/slogx"
)

// TokenSource supplies the current access credential. It is read on every
// dial, never cached.
type TokenSource interface {
	AccessToken(ctx context.Context) string
}

// Observer is told about every state transition, including the per-attempt
// Connecting/Reconnecting ones that are not published on the bus.
type Observer func(ConnectionState)

// Config tunes the reconnect policy.
type Config struct {
	// BaseDelay is the wait before the first retry; each further retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before giving up.
	MaxAttempts int
	// DialTimeout bounds one dial.
	DialTimeout time.Duration
	// TypingRate and TypingBurst throttle typing_start signals.
	TypingRate  rate.Limit
	TypingBurst int
}

// DefaultConfig returns the production reconnect policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		DialTimeout: 10 * time.Second,
		TypingRate:  rate.Every(time.Second),
		TypingBurst: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(def.MaxDelay, c.BaseDelay)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.TypingRate <= 0 {
		c.TypingRate = def.TypingRate
	}
	if c.TypingBurst <= 0 {
		c.TypingBurst = def.TypingBurst
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clockx.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

// Manager owns the single real-time channel of a session: it dials with the
// stored credential, reconnects with exponential backoff after drops and
// fans incoming events out to Bus subscribers.
//
// The public API never returns errors; outcomes are observable through
// State and TopicConnectionState.
type Manager struct {
	cfg      Config
	dialer   Dialer
	tokens   TokenSource
	clock    clockx.Clock
	logger   *slog.Logger
	bus      *Bus
	observer Observer
	typing   *rate.Limiter

	mu         sync.Mutex
	state      ConnectionState
	generation uint64
	conn       Conn
	cancelDial context.CancelFunc
	retry      clockx.Timer
	backoff    *backoff.ExponentialBackOff
}

// New creates a Manager in StatusDisconnected.
func New(cfg Config, dialer Dialer, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		tokens: tokens,
		clock:  clockx.Real(),
		state:  ConnectionState{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = slogx.OrDiscard(m.logger).With("component", "realtime")
	m.bus = NewBus(m.logger)
	m.typing = rate.NewLimiter(m.cfg.TypingRate, m.cfg.TypingBurst)

	m.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         m.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               m.clock,
	}
	m.backoff.Reset()
	return m
}

// Bus returns the event bus subscribers register on.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe registers h for topic. See Bus.Subscribe.
func (m *Manager) Subscribe(topic Topic, h Handler) *Subscription {
	return m.bus.Subscribe(topic, h)
}

// OnConnectionChange subscribes fn to published connection events.
func (m *Manager) OnConnectionChange(fn func(ConnectionState)) *Subscription {
	return m.bus.OnConnectionChange(fn)
}

// State returns the current connection snapshot.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is open.
func (m *Manager) IsConnected() bool {
	return m.State().Status == StatusConnected
}

// Connect opens the channel asynchronously. It is a no-op while Connected or
// Connecting. From any other state it resets the attempt counter, cancels a
// pending retry and dials with the credential stored right now. Without a
// credential the channel goes straight to StatusFailed.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state.Status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	token := m.tokens.AccessToken(context.Background())

	m.mu.Lock()
	switch m.state.Status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.stopRetryLocked()
	m.backoff.Reset()

	if token == "" {
		st := m.setLocked(ConnectionState{Status: StatusFailed, Reason: ReasonUnauthenticated})
		m.mu.Unlock()
		m.logger.Warn("connect requested without a stored credential")
		m.notify(st, true)
		return
	}

	st := m.setLocked(ConnectionState{Status: StatusConnecting})
	m.mu.Unlock()
	m.notify(st, false)

	go m.dial(gen, token)
}

// Disconnect closes the channel and cancels any pending retry. It is a no-op
// when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state.Status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.backoff.Reset()
	st := m.setLocked(ConnectionState{Status: StatusDisconnected})
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("real-time channel disconnected")
	m.notify(st, true)
}

// JoinRoom subscribes the connection to a server-side room.
func (m *Manager) JoinRoom(room string) {
	m.send(EventJoinRoom, map[string]string{"room": room})
}

// LeaveRoom leaves a server-side room.
func (m *Manager) LeaveRoom(room string) {
	m.send(EventLeaveRoom, map[string]string{"room": room})
}

// SetUserStatus announces the user's presence (online, away, busy...).
func (m *Manager) SetUserStatus(status string) {
	m.send(EventUserStatus, map[string]string{"status": status})
}

// TypingStart signals that the user is typing in room. Signals above the
// configured rate are dropped.
func (m *Manager) TypingStart(room string) {
	if !m.IsConnected() || !m.typing.Allow() {
		return
	}
	m.send(EventTypingStart, map[string]string{"room": room})
}

// TypingStop signals that the user stopped typing in room.
func (m *Manager) TypingStop(room string) {
	m.send(EventTypingStop, map[string]string{"room": room})
}

// send writes a client event when connected and silently drops it otherwise.
func (m *Manager) send(event string, data any) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.Status == StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	frame, err := NewFrame(event, data)
	if err != nil {
		m.logger.Error("failed to encode client event", "event", event, "error", err)
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		// the read loop notices the broken connection and reconnects
		m.logger.Debug("failed to write client event", "event", event, "error", err)
	}
}

// dial performs one attempt for generation gen and, on success, starts the
// read loop.
func (m *Manager) dial(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, token)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		st, publish := m.failLocked(gen, err)
		m.mu.Unlock()
		m.notify(st, publish)
		return
	}

	m.conn = conn
	m.backoff.Reset()
	st := m.setLocked(ConnectionState{Status: StatusConnected})
	m.mu.Unlock()

	m.logger.Info("real-time channel connected")
	m.notify(st, true)

	go m.readLoop(gen, conn)
}

// readLoop dispatches frames in receipt order until the connection drops.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err == nil {
			err = authError(frame)
		}
		if err != nil {
			m.dropped(gen, conn, err)
			return
		}

		if !m.current(gen) {
			return
		}

		m.dispatch(gen, frame)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

// dispatch hands f to subscribers while gen is current, so once Disconnect
// returns no further handler is started for a frame of the old connection.
// A handler already running is not interrupted.
func (m *Manager) dispatch(gen uint64, f Frame) {
	var topic Topic
	switch f.Event {
	case EventNotification:
		topic = TopicNotification
	case EventUserStatusUpdate:
		topic = TopicUserStatus
	case EventRealTimeUpdate:
		topic = TopicRealTimeUpdate
	default:
		m.logger.Debug("ignoring unknown server event", "event", f.Event)
		return
	}

	payload := f.Data
	if payload == nil {
		payload = json.RawMessage("null")
	}
	m.bus.publishWhile(Envelope{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: m.clock.Now(),
	}, func() bool { return m.current(gen) })
}

func (m *Manager) dropped(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	st, publish := m.failLocked(gen, err)
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn("real-time channel dropped", "error", err)
	m.notify(st, publish)
}

// failLocked applies the failure policy to a dial or read error and reports
// the new state and whether it goes on the bus.
func (m *Manager) failLocked(gen uint64, err error) (ConnectionState, bool) {
	if errors.Is(err, ErrAuthRejected) {
		st := m.setLocked(ConnectionState{
			Status:    StatusFailed,
			Attempt:   m.state.Attempt,
			Reason:    ReasonAuthRejected,
			LastError: err,
		})
		m.logger.Warn("real-time channel rejected the credential", "error", err)
		return st, true
	}

	attempt := m.state.Attempt + 1
	if attempt > m.cfg.MaxAttempts {
		st := m.setLocked(ConnectionState{
			Status:    StatusFailed,
			Attempt:   m.state.Attempt,
			Reason:    ReasonRetriesExhausted,
			LastError: err,
		})
		m.logger.Error("real-time reconnect attempts exhausted", "attempts", m.state.Attempt, "error", err)
		return st, true
	}

	delay := m.backoff.NextBackOff()
	st := m.setLocked(ConnectionState{
		Status:    StatusReconnecting,
		Attempt:   attempt,
		Reason:    ReasonNetwork,
		LastError: err,
	})
	m.retry = m.clock.AfterFunc(delay, func() { m.retryNow(gen) })
	m.logger.Debug("real-time reconnect scheduled", "attempt", attempt, "delay", delay.String(), "error", err)

	// only the start of a retry cycle is published
	return st, attempt == 1
}

// retryNow fires a scheduled retry. It runs on the timer's goroutine and
// dials synchronously.
func (m *Manager) retryNow(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	token := m.tokens.AccessToken(context.Background())

	m.mu.Lock()
	if gen != m.generation || m.state.Status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	if token == "" {
		st := m.setLocked(ConnectionState{Status: StatusFailed, Attempt: m.state.Attempt, Reason: ReasonUnauthenticated})
		m.mu.Unlock()
		m.logger.Warn("reconnect skipped, credential was cleared")
		m.notify(st, true)
		return
	}
	st := m.setLocked(ConnectionState{
		Status:    StatusConnecting,
		Attempt:   m.state.Attempt,
		LastError: m.state.LastError,
	})
	m.mu.Unlock()
	m.notify(st, false)

	m.dial(gen, token)
}

func (m *Manager) setLocked(st ConnectionState) ConnectionState {
	m.state = st
	return st
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// notify reports st to the observer and, when publish is set, to
// TopicConnectionState subscribers. Never called with mu held.
func (m *Manager) notify(st ConnectionState, publish bool) {
	m.logger.Debug("real-time state changed", "status", st.Status, "attempt", st.Attempt, "reason", st.Reason)
	if m.observer != nil {
		m.observer(st)
	}
	if publish {
		m.bus.Publish(Envelope{
			Topic:      TopicConnectionState,
			Payload:    st,
			ReceivedAt: m.clock.Now(),
		})
	}
}
