package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/reservei/backoffice/pkg/clockx"
	"github.com/reservei/backoffice/pkg/jwtx"
	"github.com/reservei/backoffice/pkg/slogx"
)

// DefaultRefreshInterval is how often an authenticated session renews its
// access credential.
const DefaultRefreshInterval = 15 * time.Minute

// Refresher renews the session credential.
type Refresher interface {
	RefreshToken(ctx context.Context) error
}

// SchedulerConfig tunes the Scheduler.
type SchedulerConfig struct {
	Interval time.Duration

	// FromExpiry, when set, fires lead before the access token's exp claim
	// if that comes sooner than Interval. Opaque tokens fall back to
	// Interval.
	FromExpiry bool
	Lead       time.Duration
}

// Scheduler periodically refreshes the credential of an authenticated
// session. At most one timer is armed; a failed refresh stops it.
type Scheduler struct {
	refresher Refresher
	tokens    TokenReader
	clock     clockx.Clock
	logger    *slog.Logger
	cfg       SchedulerConfig

	mu         sync.Mutex
	running    bool
	generation uint64
	timer      clockx.Timer
}

// TokenReader exposes the current access token to the Scheduler.
type TokenReader interface {
	AccessToken(ctx context.Context) string
}

// NewScheduler creates a stopped Scheduler. tokens is only consulted when
// cfg.FromExpiry is set and may be nil otherwise.
func NewScheduler(r Refresher, tokens TokenReader, cfg SchedulerConfig, clock clockx.Clock, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRefreshInterval
	}
	if cfg.Lead <= 0 {
		cfg.Lead = time.Minute
	}
	if clock == nil {
		clock = clockx.Real()
	}
	return &Scheduler{
		refresher: r,
		tokens:    tokens,
		clock:     clock,
		logger:    slogx.OrDiscard(logger).With("component", "refresh_scheduler"),
		cfg:       cfg,
	}
}

// Start arms the timer. Calling Start on a running Scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.generation++
	s.armLocked()
	s.logger.Debug("token refresh scheduler started")
}

// Stop disarms the timer. It never waits for an in-flight refresh.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.stopLocked()
	s.logger.Debug("token refresh scheduler stopped")
}

// Running reports whether a timer is armed or a refresh is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) stopLocked() {
	s.running = false
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) armLocked() {
	delay := s.cfg.Interval
	if s.cfg.FromExpiry && s.tokens != nil {
		token := s.tokens.AccessToken(context.Background())
		delay = jwtx.RefreshDelay(token, s.clock.Now(), s.cfg.Lead, s.cfg.Interval)
	}

	gen := s.generation
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	err := s.refresher.RefreshToken(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || !s.running {
		return
	}

	switch {
	case err == nil, errors.Is(err, ErrOperationInProgress):
		s.armLocked()
	default:
		s.logger.Warn("scheduled token refresh failed, stopping scheduler", "error", err)
		s.stopLocked()
	}
}
