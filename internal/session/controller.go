package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reservei/backoffice/internal/realtime"
	"github.com/reservei/backoffice/pkg/authapi"
	"github.com/reservei/backoffice/pkg/clockx"
	"github.com/reservei/backoffice/pkg/idx"
	"github.com/reservei/backoffice/pkg/slogx"
)

var (
	// ErrOperationInProgress rejects a call that would overlap another
	// session-changing operation.
	ErrOperationInProgress = errors.New("session: operation in progress")
	// ErrSessionChanged is returned when the session was logged out while a
	// backend call was in flight; the call's result was discarded.
	ErrSessionChanged = errors.New("session: session changed during operation")
	ErrInvalidState   = errors.New("session: operation not allowed in current state")
	ErrNotSignedIn    = errors.New("session: not signed in")
)

// DefaultRequestTimeout bounds every backend call made by the Controller.
const DefaultRequestTimeout = 15 * time.Second

// ============================================================================
// Dependencies
// ============================================================================

// Backend is the authentication REST API. *authapi.Client implements it.
type Backend interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.AuthResult, error)
	VerifyTwoFactor(ctx context.Context, req authapi.TwoFactorRequest) (*authapi.AuthResult, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.AuthResult, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*authapi.User, error)
	VerifyToken(ctx context.Context) (*authapi.User, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.TokenPair, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, req authapi.ResetPasswordRequest) error

	SetupTwoFactor(ctx context.Context) (*authapi.TwoFactorSetup, error)
	ConfirmTwoFactorSetup(ctx context.Context, token string) error
	DisableTwoFactor(ctx context.Context, req authapi.DisableTwoFactorRequest) error
	RegenerateBackupCodes(ctx context.Context, req authapi.DisableTwoFactorRequest) ([]string, error)
}

// CredentialStore persists the session's token pair. *credstore.Store
// implements it.
type CredentialStore interface {
	Save(ctx context.Context, accessToken, refreshToken string) error
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	HasAccess(ctx context.Context) bool
	Clear(ctx context.Context) error
}

// Channel is the real-time connection. *realtime.Manager implements it.
// Connect and Disconnect are never called with the session lock held, so a
// connection subscriber may read the Controller. It must not call Logout on
// the delivering goroutine.
type Channel interface {
	Connect()
	Disconnect()
	OnConnectionChange(fn func(realtime.ConnectionState)) *realtime.Subscription
}

// ============================================================================
// Configuration
// ============================================================================

type Config struct {
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	// RefreshFromExpiry schedules the next refresh RefreshLead before the
	// access token's exp claim when that is sooner than RefreshInterval.
	RefreshFromExpiry bool
	RefreshLead       time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:  DefaultRequestTimeout,
		RefreshInterval: DefaultRefreshInterval,
		RefreshLead:     time.Minute,
	}
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

func WithClock(clock clockx.Clock) Option { return func(c *Controller) { c.clock = clock } }

// ============================================================================
// Controller
// ============================================================================

// Credentials are the first login factor.
type Credentials struct {
	Email    string
	Password string
}

// TwoFactorCode is the second login factor. Exactly one field is set.
type TwoFactorCode struct {
	Token      string
	BackupCode string
}

// LoginResult describes a completed Login or Register call. User is nil
// when TwoFactorRequired is set.
type LoginResult struct {
	TwoFactorRequired bool
	User              *authapi.User
}

type observer struct {
	fn     func(Snapshot)
	active atomic.Bool
}

// Controller owns the authentication state machine. It persists credentials
// through a CredentialStore, keeps them fresh with a Scheduler and opens the
// real-time Channel once a user is signed in.
//
// Session-changing operations are serialised: a call that would overlap
// another returns ErrOperationInProgress. Logout and forced expiry always
// proceed and invalidate whatever is in flight.
type Controller struct {
	backend   Backend
	store     CredentialStore
	channel   Channel
	scheduler *Scheduler
	cfg       Config
	clock     clockx.Clock
	logger    *slog.Logger
	notifier  Notifier

	// chanMu orders Connect and Disconnect calls. It is never acquired
	// while mu is held, so channel subscribers may read the session.
	chanMu sync.Mutex

	mu         sync.Mutex
	state      State
	epoch      uint64
	opSeq      uint64
	inflight   uint64
	logoutDone chan struct{} // non-nil while a Logout is running
	closed     bool
	observers  []*observer
	channelSub *realtime.Subscription

	// queue holds committed snapshots not yet delivered. One goroutine
	// drains it at a time so observers see commits in order.
	queue    []Snapshot
	draining bool
}

// New creates a Controller in the Anonymous state.
func New(backend Backend, store CredentialStore, channel Channel, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = def.RefreshLead
	}

	c := &Controller{
		backend: backend,
		store:   store,
		channel: channel,
		cfg:     cfg,
		state:   Anonymous{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clockx.Real()
	}
	c.logger = slogx.OrDiscard(c.logger).With("component", "session")
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}

	c.scheduler = NewScheduler(c, store, SchedulerConfig{
		Interval:   cfg.RefreshInterval,
		FromExpiry: cfg.RefreshFromExpiry,
		Lead:       cfg.RefreshLead,
	}, c.clock, c.logger)
	c.channelSub = channel.OnConnectionChange(c.onConnectionChange)
	return c
}

// Snapshot returns a consistent copy of the current session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshotOf(c.state)
}

// Subscribe registers fn for every committed state change, in commit order.
// fn runs outside the session lock, so it may call back into the Controller.
// The returned function unregisters fn and may be called repeatedly.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	o := &observer{fn: fn}
	o.active.Store(true)

	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()

	return func() {
		if !o.active.CompareAndSwap(true, false) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if i := slices.Index(c.observers, o); i >= 0 {
			c.observers = slices.Delete(c.observers, i, i+1)
		}
	}
}

// Close stops background work without clearing credentials, so the session
// can be restored by the next process.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.scheduler.Stop()
	c.channelSub.Unsubscribe()
	c.mu.Unlock()

	c.disconnect()
}

// ============================================================================
// Login / Two-factor / Register
// ============================================================================

// Login starts a session from Anonymous or Expired. When the account needs a
// second factor the session moves to TwoFactorPending and nothing is
// persisted; VerifyTwoFactor completes it.
func (c *Controller) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	c.mu.Lock()
	op, epoch, err := c.beginLocked()
	if err != nil {
		c.mu.Unlock()
		return LoginResult{}, err
	}
	if !signedOut(c.state) {
		st := c.state.Status()
		c.finishLocked(op)
		c.mu.Unlock()
		return LoginResult{}, fmt.Errorf("%w: login while %s", ErrInvalidState, st)
	}
	c.commitLocked(Authenticating{})
	c.unlock()
	defer c.finish(op)

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	res, err := c.backend.Login(ctx, authapi.LoginRequest{Email: creds.Email, Password: creds.Password})
	if err != nil {
		return LoginResult{}, c.abort(epoch, err)
	}

	if res.RequiresTwoFactor {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return LoginResult{}, ErrSessionChanged
		}
		c.commitLocked(TwoFactorPending{Ticket: res.TwoFactorTicket, Email: res.TwoFactorEmail})
		c.unlock()
		c.logger.Info("login awaiting second factor", "email", res.TwoFactorEmail)
		return LoginResult{TwoFactorRequired: true}, nil
	}

	user, err := c.establish(ctx, epoch, res)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: &user}, nil
}

// VerifyTwoFactor completes a pending login. A wrong code leaves the session
// pending so the user can retry; an expired or unknown ticket returns it to
// Anonymous.
func (c *Controller) VerifyTwoFactor(ctx context.Context, code TwoFactorCode) (LoginResult, error) {
	if (code.Token == "") == (code.BackupCode == "") {
		err := &authapi.Error{
			Kind:    authapi.KindValidation,
			Message: "Enter either an authenticator code or a backup code.",
		}
		c.notify(err, false)
		return LoginResult{}, err
	}

	c.mu.Lock()
	op, epoch, err := c.beginLocked()
	if err != nil {
		c.mu.Unlock()
		return LoginResult{}, err
	}
	pending, ok := c.state.(TwoFactorPending)
	if !ok {
		st := c.state.Status()
		c.finishLocked(op)
		c.mu.Unlock()
		return LoginResult{}, fmt.Errorf("%w: two-factor verification while %s", ErrInvalidState, st)
	}
	c.mu.Unlock()
	defer c.finish(op)

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	res, err := c.backend.VerifyTwoFactor(ctx, authapi.TwoFactorRequest{
		Ticket:     pending.Ticket,
		Email:      pending.Email,
		Token:      code.Token,
		BackupCode: code.BackupCode,
	})
	if err != nil {
		if authapi.IsTicketInvalid(err) {
			return LoginResult{}, c.abort(epoch, err)
		}

		c.mu.Lock()
		stale := c.epoch != epoch
		c.mu.Unlock()
		if stale {
			return LoginResult{}, ErrSessionChanged
		}
		c.notify(err, false)
		return LoginResult{}, err
	}

	user, err := c.establish(ctx, epoch, res)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: &user}, nil
}

// Register creates an account. When the backend signs the new user in, the
// session becomes Authenticated exactly as after Login; otherwise it stays
// Anonymous and the created profile is returned.
func (c *Controller) Register(ctx context.Context, req authapi.RegisterRequest) (LoginResult, error) {
	c.mu.Lock()
	op, epoch, err := c.beginLocked()
	if err != nil {
		c.mu.Unlock()
		return LoginResult{}, err
	}
	if !signedOut(c.state) {
		st := c.state.Status()
		c.finishLocked(op)
		c.mu.Unlock()
		return LoginResult{}, fmt.Errorf("%w: register while %s", ErrInvalidState, st)
	}
	c.commitLocked(Authenticating{})
	c.unlock()
	defer c.finish(op)

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	res, err := c.backend.Register(ctx, req)
	if err != nil {
		return LoginResult{}, c.abort(epoch, err)
	}

	if res.AccessToken == "" {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return LoginResult{}, ErrSessionChanged
		}
		c.commitLocked(Anonymous{})
		c.unlock()
		return LoginResult{User: res.User}, nil
	}

	user, err := c.establish(ctx, epoch, res)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: &user}, nil
}

// establish persists a full credential set and signs the user in: the
// credentials are saved, the user committed, the scheduler started and the
// channel connected, in that order.
func (c *Controller) establish(ctx context.Context, epoch uint64, res *authapi.AuthResult) (authapi.User, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return authapi.User{}, ErrSessionChanged
	}
	if err := c.store.Save(ctx, res.AccessToken, res.RefreshToken); err != nil {
		c.commitLocked(Anonymous{})
		c.unlock()
		c.logger.Error("failed to persist credentials", "error", err)
		return authapi.User{}, fmt.Errorf("persist credentials: %w", err)
	}
	if res.User != nil {
		user := *res.User
		c.signInLocked(user)
		c.unlock()
		c.connect(epoch)
		return user, nil
	}
	c.mu.Unlock()

	// The backend did not echo the profile; fetch it with the new bearer.
	user, err := c.backend.Me(ctx)
	if err != nil {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return authapi.User{}, ErrSessionChanged
		}
		c.clearLocked(ctx)
		c.commitLocked(Anonymous{})
		c.unlock()
		c.notify(err, false)
		return authapi.User{}, err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return authapi.User{}, ErrSessionChanged
	}
	c.signInLocked(*user)
	c.unlock()
	c.connect(epoch)
	return *user, nil
}

// signInLocked commits the user and starts the scheduler. The caller opens
// the channel with connect once mu is released.
func (c *Controller) signInLocked(user authapi.User) {
	c.commitLocked(Authenticated{User: user})
	c.scheduler.Start()
	c.logger.Info("user signed in", "user_id", string(user.ID), "role", string(user.Role))
}

// ============================================================================
// Restore / Refresh / Logout
// ============================================================================

// RestoreSession resumes a session from stored credentials. It does nothing
// unless the session is Anonymous with an access credential on file. A
// credential the backend no longer accepts is cleared.
func (c *Controller) RestoreSession(ctx context.Context) error {
	c.mu.Lock()
	if _, ok := c.state.(Anonymous); !ok || c.closed {
		c.mu.Unlock()
		return nil
	}
	op, epoch, err := c.beginLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.store.HasAccess(ctx) {
		c.finishLocked(op)
		c.mu.Unlock()
		return nil
	}
	c.commitLocked(Authenticating{})
	c.unlock()
	defer c.finish(op)

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	user, err := c.restore(ctx)
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrSessionChanged
	}
	if err != nil {
		c.clearLocked(ctx)
		c.commitLocked(Anonymous{})
		c.unlock()
		c.logger.Info("stored session could not be restored", "error", err)
		return err
	}
	c.signInLocked(*user)
	c.unlock()
	c.connect(epoch)
	return nil
}

func (c *Controller) restore(ctx context.Context) (*authapi.User, error) {
	if _, err := c.backend.VerifyToken(ctx); err != nil {
		return nil, fmt.Errorf("verify stored token: %w", err)
	}
	user, err := c.backend.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return user, nil
}

// RefreshToken renews the access credential of an Authenticated session.
// Any failure ends the session: credentials are cleared, the channel is
// closed and the session returns to Anonymous.
func (c *Controller) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	op, epoch, err := c.beginLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	current, ok := c.state.(Authenticated)
	if !ok {
		c.finishLocked(op)
		c.mu.Unlock()
		return ErrNotSignedIn
	}
	c.commitLocked(Refreshing{User: current.User})
	c.unlock()
	defer c.finish(op)

	refresh := c.store.RefreshToken(ctx)
	if refresh == "" {
		return c.signOut(ctx, epoch, &authapi.Error{
			Kind:    authapi.KindAuthentication,
			Message: "no refresh token is stored",
		})
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	pair, err := c.backend.Refresh(reqCtx, refresh)
	if err != nil {
		return c.signOut(ctx, epoch, err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refresh
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrSessionChanged
	}
	if err := c.store.Save(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to persist refreshed credentials", "error", err)
		return c.signOut(ctx, epoch, fmt.Errorf("persist credentials: %w", err))
	}
	c.commitLocked(Authenticated{User: current.User})
	c.unlock()
	c.connect(epoch)
	c.logger.Debug("access token refreshed")
	return nil
}

// signOut ends a session whose credential could not be renewed.
func (c *Controller) signOut(ctx context.Context, epoch uint64, cause error) error {
	if !c.teardown(ctx, epoch, Anonymous{}) {
		return ErrSessionChanged
	}

	c.logger.Warn("token refresh failed, session ended", "error", cause)
	c.notify(cause, true)
	return cause
}

// Logout ends the session from any state. The backend is told on a best
// effort basis; its failure is logged and never prevents the local logout.
// Operations in flight are invalidated. The session reads SigningOut from
// the first step until the credentials are cleared. A call that overlaps a
// running Logout waits for it to finish, or for ctx to end.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if done := c.logoutDone; done != nil {
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.logoutDone = done
	c.epoch++
	c.opSeq++
	op := c.opSeq
	c.inflight = op
	c.scheduler.Stop()
	c.commitLocked(SigningOut{})
	c.unlock()

	c.disconnect()

	if c.store.HasAccess(ctx) {
		reqCtx, cancel := c.requestContext(ctx)
		if err := c.backend.Logout(reqCtx); err != nil {
			slogx.FromContext(reqCtx).Warn("server-side logout failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	err := c.store.Clear(ctx)
	c.commitLocked(Anonymous{})
	c.logoutDone = nil
	close(done)
	c.finishLocked(op)
	c.unlock()

	if err != nil {
		c.logger.Error("failed to clear credentials", "error", err)
		return fmt.Errorf("clear credentials: %w", err)
	}
	c.logger.Info("user signed out")
	return nil
}

// OnForeground renews the credential when the host regains visibility.
func (c *Controller) OnForeground(ctx context.Context) error {
	if c.Snapshot().Status != StatusAuthenticated {
		return nil
	}
	err := c.RefreshToken(ctx)
	if errors.Is(err, ErrOperationInProgress) || errors.Is(err, ErrNotSignedIn) {
		return nil
	}
	return err
}

// ============================================================================
// Profile and account management
// ============================================================================

// ReloadProfile refetches the signed-in user's profile.
func (c *Controller) ReloadProfile(ctx context.Context) (authapi.User, error) {
	c.mu.Lock()
	if _, ok := userOf(c.state); !ok {
		c.mu.Unlock()
		return authapi.User{}, ErrNotSignedIn
	}
	epoch := c.epoch
	c.mu.Unlock()

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	user, err := c.backend.Me(ctx)
	if err != nil {
		c.ReportError(err)
		return authapi.User{}, err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return authapi.User{}, ErrSessionChanged
	}
	switch c.state.(type) {
	case Authenticated:
		c.commitLocked(Authenticated{User: *user})
	case Refreshing:
		c.commitLocked(Refreshing{User: *user})
	}
	c.unlock()
	return *user, nil
}

// SetupTwoFactor starts two-factor enrolment for the signed-in user.
func (c *Controller) SetupTwoFactor(ctx context.Context) (*authapi.TwoFactorSetup, error) {
	if !c.Snapshot().SignedIn() {
		return nil, ErrNotSignedIn
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	setup, err := c.backend.SetupTwoFactor(ctx)
	if err != nil {
		c.ReportError(err)
		return nil, err
	}
	return setup, nil
}

// ConfirmTwoFactorSetup activates two-factor authentication with a first
// code from the authenticator and reloads the profile.
func (c *Controller) ConfirmTwoFactorSetup(ctx context.Context, token string) error {
	if !c.Snapshot().SignedIn() {
		return ErrNotSignedIn
	}
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.backend.ConfirmTwoFactorSetup(ctx, token)
	}); err != nil {
		return err
	}
	c.reloadAfterChange(ctx)
	return nil
}

// DisableTwoFactor turns two-factor authentication off and reloads the
// profile.
func (c *Controller) DisableTwoFactor(ctx context.Context, req authapi.DisableTwoFactorRequest) error {
	if !c.Snapshot().SignedIn() {
		return ErrNotSignedIn
	}
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.backend.DisableTwoFactor(ctx, req)
	}); err != nil {
		return err
	}
	c.reloadAfterChange(ctx)
	return nil
}

// RegenerateBackupCodes replaces the user's backup codes.
func (c *Controller) RegenerateBackupCodes(ctx context.Context, req authapi.DisableTwoFactorRequest) ([]string, error) {
	if !c.Snapshot().SignedIn() {
		return nil, ErrNotSignedIn
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	codes, err := c.backend.RegenerateBackupCodes(ctx, req)
	if err != nil {
		c.ReportError(err)
		return nil, err
	}
	return codes, nil
}

// ForgotPassword requests a password reset mail. It needs no session.
func (c *Controller) ForgotPassword(ctx context.Context, email string) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.backend.ForgotPassword(ctx, email)
	})
}

// ResetPassword sets a new password from a reset link token.
func (c *Controller) ResetPassword(ctx context.Context, req authapi.ResetPasswordRequest) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.backend.ResetPassword(ctx, req)
	})
}

func (c *Controller) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	if err := fn(ctx); err != nil {
		c.ReportError(err)
		return err
	}
	return nil
}

func (c *Controller) reloadAfterChange(ctx context.Context) {
	if _, err := c.ReloadProfile(ctx); err != nil && !errors.Is(err, ErrNotSignedIn) {
		c.logger.Warn("failed to reload profile", "error", err)
	}
}

// ============================================================================
// Error reporting
// ============================================================================

// ReportError classifies a failure from any backend call made on behalf of
// the session and emits one notice. An authentication failure while signed
// in means the credential is dead: the session is ended as Expired and the
// notice asks the UI to return to the login screen.
func (c *Controller) ReportError(err error) {
	if err == nil {
		return
	}
	if authapi.KindOf(err) != authapi.KindAuthentication {
		c.notify(err, false)
		return
	}

	c.mu.Lock()
	_, ok := userOf(c.state)
	epoch := c.epoch
	c.mu.Unlock()
	if !ok || !c.teardown(context.Background(), epoch, Expired{}) {
		c.notify(err, false)
		return
	}

	c.logger.Warn("session expired", "error", err)
	c.notify(err, true)
}

func (c *Controller) notify(err error, redirect bool) {
	n, ok := noticeFor(err)
	if !ok {
		return
	}
	n.RedirectToLogin = redirect
	c.notifier.Notify(n)
}

// onConnectionChange runs on the channel's goroutine, sometimes while the
// caller holds c.mu, so it never locks.
func (c *Controller) onConnectionChange(st realtime.ConnectionState) {
	if st.Status == realtime.StatusFailed && st.Reason == realtime.ReasonAuthRejected {
		go c.recoverChannel()
	}
}

// recoverChannel renews the credential after the channel rejected it. A
// successful refresh reconnects the channel.
func (c *Controller) recoverChannel() {
	if c.Snapshot().Status != StatusAuthenticated {
		return
	}
	c.logger.Info("real-time channel rejected credential, refreshing")
	if err := c.RefreshToken(context.Background()); err != nil && !errors.Is(err, ErrOperationInProgress) {
		c.logger.Warn("credential refresh after channel rejection failed", "error", err)
	}
}

// ============================================================================
// Internals
// ============================================================================

func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if slogx.RequestID(ctx) == "" {
		ctx = slogx.WithRequestID(slogx.WithContext(ctx, c.logger), idx.New().String())
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// connect opens the channel unless the session moved on since epoch.
func (c *Controller) connect(epoch uint64) {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()

	c.mu.Lock()
	current := c.epoch == epoch && !c.closed
	c.mu.Unlock()
	if current {
		c.channel.Connect()
	}
}

func (c *Controller) disconnect() {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	c.channel.Disconnect()
}

// teardown ends the signed-in session of epoch without a backend call:
// the session shows SigningOut while the channel closes, then the
// credentials are cleared and final is committed. It reports false when
// the session had already moved on.
func (c *Controller) teardown(ctx context.Context, epoch uint64, final State) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.epoch++
	epoch = c.epoch
	c.scheduler.Stop()
	c.commitLocked(SigningOut{})
	c.unlock()

	c.disconnect()

	c.mu.Lock()
	if c.epoch != epoch {
		// a Logout took over and finishes the job
		c.mu.Unlock()
		return true
	}
	c.clearLocked(ctx)
	c.commitLocked(final)
	c.unlock()
	return true
}

// beginLocked marks a session-changing operation in flight.
func (c *Controller) beginLocked() (op, epoch uint64, err error) {
	if c.inflight != 0 {
		return 0, 0, ErrOperationInProgress
	}
	c.opSeq++
	c.inflight = c.opSeq
	return c.opSeq, c.epoch, nil
}

func (c *Controller) finishLocked(op uint64) {
	if c.inflight == op {
		c.inflight = 0
	}
}

func (c *Controller) finish(op uint64) {
	c.mu.Lock()
	c.finishLocked(op)
	c.mu.Unlock()
}

// abort returns a failed login-like operation to Anonymous.
func (c *Controller) abort(epoch uint64, err error) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrSessionChanged
	}
	c.commitLocked(Anonymous{})
	c.unlock()

	c.notify(err, false)
	return err
}

func (c *Controller) clearLocked(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", "error", err)
	}
}

func (c *Controller) commitLocked(st State) {
	c.state = st
	c.queue = append(c.queue, snapshotOf(st))
}

// unlock releases c.mu and delivers the snapshots committed while it was
// held, unless another goroutine is already delivering.
func (c *Controller) unlock() {
	if c.draining || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for {
		batch := c.queue
		c.queue = nil
		observers := slices.Clone(c.observers)
		c.mu.Unlock()

		for _, snap := range batch {
			for _, o := range observers {
				if o.active.Load() {
					c.deliver(o, snap)
				}
			}
		}

		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
	}
}

func (c *Controller) deliver(o *observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session observer panicked", "status", snap.Status, "panic", r)
		}
	}()
	o.fn(snap)
}

func signedOut(st State) bool {
	switch st.(type) {
	case Anonymous, Expired:
		return true
	}
	return false
}
