package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reservei/backoffice/internal/credstore"
	"github.com/reservei/backoffice/internal/realtime"
	"github.com/reservei/backoffice/internal/session"
	"github.com/reservei/backoffice/pkg/authapi"
	"github.com/reservei/backoffice/pkg/clockx"
	"github.com/reservei/backoffice/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var errUnexpectedCall = errors.New("unexpected backend call")

var testUser = authapi.User{
	ID:    "42",
	Name:  "Dana Agent",
	Email: "dana@example.com",
	Role:  authapi.RoleManager,
}

// fakeBackend answers each endpoint with the matching func field. A nil
// field fails the call.
type fakeBackend struct {
	login           func(context.Context, authapi.LoginRequest) (*authapi.AuthResult, error)
	verifyTwoFactor func(context.Context, authapi.TwoFactorRequest) (*authapi.AuthResult, error)
	register        func(context.Context, authapi.RegisterRequest) (*authapi.AuthResult, error)
	logout          func(context.Context) error
	me              func(context.Context) (*authapi.User, error)
	verifyToken     func(context.Context) (*authapi.User, error)
	refresh         func(context.Context, string) (*authapi.TokenPair, error)
	confirmSetup    func(context.Context, string) error

	logouts   atomic.Int32
	refreshes atomic.Int32
	mes       atomic.Int32
}

func (b *fakeBackend) Login(ctx context.Context, req authapi.LoginRequest) (*authapi.AuthResult, error) {
	if b.login == nil {
		return nil, errUnexpectedCall
	}
	return b.login(ctx, req)
}

func (b *fakeBackend) VerifyTwoFactor(ctx context.Context, req authapi.TwoFactorRequest) (*authapi.AuthResult, error) {
	if b.verifyTwoFactor == nil {
		return nil, errUnexpectedCall
	}
	return b.verifyTwoFactor(ctx, req)
}

func (b *fakeBackend) Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.AuthResult, error) {
	if b.register == nil {
		return nil, errUnexpectedCall
	}
	return b.register(ctx, req)
}

func (b *fakeBackend) Logout(ctx context.Context) error {
	b.logouts.Add(1)
	if b.logout == nil {
		return nil
	}
	return b.logout(ctx)
}

func (b *fakeBackend) Me(ctx context.Context) (*authapi.User, error) {
	b.mes.Add(1)
	if b.me == nil {
		u := testUser
		return &u, nil
	}
	return b.me(ctx)
}

func (b *fakeBackend) VerifyToken(ctx context.Context) (*authapi.User, error) {
	if b.verifyToken == nil {
		return nil, errUnexpectedCall
	}
	return b.verifyToken(ctx)
}

func (b *fakeBackend) Refresh(ctx context.Context, token string) (*authapi.TokenPair, error) {
	b.refreshes.Add(1)
	if b.refresh == nil {
		return nil, errUnexpectedCall
	}
	return b.refresh(ctx, token)
}

func (b *fakeBackend) ForgotPassword(context.Context, string) error { return nil }

func (b *fakeBackend) ResetPassword(context.Context, authapi.ResetPasswordRequest) error {
	return nil
}

func (b *fakeBackend) SetupTwoFactor(context.Context) (*authapi.TwoFactorSetup, error) {
	return &authapi.TwoFactorSetup{ManualEntryKey: "JBSWY3DPEHPK3PXP"}, nil
}

func (b *fakeBackend) ConfirmTwoFactorSetup(ctx context.Context, token string) error {
	if b.confirmSetup == nil {
		return nil
	}
	return b.confirmSetup(ctx, token)
}

func (b *fakeBackend) DisableTwoFactor(context.Context, authapi.DisableTwoFactorRequest) error {
	return nil
}

func (b *fakeBackend) RegenerateBackupCodes(context.Context, authapi.DisableTwoFactorRequest) ([]string, error) {
	return []string{"AAAA1111", "BBBB2222"}, nil
}

// fakeChannel counts lifecycle calls and lets tests publish connection
// state changes.
type fakeChannel struct {
	bus         *realtime.Bus
	connects    atomic.Int32
	disconnects atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{bus: realtime.NewBus(nil)}
}

// Connect and Disconnect publish on the calling goroutine, as
// realtime.Manager does for its synchronous transitions.
func (c *fakeChannel) Connect() {
	c.connects.Add(1)
	c.emit(realtime.ConnectionState{Status: realtime.StatusConnected})
}

func (c *fakeChannel) Disconnect() {
	c.disconnects.Add(1)
	c.emit(realtime.ConnectionState{Status: realtime.StatusDisconnected})
}

func (c *fakeChannel) OnConnectionChange(fn func(realtime.ConnectionState)) *realtime.Subscription {
	return c.bus.OnConnectionChange(fn)
}

func (c *fakeChannel) emit(st realtime.ConnectionState) {
	c.bus.Publish(realtime.Envelope{Topic: realtime.TopicConnectionState, Payload: st, ReceivedAt: time.Now()})
}

// notices records every notice delivered to it.
type notices struct {
	mu   sync.Mutex
	list []session.Notice
}

func (n *notices) Notify(notice session.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, notice)
}

func (n *notices) all() []session.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]session.Notice(nil), n.list...)
}

// snapshots records every snapshot an observer sees.
type snapshots struct {
	mu   sync.Mutex
	list []session.Snapshot
}

func (s *snapshots) observe(snap session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, snap)
}

func (s *snapshots) statuses() []session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Status, 0, len(s.list))
	for _, snap := range s.list {
		out = append(out, snap.Status)
	}
	return out
}

func (s *snapshots) all() []session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Snapshot(nil), s.list...)
}

type harness struct {
	backend  *fakeBackend
	store    *credstore.Store
	channel  *fakeChannel
	clock    *clockx.Fake
	notices  *notices
	observed *snapshots
	ctrl     *session.Controller
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()

	h := &harness{
		backend:  backend,
		store:    credstore.New(credstore.NewMemoryBackend(), slogx.Discard()),
		channel:  newFakeChannel(),
		clock:    clockx.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		notices:  &notices{},
		observed: &snapshots{},
	}
	h.ctrl = session.New(backend, h.store, h.channel, session.Config{
		RequestTimeout:  2 * time.Second,
		RefreshInterval: 15 * time.Minute,
	},
		session.WithClock(h.clock),
		session.WithLogger(slogx.Discard()),
		session.WithNotifier(h.notices),
	)
	unsubscribe := h.ctrl.Subscribe(h.observed.observe)
	t.Cleanup(func() {
		unsubscribe()
		h.ctrl.Close()
	})
	return h
}

// signIn drives the harness to Authenticated with a plain login.
func (h *harness) signIn(t *testing.T) {
	t.Helper()
	h.backend.login = func(context.Context, authapi.LoginRequest) (*authapi.AuthResult, error) {
		u := testUser
		return &authapi.AuthResult{AccessToken: "access-1", RefreshToken: "refresh-1", User: &u}, nil
	}
	_, err := h.ctrl.Login(context.Background(), session.Credentials{Email: testUser.Email, Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, h.ctrl.Snapshot().Status)
}

func authError(msg string) error {
	return &authapi.Error{Kind: authapi.KindAuthentication, StatusCode: http.StatusUnauthorized, Message: msg}
}
