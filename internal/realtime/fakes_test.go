package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reservei/backoffice/pkg/clockx"
)

var errNetDown = errors.New("network down")

type staticTokens struct {
	mu    sync.Mutex
	token string
}

func (s *staticTokens) AccessToken(context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *staticTokens) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

type fakeConn struct {
	frames chan Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan Frame, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return Frame{}, err
	case <-c.closed:
		return Frame{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

// fakeDialer hands out fakeConns, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	failErr error
	tokens  []string
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if d.failErr != nil {
		return nil, d.failErr
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recorder collects connection states from the bus and the observer.
type recorder struct {
	mu        sync.Mutex
	published []ConnectionState
	observed  []ConnectionState
}

func (r *recorder) onPublished(st ConnectionState) {
	r.mu.Lock()
	r.published = append(r.published, st)
	r.mu.Unlock()
}

func (r *recorder) onObserved(st ConnectionState) {
	r.mu.Lock()
	r.observed = append(r.observed, st)
	r.mu.Unlock()
}

func (r *recorder) publishedStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.published))
	for _, st := range r.published {
		out = append(out, st.Status)
	}
	return out
}

func (r *recorder) observedStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.observed))
	for _, st := range r.observed {
		out = append(out, st.Status)
	}
	return out
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	tokens *staticTokens
	clock  *clockx.Fake
	rec    *recorder
}

const testBase = 100 * time.Millisecond

func newHarness(token string) *harness {
	h := &harness{
		dialer: &fakeDialer{},
		tokens: &staticTokens{token: token},
		clock:  clockx.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		rec:    &recorder{},
	}
	h.m = New(Config{
		BaseDelay:   testBase,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
	}, h.dialer, h.tokens, WithClock(h.clock), WithObserver(h.rec.onObserved))
	h.m.Bus().OnConnectionChange(h.rec.onPublished)
	return h
}
