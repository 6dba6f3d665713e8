package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAuthRejected marks a dial or read failure caused by the server refusing
// the credential. The Manager does not retry these.
var ErrAuthRejected = errors.New("realtime: credential rejected")

// Server -> client events.
const (
	EventNotification     = "notification"
	EventUserStatusUpdate = "user_status_update"
	EventRealTimeUpdate   = "real_time_update"
	EventError            = "error"
)

// Client -> server events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventUserStatus  = "user_status"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// Close codes the server uses to refuse a credential after the handshake.
var authCloseCodes = map[int]bool{
	websocket.ClosePolicyViolation: true,
	4001:                           true,
	4401:                           true,
	4403:                           true,
}

// Frame is the wire unit in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data as the payload of event.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// errorFrame is the payload of EventError.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// authError reports whether f is a server error frame refusing the
// credential, and wraps it as ErrAuthRejected.
func authError(f Frame) error {
	if f.Event != EventError {
		return nil
	}
	var ef errorFrame
	if err := json.Unmarshal(f.Data, &ef); err != nil || ef.Type != "auth" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAuthRejected, ef.Message)
}

// Conn is an established channel. ReadFrame is called from one goroutine;
// WriteFrame and Close may be called concurrently with it.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens a channel authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
	maxFrameSize      = 1 << 20
)

// WebSocketDialer dials the real-time endpoint with gorilla/websocket. The
// token is sent both as the "token" query parameter and as a bearer header.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// NewWebSocketDialer returns a dialer for rawURL (ws:// or wss://).
func NewWebSocketDialer(rawURL string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:        rawURL,
		Dialer:     websocket.DefaultDialer,
		WriteWait:  defaultWriteWait,
		PongWait:   defaultPongWait,
		PingPeriod: defaultPingPeriod,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	c := &wsConn{
		ws:        ws,
		writeWait: d.WriteWait,
		pongWait:  d.PongWait,
		done:      make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.pingLoop(d.PingPeriod)
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, classifyReadError(err)
		}

		var f Frame
		if err := json.Unmarshal(bytes.TrimSpace(data), &f); err != nil || f.Event == "" {
			// not one of ours; skip it
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				return
			}
		}
	}
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && authCloseCodes[ce.Code] {
		return fmt.Errorf("%w: close %d %s", ErrAuthRejected, ce.Code, ce.Text)
	}
	return fmt.Errorf("realtime: read: %w", err)
}
