// Package realtime manages the session's persistent server-push channel:
// connection lifecycle, reconnect with exponential backoff, and fan-out of
// incoming events to in-process subscribers.
package realtime

import "fmt"

// Status is the lifecycle position of the real-time channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Reason explains why the channel left Connected or never got there.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonNetwork: the transport dropped or a dial failed; retries follow.
	ReasonNetwork Reason = "network"
	// ReasonAuthRejected: the server refused the credential. Terminal.
	ReasonAuthRejected Reason = "auth_rejected"
	// ReasonUnauthenticated: no credential was stored. Terminal.
	ReasonUnauthenticated Reason = "unauthenticated"
	// ReasonRetriesExhausted: MaxAttempts consecutive failures. Terminal.
	ReasonRetriesExhausted Reason = "retries_exhausted"
)

// ConnectionState is a snapshot of the channel. Attempt counts consecutive
// failures since the last successful connect or explicit Connect.
type ConnectionState struct {
	Status    Status
	Attempt   int
	Reason    Reason
	LastError error
}

func (s ConnectionState) String() string {
	if s.Reason == ReasonNone {
		return fmt.Sprintf("%s (attempt %d)", s.Status, s.Attempt)
	}
	return fmt.Sprintf("%s (attempt %d, %s)", s.Status, s.Attempt, s.Reason)
}
