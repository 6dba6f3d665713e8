package session

import "github.com/reservei/backoffice/pkg/authapi"

// Status names a State variant.
type Status string

const (
	StatusAnonymous        Status = "anonymous"
	StatusAuthenticating   Status = "authenticating"
	StatusTwoFactorPending Status = "two_factor_pending"
	StatusAuthenticated    Status = "authenticated"
	StatusRefreshing       Status = "refreshing"
	StatusExpired          Status = "expired"
	StatusSigningOut       Status = "signing_out"
)

// State is the session's position in the authentication lifecycle. The set
// of implementations is closed; only the variants carrying a User are
// signed in, and only TwoFactorPending carries a ticket.
type State interface {
	Status() Status
	state()
}

type Anonymous struct{}

type Authenticating struct{}

// TwoFactorPending waits for the second factor of a login. Ticket is the
// server's handle for the pending login (empty when the backend tracks it by
// Email alone).
type TwoFactorPending struct {
	Ticket string
	Email  string
}

type Authenticated struct {
	User authapi.User
}

// Refreshing is Authenticated with a credential renewal in flight.
type Refreshing struct {
	User authapi.User
}

// Expired is reached when the backend rejects the credential of a signed-in
// session. It behaves like Anonymous but tells the UI to send the user back
// to the login screen.
type Expired struct{}

// SigningOut covers the teardown of a session: the user is already gone from
// the snapshot while the channel closes and the credentials are cleared.
type SigningOut struct{}

func (Anonymous) Status() Status        { return StatusAnonymous }
func (Authenticating) Status() Status   { return StatusAuthenticating }
func (TwoFactorPending) Status() Status { return StatusTwoFactorPending }
func (Authenticated) Status() Status    { return StatusAuthenticated }
func (Refreshing) Status() Status       { return StatusRefreshing }
func (Expired) Status() Status          { return StatusExpired }
func (SigningOut) Status() Status       { return StatusSigningOut }

func (Anonymous) state()        {}
func (Authenticating) state()   {}
func (TwoFactorPending) state() {}
func (Authenticated) state()    {}
func (Refreshing) state()       {}
func (Expired) state()          {}
func (SigningOut) state()       {}

// Snapshot is a read-only copy of the session for observers and the
// permission evaluator. User is non-nil exactly when Status is
// StatusAuthenticated or StatusRefreshing.
type Snapshot struct {
	Status Status
	User   *authapi.User
	Ticket string
}

// SignedIn reports whether the snapshot carries a user.
func (s Snapshot) SignedIn() bool { return s.User != nil }

// Role returns the user's role, or "" when signed out.
func (s Snapshot) Role() authapi.Role {
	if s.User == nil {
		return ""
	}
	return s.User.Role
}

func snapshotOf(st State) Snapshot {
	snap := Snapshot{Status: st.Status()}
	switch v := st.(type) {
	case Authenticated:
		u := v.User
		snap.User = &u
	case Refreshing:
		u := v.User
		snap.User = &u
	case TwoFactorPending:
		snap.Ticket = v.Ticket
	}
	return snap
}

// AnonymousSnapshot is the snapshot of a signed-out session.
func AnonymousSnapshot() Snapshot { return snapshotOf(Anonymous{}) }

// userOf returns the user of a signed-in state.
func userOf(st State) (authapi.User, bool) {
	switch v := st.(type) {
	case Authenticated:
		return v.User, true
	case Refreshing:
		return v.User, true
	}
	return authapi.User{}, false
}
