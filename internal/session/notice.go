package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/reservei/backoffice/pkg/authapi"
)

// Notice is a user-facing message produced for one classified failure.
type Notice struct {
	Kind    authapi.Kind
	Message string
	// Fields holds per-field messages for validation failures.
	Fields map[string]string
	// RetryAfter is set for rate-limit notices when the backend sent a hint.
	RetryAfter time.Duration
	// RedirectToLogin is set when the session was ended by the failure.
	RedirectToLogin bool
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger. It is the default when no UI is
// attached.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notice) {
	attrs := []any{"kind", n.Kind, "redirect_to_login", n.RedirectToLogin}
	if len(n.Fields) > 0 {
		attrs = append(attrs, "fields", n.Fields)
	}
	if n.RetryAfter > 0 {
		attrs = append(attrs, "retry_after", n.RetryAfter.String())
	}
	l.Logger.Warn(n.Message, attrs...)
}

// noticeFor classifies err. ok is false for errors that are not backend
// failures (in-flight rejections, stale results).
func noticeFor(err error) (Notice, bool) {
	kind := authapi.KindOf(err)
	if kind == "" {
		return Notice{}, false
	}

	n := Notice{Kind: kind, Message: defaultMessages[kind]}
	var apiErr *authapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" && kind != authapi.KindServer && kind != authapi.KindNetwork {
			n.Message = apiErr.Message
		}
		n.Fields = apiErr.FieldMessages()
		n.RetryAfter = apiErr.RetryAfter
	}
	return n, true
}

var defaultMessages = map[authapi.Kind]string{
	authapi.KindAuthentication: "Your session has ended. Please sign in again.",
	authapi.KindAuthorization:  "You do not have permission to perform this action.",
	authapi.KindValidation:     "Please correct the highlighted fields.",
	authapi.KindNotFound:       "The requested item was not found.",
	authapi.KindRateLimit:      "Too many requests. Please wait a moment and try again.",
	authapi.KindServer:         "Something went wrong on our side. Please try again later.",
	authapi.KindNetwork:        "Unable to reach the server. Check your connection.",
}
