package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Error Kinds
// ============================================================================

// Kind classifies a failed backend call. Every error returned by Client is an
// *Error carrying exactly one Kind.
type Kind string

const (
	// KindAuthentication: missing, bad or expired credential (401, or a 2xx
	// envelope with success=false). Forces logout when already signed in.
	KindAuthentication Kind = "authentication"

	// KindAuthorization: the credential is valid but lacks permission (403).
	KindAuthorization Kind = "authorization"

	// KindValidation: field-level input problems (400/422), recoverable by
	// correcting the input.
	KindValidation Kind = "validation"

	// KindNotFound: the resource does not exist (404).
	KindNotFound Kind = "not_found"

	// KindRateLimit: too many requests (429).
	KindRateLimit Kind = "rate_limit"

	// KindServer: 5xx or a malformed response body.
	KindServer Kind = "server"

	// KindNetwork: the request never produced a response (dial failure,
	// reset, timeout, cancelled context).
	KindNetwork Kind = "network"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrAuthentication = errors.New("authapi: authentication failed")
	ErrAuthorization  = errors.New("authapi: permission denied")
	ErrValidation     = errors.New("authapi: validation failed")
	ErrNotFound       = errors.New("authapi: not found")
	ErrRateLimited    = errors.New("authapi: rate limited")
	ErrServer         = errors.New("authapi: server error")
	ErrNetwork        = errors.New("authapi: network unavailable")
)

var kindSentinels = map[Kind]error{
	KindAuthentication: ErrAuthentication,
	KindAuthorization:  ErrAuthorization,
	KindValidation:     ErrValidation,
	KindNotFound:       ErrNotFound,
	KindRateLimit:      ErrRateLimited,
	KindServer:         ErrServer,
	KindNetwork:        ErrNetwork,
}

// ============================================================================
// Error
// ============================================================================

// Error is a classified backend failure.
type Error struct {
	Kind Kind

	// StatusCode is the HTTP status, or 0 for network failures.
	StatusCode int

	// Code is the backend's machine-readable error code when it sent one
	// (e.g. "INVALID_TWO_FA_TOKEN").
	Code string

	// Message is the backend's human-readable message, or a generic one.
	Message string

	// Fields holds per-field validation messages.
	Fields []FieldError

	// RetryAfter is parsed from the Retry-After header on 429 responses.
	RetryAfter time.Duration

	// Err is the underlying transport error for KindNetwork.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// FieldMessages flattens Fields into a field -> message map.
func (e *Error) FieldMessages() map[string]string {
	if len(e.Fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = f.Message
	}
	return out
}

// KindOf returns the Kind of err. Context deadline and cancellation errors
// that never reached the client are reported as KindNetwork. It returns ""
// for nil and for errors unrelated to the backend.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return ""
}

// FieldError is one per-field validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both {field, message} and the express-validator
// shape {param|path, msg}.
func (f *FieldError) UnmarshalJSON(b []byte) error {
	var raw struct {
		Field   string `json:"field"`
		Param   string `json:"param"`
		Path    string `json:"path"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	f.Field = firstNonEmpty(raw.Field, raw.Path, raw.Param)
	f.Message = firstNonEmpty(raw.Message, raw.Msg)
	return nil
}

// fieldErrors decodes either an array of FieldError or a {field: message}
// object.
type fieldErrors []FieldError

func (fe *fieldErrors) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		for field, msg := range m {
			*fe = append(*fe, FieldError{Field: field, Message: msg})
		}
		return nil
	}

	var list []FieldError
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*fe = list
	return nil
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// errorBody covers the error shapes the back-office API emits: the uniform
// envelope plus the legacy {error: code|{code,message}} form.
type errorBody struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Error   json.RawMessage `json:"error"`
	Errors  fieldErrors     `json:"errors"`
}

func (b errorBody) codeAndMessage() (string, string) {
	code, msg := b.Code, b.Message

	raw := bytes.TrimSpace(b.Error)
	if len(raw) == 0 {
		return code, msg
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if code == "" {
			code = s
		}
		return code, msg
	}

	var nested struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		code = firstNonEmpty(code, nested.Code)
		msg = firstNonEmpty(msg, nested.Message)
	}
	return code, msg
}

// parseErrorResponse converts a non-2xx response into a classified *Error.
func parseErrorResponse(resp *http.Response, body []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb) // best effort; status alone still classifies

	code, msg := eb.codeAndMessage()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &Error{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    msg,
		Fields:     eb.Errors,
	}
	if e.Kind == KindRateLimit {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// rejectedError builds the error for a 2xx envelope carrying success=false.
func rejectedError(status int, eb errorBody) *Error {
	code, msg := eb.codeAndMessage()
	if msg == "" {
		msg = "request rejected"
	}
	return &Error{
		Kind:       KindAuthentication,
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Fields:     eb.Errors,
	}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "backend unreachable", Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	default:
		return KindServer
	}
}

// parseRetryAfter reads either delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
