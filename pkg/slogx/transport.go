package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/reservei/backoffice/pkg/idx"
)

// Transport is an http.RoundTripper that stamps outbound requests with an
// X-Request-ID and logs each exchange. Bodies and headers other than the
// request ID are never logged, so bearer tokens stay out of the logs.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: OrDiscard(logger)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := req.Header.Get("X-Request-ID")
	if reqID == "" {
		if reqID = RequestID(req.Context()); reqID == "" {
			reqID = idx.New().String()
		}
		req = req.Clone(req.Context())
		req.Header.Set("X-Request-ID", reqID)
	}

	logger := t.Logger.With(
		"req_id", reqID,
		"method", req.Method,
		"path", req.URL.Path,
	)

	resp, err := t.Base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http request failed", "duration_ms", duration, "error", err)
		return nil, err
	}

	logger.Debug("http_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
