package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 1 << 20

// envelope is the uniform response wrapper. Payloads live in Data; older
// endpoints put them at the top level instead, which decodeEnvelope falls
// back to.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// do sends a JSON request and decodes the response payload into out.
// in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authapi: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("authapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		if token := c.Tokens.AccessToken(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	return decodeEnvelope(resp, out)
}

// decodeEnvelope classifies resp and, on success, decodes its payload into
// out.
func decodeEnvelope(resp *http.Response, out any) error {
	defer resp.Body.Close()

	// Read body once for both error parsing and success decoding
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return networkError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(resp, bodyBytes)
	}

	bodyBytes = bytes.TrimSpace(bodyBytes)
	if len(bodyBytes) == 0 {
		return nil
	}

	var eb errorBody
	if err := json.Unmarshal(bodyBytes, &eb); err != nil {
		return malformed(resp.StatusCode, err)
	}
	if eb.Success != nil && !*eb.Success {
		return rejectedError(resp.StatusCode, eb)
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return malformed(resp.StatusCode, err)
	}

	payload := bodyBytes
	if data := bytes.TrimSpace(env.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		payload = data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return malformed(resp.StatusCode, err)
	}
	return nil
}

func malformed(status int, err error) *Error {
	return &Error{
		Kind:       KindServer,
		StatusCode: status,
		Message:    "malformed response",
		Err:        err,
	}
}
