package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/reservei/backoffice/pkg/slogx"
)

// newTestServer serves a single handler and returns a client pointed at it.
func newTestServer(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", opts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	t.Run("flat credentials with numeric id", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/api/auth/login", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var body LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "ana@example.com", body.Email)
			require.Equal(t, "s3cret", body.Password)

			writeJSON(w, http.StatusOK, map[string]any{
				"success":      true,
				"token":        "access-1",
				"refreshToken": "refresh-1",
				"user": map[string]any{
					"id": 42, "name": "Ana", "email": "ana@example.com",
					"role": "manager", "status": "active",
				},
			})
		})

		res, err := client.Login(context.Background(), LoginRequest{Email: "ana@example.com", Password: "s3cret"})
		require.NoError(t, err)
		require.False(t, res.RequiresTwoFactor)
		require.Equal(t, "access-1", res.AccessToken)
		require.Equal(t, "refresh-1", res.RefreshToken)
		require.NotNil(t, res.User)
		require.Equal(t, UserID("42"), res.User.ID)
		require.Equal(t, RoleManager, res.User.Role)
	})

	t.Run("enveloped credentials", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"access_token":  "access-2",
					"refresh_token": "refresh-2",
					"user":          map[string]any{"id": "u-1", "role": "admin", "two_factor_enabled": true},
				},
			})
		})

		res, err := client.Login(context.Background(), LoginRequest{Email: "x@example.com", Password: "pw"})
		require.NoError(t, err)
		require.Equal(t, "access-2", res.AccessToken)
		require.Equal(t, "refresh-2", res.RefreshToken)
		require.Equal(t, UserID("u-1"), res.User.ID)
		require.True(t, res.User.TwoFactorEnabled)
	})

	t.Run("two-factor challenge", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":           true,
				"requiresTwoFactor": true,
				"tempToken":         "ticket-9",
				"tempUser":          map[string]any{"email": "bo@example.com"},
			})
		})

		res, err := client.Login(context.Background(), LoginRequest{Email: "BO@example.com", Password: "pw"})
		require.NoError(t, err)
		require.True(t, res.RequiresTwoFactor)
		require.Empty(t, res.AccessToken)
		require.Equal(t, "ticket-9", res.TwoFactorTicket)
		require.Equal(t, "bo@example.com", res.TwoFactorEmail)
	})

	t.Run("challenge without temp user falls back to request email", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "requiresTwoFactor": true})
		})

		res, err := client.Login(context.Background(), LoginRequest{Email: "c@example.com", Password: "pw"})
		require.NoError(t, err)
		require.Equal(t, "c@example.com", res.TwoFactorEmail)
	})

	t.Run("empty success is a server error", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		})

		_, err := client.Login(context.Background(), LoginRequest{Email: "c@example.com", Password: "pw"})
		require.ErrorIs(t, err, ErrServer)
	})
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     any
		header   map[string]string
		sentinel error
		kind     Kind
		code     string
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     map[string]any{"success": false, "message": "Invalid email or password", "code": "AUTH_INVALID_CREDENTIALS"},
			sentinel: ErrAuthentication,
			kind:     KindAuthentication,
			code:     "AUTH_INVALID_CREDENTIALS",
		},
		{
			name:     "forbidden",
			status:   http.StatusForbidden,
			body:     map[string]any{"error": "FORBIDDEN"},
			sentinel: ErrAuthorization,
			kind:     KindAuthorization,
			code:     "FORBIDDEN",
		},
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     map[string]any{"error": map[string]any{"code": "USER_NOT_FOUND", "message": "gone"}},
			sentinel: ErrNotFound,
			kind:     KindNotFound,
			code:     "USER_NOT_FOUND",
		},
		{
			name:     "unprocessable",
			status:   http.StatusUnprocessableEntity,
			body:     map[string]any{"errors": map[string]string{"email": "is invalid"}},
			sentinel: ErrValidation,
			kind:     KindValidation,
		},
		{
			name:     "conflict",
			status:   http.StatusConflict,
			body:     map[string]any{"message": "Email already registered", "code": "EMAIL_ALREADY_EXISTS"},
			sentinel: ErrValidation,
			kind:     KindValidation,
			code:     "EMAIL_ALREADY_EXISTS",
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			header:   map[string]string{"Retry-After": "30"},
			sentinel: ErrRateLimited,
			kind:     KindRateLimit,
		},
		{
			name:     "server",
			status:   http.StatusBadGateway,
			body:     "<html>bad gateway</html>",
			sentinel: ErrServer,
			kind:     KindServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				if s, ok := tt.body.(string); ok {
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, s)
					return
				}
				writeJSON(w, tt.status, tt.body)
			})

			_, err := client.Me(context.Background())
			require.Error(t, err)
			require.ErrorIs(t, err, tt.sentinel)
			require.Equal(t, tt.kind, KindOf(err))

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tt.status, apiErr.StatusCode)
			require.Equal(t, tt.code, apiErr.Code)
			require.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestValidationFields(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Validation failed",
			"code":    "VALIDATION_ERROR",
			"errors": []map[string]any{
				{"param": "email", "msg": "Valid email is required"},
				{"path": "password", "msg": "Password is required"},
				{"field": "name", "message": "Name is required"},
			},
		})
	})

	_, err := client.Register(context.Background(), RegisterRequest{})
	require.ErrorIs(t, err, ErrValidation)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, map[string]string{
		"email":    "Valid email is required",
		"password": "Password is required",
		"name":     "Name is required",
	}, apiErr.FieldMessages())
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Me(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 12*time.Second, apiErr.RetryAfter)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("soon", now))
}

func TestSuccessFalseIsAuthentication(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Invalid refresh token"})
	})

	_, err := client.Refresh(context.Background(), "r")
	require.ErrorIs(t, err, ErrAuthentication)
	require.Contains(t, err.Error(), "Invalid refresh token")
}

func TestNetworkErrors(t *testing.T) {
	t.Parallel()

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()

		_, err := NewClient(base).Me(context.Background())
		require.ErrorIs(t, err, ErrNetwork)
		require.Equal(t, KindNetwork, KindOf(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := client.Logout(ctx)
		require.ErrorIs(t, err, ErrNetwork)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{not json")
		})

		_, err := client.Me(context.Background())
		require.ErrorIs(t, err, ErrServer)
	})
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	var token string
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		if got := r.Header.Get("Authorization"); got != "Bearer access-7" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Access token required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    map[string]any{"id": 7, "email": "x@example.com", "role": "user"},
		})
	},
		WithTokenSource(TokenSourceFunc(func(context.Context) string { return token })),
		WithLogger(slogx.Discard()),
	)

	_, err := client.Me(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)

	token = "access-7"
	user, err := client.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, UserID("7"), user.ID)
}

func TestVerifyToken(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/auth/verify-token", r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true, "valid": true,
				"user": map[string]any{"id": 1, "role": "admin"},
			})
		})

		user, err := client.VerifyToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, RoleAdmin, user.Role)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "valid": false})
		})

		_, err := client.VerifyToken(context.Background())
		require.ErrorIs(t, err, ErrAuthentication)
	})
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh-1", body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": "access-2", "expiresIn": "7d"})
	})

	pair, err := client.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "access-2", pair.AccessToken)
	require.Empty(t, pair.RefreshToken)
}

func TestTwoFactor(t *testing.T) {
	t.Parallel()

	t.Run("verify sends ticket and code", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			var body TwoFactorRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, TwoFactorRequest{Ticket: "t-1", Email: "a@example.com", BackupCode: "ABCD1234"}, body)
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true, "token": "access", "refreshToken": "refresh",
				"user": map[string]any{"id": 3, "role": "user"},
			})
		})

		res, err := client.VerifyTwoFactor(context.Background(), TwoFactorRequest{
			Ticket: "t-1", Email: "a@example.com", BackupCode: "ABCD1234",
		})
		require.NoError(t, err)
		require.Equal(t, "access", res.AccessToken)
	})

	t.Run("setup yields a usable key", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"qrCode":         "data:image/png;base64,AAAA",
					"manualEntryKey": "JBSWY3DPEHPK3PXP",
					"backupCodes":    []string{"AAAA1111", "BBBB2222"},
				},
			})
		})

		setup, err := client.SetupTwoFactor(context.Background())
		require.NoError(t, err)
		require.Len(t, setup.BackupCodes, 2)

		key, err := setup.Key("Back Office", "ana@example.com")
		require.NoError(t, err)
		require.Equal(t, "JBSWY3DPEHPK3PXP", key.Secret())
		require.Equal(t, "Back Office", key.Issuer())
		require.Equal(t, "ana@example.com", key.AccountName())

		code, err := totp.GenerateCode(key.Secret(), time.Now())
		require.NoError(t, err)
		require.True(t, totp.Validate(code, key.Secret()))
	})

	t.Run("setup without secret", func(t *testing.T) {
		t.Parallel()

		_, err := TwoFactorSetup{}.Key("Back Office", "a@example.com")
		require.Error(t, err)
	})

	t.Run("backup codes", func(t *testing.T) {
		t.Parallel()

		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/auth/2fa/backup-codes", r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"backupCodes": []string{"C1", "C2", "C3"}},
			})
		})

		codes, err := client.RegenerateBackupCodes(context.Background(), DisableTwoFactorRequest{Password: "pw", Token: "123456"})
		require.NoError(t, err)
		require.Equal(t, []string{"C1", "C2", "C3"}, codes)
	})
}

func TestIsTicketInvalid(t *testing.T) {
	t.Parallel()

	require.True(t, IsTicketInvalid(&Error{Kind: KindAuthentication, StatusCode: 401, Code: "TWO_FA_TICKET_EXPIRED"}))
	require.True(t, IsTicketInvalid(&Error{Kind: KindNotFound, StatusCode: 404}))
	require.True(t, IsTicketInvalid(&Error{Kind: KindValidation, StatusCode: 410}))
	require.False(t, IsTicketInvalid(&Error{Kind: KindAuthentication, StatusCode: 401, Code: "INVALID_TWO_FA_TOKEN"}))
	require.False(t, IsTicketInvalid(errors.New("boom")))
}
