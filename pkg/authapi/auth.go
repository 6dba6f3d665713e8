package authapi

import (
	"context"
	"errors"
	"net/http"
)

// Login exchanges email and password for credentials, or for a pending
// second-factor challenge when the account has two-factor enabled.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &res); err != nil {
		return nil, err
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	if res.RequiresTwoFactor && res.TwoFactorEmail == "" {
		res.TwoFactorEmail = req.Email
	}
	return &res, nil
}

// VerifyTwoFactor completes a pending login with a TOTP code or a backup code.
func (c *Client) VerifyTwoFactor(ctx context.Context, req TwoFactorRequest) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/2fa/verify", req, &res); err != nil {
		return nil, err
	}
	if res.RequiresTwoFactor || res.AccessToken == "" {
		return nil, &Error{Kind: KindServer, StatusCode: http.StatusOK, Message: "two-factor verification returned no credentials"}
	}
	return &res, nil
}

// Register creates an account. Backends that sign the new user in return
// credentials; others return only the profile.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Logout revokes the current session server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me returns the profile of the bearer.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var res userPayload
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &res); err != nil {
		return nil, err
	}
	if res.User == nil {
		return nil, &Error{Kind: KindServer, StatusCode: http.StatusOK, Message: "profile missing from response"}
	}
	return res.User, nil
}

// VerifyToken checks that the bearer is still valid. A response with
// valid=false is reported as an authentication error.
func (c *Client) VerifyToken(ctx context.Context) (*User, error) {
	var res userPayload
	if err := c.do(ctx, http.MethodGet, "/auth/verify-token", nil, &res); err != nil {
		return nil, err
	}
	if res.Valid != nil && !*res.Valid {
		return nil, &Error{Kind: KindAuthentication, StatusCode: http.StatusOK, Message: "token is no longer valid"}
	}
	return res.User, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body := struct {
		RefreshToken string `json:"refreshToken"`
	}{refreshToken}

	var res TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, &res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, &Error{Kind: KindAuthentication, StatusCode: http.StatusOK, Message: "refresh returned no access token"}
	}
	return &res, nil
}

// ForgotPassword asks the backend to mail a reset link. The backend answers
// identically whether or not the address exists.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	body := struct {
		Email string `json:"email"`
	}{email}
	return c.do(ctx, http.MethodPost, "/auth/forgot-password", body, nil)
}

// ResetPassword sets a new password using the token from the reset link.
func (c *Client) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	return c.do(ctx, http.MethodPost, "/auth/reset-password", req, nil)
}

// IsTicketInvalid reports whether err means the pending two-factor ticket
// itself is gone (expired, consumed or unknown) rather than the code being
// wrong.
func IsTicketInvalid(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case "TWO_FA_TICKET_EXPIRED", "TWO_FA_TICKET_INVALID", "INVALID_TEMP_TOKEN", "USER_NOT_FOUND":
		return true
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
}

func (r *AuthResult) validate() error {
	if r.RequiresTwoFactor || r.AccessToken != "" {
		return nil
	}
	return &Error{Kind: KindServer, StatusCode: http.StatusOK, Message: "login returned neither credentials nor a two-factor challenge"}
}
