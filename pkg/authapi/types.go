package authapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pquerna/otp"
)

// ============================================================================
// Users
// ============================================================================

// Role is a user's back-office role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// UserID is a user identifier. The backend emits numeric IDs from some
// endpoints and strings from others; both decode to the same value.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("authapi: user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// User is an immutable profile snapshot of the signed-in user.
type User struct {
	ID               UserID `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	Role             Role   `json:"role"`
	Status           string `json:"status"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	var raw struct {
		plain
		TwoFactorSnake *bool `json:"two_factor_enabled"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = User(raw.plain)
	if raw.TwoFactorSnake != nil {
		u.TwoFactorEnabled = *raw.TwoFactorSnake
	}
	return nil
}

// userPayload decodes {user: {...}} as returned by /auth/me and
// /auth/verify-token.
type userPayload struct {
	Valid *bool `json:"valid"`
	User  *User `json:"user"`
}

// ============================================================================
// Login / Register
// ============================================================================

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role,omitempty"`
}

// AuthResult is the outcome of a login-like call. Either RequiresTwoFactor
// is set (and no tokens are present), or AccessToken is.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	User         *User

	RequiresTwoFactor bool
	// TwoFactorTicket is the opaque server-side reference that must accompany
	// the second factor. Backends that track the pending login by email leave
	// it empty.
	TwoFactorTicket string
	// TwoFactorEmail is the account the pending second factor belongs to.
	TwoFactorEmail string
}

func (r *AuthResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		Token            string `json:"token"`
		AccessToken      string `json:"accessToken"`
		AccessTokenSnake string `json:"access_token"`

		RefreshToken      string `json:"refreshToken"`
		RefreshTokenSnake string `json:"refresh_token"`

		User *User `json:"user"`

		RequiresTwoFactor bool   `json:"requiresTwoFactor"`
		TempToken         string `json:"tempToken"`
		Ticket            string `json:"ticket"`
		TempUser          *struct {
			Email string `json:"email"`
		} `json:"tempUser"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*r = AuthResult{
		AccessToken:       firstNonEmpty(raw.AccessToken, raw.Token, raw.AccessTokenSnake),
		RefreshToken:      firstNonEmpty(raw.RefreshToken, raw.RefreshTokenSnake),
		User:              raw.User,
		RequiresTwoFactor: raw.RequiresTwoFactor,
		TwoFactorTicket:   firstNonEmpty(raw.TempToken, raw.Ticket),
	}
	if raw.TempUser != nil {
		r.TwoFactorEmail = raw.TempUser.Email
	}
	return nil
}

// TwoFactorRequest is the body of POST /auth/2fa/verify. Exactly one of
// Token (6-digit TOTP) and BackupCode (8 characters) is set.
type TwoFactorRequest struct {
	Ticket     string `json:"tempToken,omitempty"`
	Email      string `json:"email,omitempty"`
	Token      string `json:"token,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// ============================================================================
// Refresh
// ============================================================================

// TokenPair is the result of POST /auth/refresh. RefreshToken is empty when
// the backend did not rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (p *TokenPair) UnmarshalJSON(b []byte) error {
	var res AuthResult
	if err := json.Unmarshal(b, &res); err != nil {
		return err
	}
	p.AccessToken = res.AccessToken
	p.RefreshToken = res.RefreshToken
	return nil
}

// ============================================================================
// Two-factor management
// ============================================================================

// TwoFactorSetup is returned by POST /auth/2fa/setup.
type TwoFactorSetup struct {
	// QRCode is a data: URL of the provisioning QR image.
	QRCode         string   `json:"qrCode"`
	ManualEntryKey string   `json:"manualEntryKey"`
	OTPAuthURL     string   `json:"otpauthUrl"`
	BackupCodes    []string `json:"backupCodes"`
}

// Key returns the provisioning key. When the backend only sent the base32
// secret, an otpauth URL is built for issuer/account.
func (s TwoFactorSetup) Key(issuer, account string) (*otp.Key, error) {
	raw := s.OTPAuthURL
	if raw == "" {
		if s.ManualEntryKey == "" {
			return nil, fmt.Errorf("authapi: two-factor setup carries no secret")
		}
		v := url.Values{}
		v.Set("secret", s.ManualEntryKey)
		v.Set("issuer", issuer)
		v.Set("algorithm", "SHA1")
		v.Set("digits", strconv.Itoa(6))
		v.Set("period", strconv.Itoa(30))
		u := url.URL{
			Scheme:   "otpauth",
			Host:     "totp",
			Path:     "/" + issuer + ":" + account,
			RawQuery: v.Encode(),
		}
		raw = u.String()
	}

	key, err := otp.NewKeyFromURL(raw)
	if err != nil {
		return nil, fmt.Errorf("authapi: parse otpauth url: %w", err)
	}
	return key, nil
}

// ConfirmTwoFactorRequest is the body of POST /auth/2fa/verify-setup.
type ConfirmTwoFactorRequest struct {
	Token string `json:"token"`
}

// DisableTwoFactorRequest is the body of POST /auth/2fa/disable and
// POST /auth/2fa/backup-codes.
type DisableTwoFactorRequest struct {
	Password   string `json:"password"`
	Token      string `json:"token,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

type backupCodesPayload struct {
	BackupCodes []string `json:"backupCodes"`
}

// ============================================================================
// Password recovery
// ============================================================================

// ResetPasswordRequest is the body of POST /auth/reset-password.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}
