package authapi

import (
	"context"
	"net/http"
)

// SetupTwoFactor starts enrolment for the bearer. Two-factor stays disabled
// until ConfirmTwoFactorSetup succeeds.
func (c *Client) SetupTwoFactor(ctx context.Context) (*TwoFactorSetup, error) {
	var res TwoFactorSetup
	if err := c.do(ctx, http.MethodPost, "/auth/2fa/setup", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ConfirmTwoFactorSetup enables two-factor once the user proves their
// authenticator produces valid codes.
func (c *Client) ConfirmTwoFactorSetup(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/2fa/verify-setup", ConfirmTwoFactorRequest{Token: token}, nil)
}

// DisableTwoFactor turns two-factor off. The password is always required,
// plus a current code or backup code.
func (c *Client) DisableTwoFactor(ctx context.Context, req DisableTwoFactorRequest) error {
	return c.do(ctx, http.MethodPost, "/auth/2fa/disable", req, nil)
}

// RegenerateBackupCodes invalidates the existing backup codes and returns a
// fresh set.
func (c *Client) RegenerateBackupCodes(ctx context.Context, req DisableTwoFactorRequest) ([]string, error) {
	var res backupCodesPayload
	if err := c.do(ctx, http.MethodPost, "/auth/2fa/backup-codes", req, &res); err != nil {
		return nil, err
	}
	return res.BackupCodes, nil
}
