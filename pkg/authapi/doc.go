/*
Package authapi is a client for the back-office authentication endpoints.

# Overview

Client wraps the /auth routes of the back-office REST API: login, the
two-factor challenge, registration, logout, profile lookup, token refresh and
verification, two-factor enrolment and password recovery. It holds no session
state of its own; callers supply the bearer credential through a TokenSource
that is consulted on every request.

	client := authapi.NewClient("https://api.example.com/api",
		authapi.WithTokenSource(store),
		authapi.WithLogger(logger),
	)

	res, err := client.Login(ctx, authapi.LoginRequest{Email: email, Password: pw})
	if err == nil && res.RequiresTwoFactor {
		res, err = client.VerifyTwoFactor(ctx, authapi.TwoFactorRequest{
			Ticket: res.TwoFactorTicket,
			Email:  res.TwoFactorEmail,
			Token:  code,
		})
	}

# Response Envelope

Responses use the envelope {success, message, data, errors}. The payload is
read from data when present and from the top level otherwise, so both the
enveloped endpoints and the older flat login/refresh responses
({success, token, refreshToken, user}) decode into the same types. A 2xx
response carrying success=false is treated as an authentication failure.

# Error Handling

Every failure is an *Error with exactly one Kind:

	401                     KindAuthentication
	403                     KindAuthorization
	404                     KindNotFound
	400, 409, 422, other 4xx KindValidation (per-field messages in Fields)
	429                     KindRateLimit (RetryAfter from the Retry-After header)
	5xx, malformed body     KindServer
	no response, timeout    KindNetwork

Use errors.Is against the kind sentinels:

	if errors.Is(err, authapi.ErrAuthentication) {
		// credential rejected
	}

	var apiErr *authapi.Error
	if errors.As(err, &apiErr) && apiErr.Kind == authapi.KindValidation {
		for field, msg := range apiErr.FieldMessages() {
			...
		}
	}

IsTicketInvalid distinguishes an expired or unknown two-factor ticket from a
merely wrong code.

# Two-Factor Enrolment

SetupTwoFactor returns the provisioning material. TwoFactorSetup.Key turns it
into an *otp.Key (github.com/pquerna/otp) so callers can render the secret or
generate codes:

	setup, err := client.SetupTwoFactor(ctx)
	key, err := setup.Key("Back Office", user.Email)
	err = client.ConfirmTwoFactorSetup(ctx, codeFromAuthenticator)

# Thread Safety

A Client is safe for concurrent use once constructed.
*/
package authapi
