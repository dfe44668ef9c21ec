package client

import (
	"context"
)

// IdentityClient is the contract with the identity backend.
type IdentityClient interface {
	SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*AuthResponse, error)
	// SignInWithIDToken exchanges a third-party id token (provider "google").
	SignInWithIDToken(ctx context.Context, provider, idToken string) (*AuthResponse, error)
	RefreshSession(ctx context.Context, refreshToken string) (*AuthResponse, error)
	SignOut(ctx context.Context, accessToken string) error
	// GetUser returns the user owning the access token in ctx, or the one
	// supplied by the configured TokenSource.
	GetUser(ctx context.Context) (*BackendUser, error)
	UserExists(ctx context.Context, userID string) (bool, error)

	// SendPasswordReset mails a reset link that opens redirectTo.
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
	// UpdatePassword sets a new password for the signed-in user.
	UpdatePassword(ctx context.Context, newPassword string) error
	// SendEmailOTP mails a one-time code to an existing account.
	SendEmailOTP(ctx context.Context, email string) error
	VerifyEmailOTP(ctx context.Context, email, code string) (*AuthResponse, error)

	EnrollTOTP(ctx context.Context, issuer, friendlyName string) (*TOTPEnrollment, error)
	// ChallengeMFA opens a challenge for factorID and returns its id.
	ChallengeMFA(ctx context.Context, factorID string) (string, error)
	// VerifyMFA answers a challenge. On success the response carries a
	// session upgraded to the second factor.
	VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*AuthResponse, error)
	UnenrollMFA(ctx context.Context, factorID string) error

	Ping(ctx context.Context) error
	Close() error
}

// TOTPEnrollment is a freshly enrolled authenticator factor.
type TOTPEnrollment struct {
	FactorID string
	Secret   string
	// URI is the otpauth:// provisioning URI.
	URI         string
	BackupCodes []string
}

// AuthResponse is returned by every sign-in and refresh call. Session is nil
// when the backend accepted the request without starting a session, e.g. a
// sign-up awaiting email confirmation.
type AuthResponse struct {
	Session *BackendSession
	User    *BackendUser
}

type BackendSession struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
	// ExpiresAt is the access token expiry in Unix seconds, if reported.
	ExpiresAt int64
}

type BackendUser struct {
	ID               string
	Email            string
	EmailConfirmedAt string
	CreatedAt        string
	LastSignInAt     string
	Provider         string
	UserMetadata     map[string]any
}
