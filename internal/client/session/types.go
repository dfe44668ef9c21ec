package session

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

const (
	DefaultValidationInterval  = 5 * time.Minute
	DefaultRefreshBeforeExpiry = 5 * time.Minute
	DefaultMaxRefreshRetries   = 3
	DefaultBaseRefreshDelay    = time.Second
	DefaultMinRefreshInterval  = 30 * time.Second
	DefaultCleanupInterval     = time.Hour

	// ActiveSessionRetention bounds how long an idle device stays listed.
	ActiveSessionRetention = 30 * 24 * time.Hour

	unknownDeviceName = "Unknown Device"
	defaultTokenType  = "Bearer"
)

// Validation failure reasons, reported in ValidationResult.Err.
var (
	ErrMalformedToken   = errors.New("invalid token structure")
	ErrTokenExpired     = common.ErrTokenExpired
	ErrTokenBlacklisted = errors.New("token is blacklisted")
	ErrUserNotFound     = errors.New("user does not exist")
	ErrUserCheckFailed  = errors.New("failed to verify user")
	ErrValidationFailed = errors.New("token validation failed")
)

var (
	ErrNoSession     = errors.New("no active session")
	ErrNoSessionData = errors.New("no session data received")
)

// Session is the credential set for one authenticated device.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is when AccessToken stops being usable, Unix ms.
	ExpiresAt int64  `json:"expiresAt"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
	// LastValidated is the last successful full validation, Unix ms.
	LastValidated int64 `json:"lastValidated"`
	// ValidationInterval is the minimum spacing between validations, ms.
	ValidationInterval int64 `json:"validationInterval"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func (s *Session) ExpiresTime() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// Expired reports whether now is at or past ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAt
}

// ValidationDue reports whether ValidationInterval has elapsed since
// LastValidated. A zero interval means every check is due.
func (s *Session) ValidationDue(now time.Time) bool {
	return now.UnixMilli()-s.LastValidated >= s.ValidationInterval
}

type DeviceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	LastLogin  int64  `json:"lastLogin"`
	AppVersion string `json:"appVersion,omitempty"`
}

// SessionMetadata is the per-device bookkeeping entry.
type SessionMetadata struct {
	LastActive int64      `json:"lastActive"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// TokenMetadata is the decoded, millisecond-based view of token claims.
type TokenMetadata struct {
	IssuedAt  int64
	ExpiresAt int64
	TokenType string
	Scope     string
	Subject   string
	Email     string
	Role      string
}

// ValidationResult reports the outcome of Validator.ValidateToken. When Valid
// is false, Err is one of the reason sentinels above (possibly wrapped).
type ValidationResult struct {
	Valid    bool
	Err      error
	Metadata *TokenMetadata
}

// confirmedInvalid reports reasons that retrying or refreshing cannot fix.
func confirmedInvalid(err error) bool {
	return errors.Is(err, ErrTokenBlacklisted) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrValidationFailed)
}
