package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

// UserChecker confirms that a token subject still exists upstream.
type UserChecker interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Validator performs local token validation. Signatures are NOT verified;
// see the package documentation.
type Validator struct {
	store   *Store
	users   UserChecker
	logger  logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewValidator builds a Validator. users may be nil, in which case the
// user-existence step is skipped.
func NewValidator(store *Store, users UserChecker, logger logging.Logger, metrics *telemetry.Metrics) *Validator {
	return &Validator{
		store:   store,
		users:   users,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// ValidateToken runs, in order: structure, expiry, blacklist and subject
// existence. The first failing step decides the result. A subject the
// backend confirms as missing gets its token blacklisted.
func (v *Validator) ValidateToken(ctx context.Context, token string) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error(ctx, "token validation panicked", "panic", fmt.Sprint(r))
			res = ValidationResult{Err: ErrValidationFailed}
		}
	}()

	md, err := v.ExtractTokenMetadata(token)
	if err != nil {
		return ValidationResult{Err: err}
	}

	if md.ExpiresAt <= v.now().UnixMilli() {
		return ValidationResult{Err: ErrTokenExpired, Metadata: md}
	}

	if v.store.IsTokenBlacklisted(ctx, token) {
		return ValidationResult{Err: ErrTokenBlacklisted, Metadata: md}
	}

	if v.users == nil {
		return ValidationResult{Valid: true, Metadata: md}
	}

	exists, err := v.users.UserExists(ctx, md.Subject)
	if err != nil {
		v.logger.Warn(ctx, "user existence check failed", "user_id", md.Subject, "error", err)
		return ValidationResult{Err: fmt.Errorf("%w: %w", ErrUserCheckFailed, err), Metadata: md}
	}
	if !exists {
		if err := v.store.AddToBlacklist(ctx, token, md.ExpiresAt); err != nil {
			v.logger.Warn(ctx, "failed to blacklist token of deleted user", "user_id", md.Subject, "error", err)
		} else {
			v.metrics.TokenBlacklisted(ctx, "user_deleted")
		}
		return ValidationResult{Err: ErrUserNotFound, Metadata: md}
	}

	return ValidationResult{Valid: true, Metadata: md}
}

// ExtractTokenMetadata decodes token claims without verifying the signature.
// exp, iat and sub are required. The header only has to be a JSON object:
// the alg is never looked up, so tokens signed with algorithms this process
// does not know (ES256K, EdDSA variants) still decode.
func (v *Validator) ExtractTokenMetadata(token string) (*TokenMetadata, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	var header map[string]any
	if err := decodeSegment(parts[0], &header); err != nil || header == nil {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedToken)
	}
	claims := jwt.MapClaims{}
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, fmt.Errorf("%w: bad payload: %v", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrMalformedToken)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformedToken)
	}

	md := &TokenMetadata{
		IssuedAt:  iat.UnixMilli(),
		ExpiresAt: exp.UnixMilli(),
		TokenType: stringClaim(claims, "typ"),
		Scope:     stringClaim(claims, "scope"),
		Subject:   sub,
		Email:     stringClaim(claims, "email"),
		Role:      stringClaim(claims, "role"),
	}
	if md.TokenType == "" {
		md.TokenType = defaultTokenType
	}
	return md, nil
}

// AddToBlacklist revokes token locally until its own expiry.
func (v *Validator) AddToBlacklist(ctx context.Context, token string) error {
	md, err := v.ExtractTokenMetadata(token)
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	if err := v.store.AddToBlacklist(ctx, token, md.ExpiresAt); err != nil {
		return err
	}
	v.metrics.TokenBlacklisted(ctx, "revoked")
	return nil
}

func (v *Validator) IsTokenBlacklisted(ctx context.Context, token string) bool {
	return v.store.IsTokenBlacklisted(ctx, token)
}

// CleanupBlacklist prunes expired blacklist entries.
func (v *Validator) CleanupBlacklist(ctx context.Context) error {
	n, err := v.store.CleanupBlacklist(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		v.logger.Debug(ctx, "pruned token blacklist", "removed", n)
	}
	return nil
}

// decodeSegment decodes one base64url JWT segment as JSON. Padding is
// tolerated.
func decodeSegment(seg string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
