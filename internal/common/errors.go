package common

import "errors"

var (
	// Token lifecycle errors. The identity backend reports an expired access
	// token as Unauthenticated with exactly this message.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
