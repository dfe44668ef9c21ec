// Package common contains shared constants, sentinel errors and small byte
// helpers used across sessionkeeper components.
package common

// AuthorizationHeaderName is the gRPC metadata key carrying the bearer token
// on outbound requests.
const AuthorizationHeaderName = "authorization"

// BearerPrefix precedes the access token in the authorization header.
const BearerPrefix = "Bearer "
