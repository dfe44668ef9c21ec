// Package session implements the client-side session and token lifecycle:
//
//   - Store persists the current session, per-device metadata and the token
//     blacklist in a kv.Repository.
//   - Validator decodes access-token claims, checks expiry, blacklist
//     membership and (optionally) that the subject still exists.
//   - Refresher exchanges refresh tokens with the identity backend, retrying
//     with exponential backoff, and schedules proactive refreshes.
//   - Manager owns the single in-memory session slot, serializes mutations,
//     coalesces concurrent refreshes into one backend call and runs the
//     hourly blacklist sweep.
//
// # Security note: no signature verification
//
// Validator base64-decodes the JWT header and claims and never checks the
// token signature against the issuer's key. The alg header is not consulted,
// so tokens signed with any algorithm decode the same way. A forged token
// with a plausible sub and exp passes local validation; it is only rejected
// once it reaches the backend's authenticated endpoints. Local validation is
// a freshness and revocation check, not an authentication step. Do not use
// Validator results to make trust decisions about tokens received from
// anywhere other than the identity backend.
//
// All timestamps in persisted records are Unix milliseconds.
package session
