// Package client contains the identity backend contract and local
// persistence bootstrap for sessionkeeper.
//
// # Overview
//
// The package provides:
//  1. A transport-agnostic contract with the identity backend (see
//     IdentityClient): password and id-token sign-in, sign-up, session
//     refresh, sign-out, user lookup and Ping.
//  2. A gRPC implementation (see GRPCClient). Messages are
//     google.protobuf.Struct values addressed to identity.v1.IdentityService,
//     calls are instrumented with otelgrpc, and calls that need a bearer
//     token get one from a TokenSource, refreshing once when the backend
//     reports it expired.
//  3. Local persistence bootstrap (InitDatabase, RunMigrations) wiring an
//     SQLite database and applying embedded goose migrations.
//
// # Error Handling
//
// Failed calls return *BackendError, which carries an HTTP-style status and
// the backend's own error code (from the "error-code" trailer) for
// classification by the autherr package. Transport failures also match
// ErrUnavailable and rejected credentials match ErrUnauthorized with
// errors.Is.
//
// # Concurrency & Contexts
//
// GRPCClient is safe for concurrent use. All operations accept a
// context.Context and honor cancellation and deadlines.
package client
