// Package cli provides the interactive sessionkeeper command-line client.
//
// It wires configuration, local storage, the identity backend client and the
// session components, then runs a REPL on top of the auth service. Typical
// flow: restore the previous session, start a background connectivity
// watcher, and execute user commands.
//
// Key features:
//   - Register / Login / Google sign-in / Logout
//   - Token, whoami and refresh for the current session
//   - Sessions / Revoke for per-device bookkeeping
//
// The REPL is started via App.Root(ctx), which blocks until the user exits.
// See App, StartOnlineStatusWatcher, and runREPL for details.
package cli
