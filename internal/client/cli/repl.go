package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Google(ctx context.Context) error
	Logout(ctx context.Context) error
	Token(ctx context.Context) error
	WhoAmI(ctx context.Context) error
	Sessions(ctx context.Context) error
	Revoke(ctx context.Context, deviceID string) error
	Refresh(ctx context.Context) error
	ForgotPassword(ctx context.Context) error
	ResetPassword(ctx context.Context) error
	ChangePassword(ctx context.Context) error
	VerifyEmail(ctx context.Context) error
	MFA(ctx context.Context, sub string) error
}

const (
	helpLoggedOut = "Available commands: register, login, google, forgot-password, verify-email, exit"
	helpLoggedIn  = "Available commands: whoami, token, refresh, sessions, revoke <device-id>, " +
		"change-password, reset-password, verify-email, mfa <status|enable|verify|codes|disable>, logout, exit"
)

// runREPL starts a simple read-eval-print loop for the sessionkeeper CLI.
//
// It reads a line from in, parses the first token as the command, and
// dispatches to methods on 'a'. Unknown commands are reported back to the
// user. The loop exits on EOF, when ctx is done, or when the user types
// "exit" or "quit".
//
// Commands
//
//	Not logged in:
//	  - help            show available commands
//	  - register        create an account
//	  - login           sign in with email and password
//	  - google          sign in with Google
//	  - forgot-password mail a password reset link
//	  - verify-email    confirm an address with a mailed code
//	  - exit | quit     leave the program
//
//	Logged in:
//	  - whoami          show the signed-in user
//	  - token           print a valid access token
//	  - refresh         force a session refresh
//	  - sessions        list devices with a session
//	  - revoke <id>     forget a device session
//	  - change-password change the password, re-entering the current one
//	  - reset-password  set a new password after following a reset link
//	  - verify-email    confirm the account's address
//	  - mfa <sub>       status, enable, verify, codes or disable TOTP
//	  - logout          sign out and wipe local auth data
//	  - exit | quit     leave the program
//
// Handlers report their own errors, so their return values are ignored here.
func runREPL(ctx context.Context, a execIface, statusFn func() string, in *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("sk %s> ", statusFn()))

		line, err := in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn(helpLoggedIn)
			} else {
				printlnFn(helpLoggedOut)
			}

		case "register":
			_ = a.Register(ctx)

		case "login":
			_ = a.Login(ctx)

		case "google":
			_ = a.Google(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "token":
			_ = a.Token(ctx)

		case "whoami":
			_ = a.WhoAmI(ctx)

		case "sessions":
			_ = a.Sessions(ctx)

		case "revoke":
			if len(args) == 0 {
				printlnFn("Usage: revoke <device-id>")
				continue
			}
			_ = a.Revoke(ctx, args[0])

		case "refresh":
			_ = a.Refresh(ctx)

		case "forgot-password":
			_ = a.ForgotPassword(ctx)

		case "reset-password":
			_ = a.ResetPassword(ctx)

		case "change-password":
			_ = a.ChangePassword(ctx)

		case "verify-email":
			_ = a.VerifyEmail(ctx)

		case "mfa":
			sub := ""
			if len(args) > 0 {
				sub = args[0]
			}
			_ = a.MFA(ctx, sub)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
