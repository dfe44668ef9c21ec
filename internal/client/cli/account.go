package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

// getSecret reads a hidden value under a custom prompt; tests replace it.
var getSecret = GetPasswordPrompt

var (
	errAccountDisabled = errors.New("account commands are not available")
	errUnknownMFA      = errors.New("unknown mfa subcommand")
)

const mfaUsage = "Usage: mfa <status|enable|verify|codes|disable>"

func (a *App) requireAccount() error {
	if a.account != nil {
		return nil
	}
	fmt.Fprintln(a.out, "Account commands are not available")
	return errAccountDisabled
}

// ForgotPassword mails a password reset link to the address the user enters.
func (a *App) ForgotPassword(ctx context.Context) error {
	if err := a.requireAccount(); err != nil {
		return err
	}
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}
	if err := a.account.SendPasswordResetEmail(ctx, email); err != nil {
		return a.fail(ctx, "password reset", err)
	}
	fmt.Fprintln(a.out, "If the address is registered, a reset link is on its way")
	return nil
}

// ResetPassword sets a new password for the session the reset link opened.
func (a *App) ResetPassword(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	if err := a.requireAccount(); err != nil {
		return err
	}
	pw, err := getSecret(a.out, "New password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	if err := a.account.ResetPassword(ctx, string(pw)); err != nil {
		return a.fail(ctx, "reset password", err)
	}
	fmt.Fprintln(a.out, "Password reset")
	return nil
}

func (a *App) ChangePassword(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	if err := a.requireAccount(); err != nil {
		return err
	}
	current, err := getSecret(a.out, "Current password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(current)

	next, err := getSecret(a.out, "New password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(next)

	if err := a.account.UpdatePassword(ctx, string(current), string(next)); err != nil {
		return a.fail(ctx, "change password", err)
	}
	fmt.Fprintln(a.out, "Password changed")
	return nil
}

// VerifyEmail sends a one-time code and asks for it. Signed in, the code
// goes to the account's own address.
func (a *App) VerifyEmail(ctx context.Context) error {
	if err := a.requireAccount(); err != nil {
		return err
	}

	var email string
	if u := a.currentUser(); u != nil && u.Email != "" {
		email = u.Email
	} else {
		var err error
		if email, err = getSimpleText(a.reader, "Enter email", a.out); err != nil {
			return err
		}
	}

	if err := a.account.SendVerificationEmail(ctx, email); err != nil {
		return a.fail(ctx, "send verification email", err)
	}
	code, err := getSimpleText(a.reader, "Enter the code sent to "+email, a.out)
	if err != nil {
		return err
	}
	if err := a.account.VerifyEmail(ctx, email, code); err != nil {
		return a.fail(ctx, "verify email", err)
	}

	if u := a.currentUser(); u != nil {
		c := *u
		c.EmailConfirmed = true
		a.setUser(&c)
	}
	fmt.Fprintln(a.out, "Email verified")
	return nil
}

// MFA dispatches the second-factor subcommands.
func (a *App) MFA(ctx context.Context, sub string) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	if err := a.requireAccount(); err != nil {
		return err
	}

	switch sub {
	case "", "status":
		st := a.account.MFAStatus(ctx)
		if !st.Enabled {
			fmt.Fprintln(a.out, "Two-factor authentication is off")
			return nil
		}
		fmt.Fprintf(a.out, "Two-factor authentication is on (%s)\n", st.Method)
		return nil

	case "enable":
		e, err := a.account.EnableTOTP(ctx)
		if err != nil {
			return a.fail(ctx, "enable mfa", err)
		}
		fmt.Fprintln(a.out, "Add this key to your authenticator app:")
		fmt.Fprintln(a.out, e.Secret)
		fmt.Fprintln(a.out, e.URI)
		if len(e.BackupCodes) > 0 {
			fmt.Fprintln(a.out, "Backup codes:", strings.Join(e.BackupCodes, " "))
		}
		fmt.Fprintln(a.out, "Run 'mfa verify' with a code from the app to finish")
		return nil

	case "verify":
		code, err := getSimpleText(a.reader, "Enter authenticator code", a.out)
		if err != nil {
			return err
		}
		ok, err := a.account.VerifyTOTP(ctx, code)
		if err != nil {
			return a.fail(ctx, "verify mfa", err)
		}
		if !ok {
			fmt.Fprintln(a.out, "Code not accepted")
			return nil
		}
		fmt.Fprintln(a.out, "Second factor verified")
		return nil

	case "codes":
		codes, err := a.account.BackupCodes(ctx)
		if err != nil {
			return a.fail(ctx, "backup codes", err)
		}
		for _, c := range codes {
			fmt.Fprintln(a.out, c)
		}
		return nil

	case "disable":
		if err := a.account.DisableMFA(ctx); err != nil {
			return a.fail(ctx, "disable mfa", err)
		}
		fmt.Fprintln(a.out, "Two-factor authentication disabled")
		return nil
	}

	fmt.Fprintln(a.out, mfaUsage)
	return errUnknownMFA
}
