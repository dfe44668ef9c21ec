package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

var errGoogleDisabled = errors.New("google sign-in is not configured")

// Register prompts the user for an email and password and creates a new
// account via the AuthService. The password byte slice is wiped before
// returning.
func (a *App) Register(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	u, err := a.authService.SignUpWithEmail(ctx, email, string(password))
	if err != nil {
		return a.fail(ctx, "sign-up", err)
	}

	a.setUser(u)
	fmt.Fprintf(a.out, "Account created. Signed in as %s\n", u.Email)
	return nil
}

// Login prompts the user for credentials and signs in with them.
//
// Too many failed attempts lock the email out for a while; the message
// printed on failure then says how long to wait.
func (a *App) Login(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	u, err := a.authService.SignInWithEmail(ctx, email, string(password))
	if err != nil {
		return a.fail(ctx, "sign-in", err)
	}

	a.setUser(u)
	a.setMode(ModeOnline)
	fmt.Fprintf(a.out, "Signed in as %s\n", u.Email)
	return nil
}

// Google runs the browser sign-in: it prints the consent URL, reads back
// the redirect URL the browser landed on and exchanges it for an id token.
func (a *App) Google(ctx context.Context) error {
	if a.google == nil {
		fmt.Fprintln(a.out, "Google sign-in is not configured")
		return errGoogleDisabled
	}

	url, err := a.google.AuthCodeURL()
	if err != nil {
		return a.fail(ctx, "google sign-in", err)
	}
	fmt.Fprintln(a.out, "Open this URL in your browser and approve access:")
	fmt.Fprintln(a.out, url)

	callback, err := getSimpleText(a.reader, "Paste the URL you were redirected to", a.out)
	if err != nil {
		return err
	}

	idToken, err := a.google.Exchange(ctx, callback)
	if err != nil {
		return a.fail(ctx, "google sign-in", err)
	}

	u, err := a.authService.SignInWithGoogle(ctx, idToken)
	if err != nil {
		return a.fail(ctx, "google sign-in", err)
	}

	a.setUser(u)
	a.setMode(ModeOnline)
	fmt.Fprintf(a.out, "Signed in as %s\n", u.Email)
	return nil
}

// Logout signs out and wipes every piece of local auth data.
func (a *App) Logout(ctx context.Context) error {
	a.setUser(nil)
	if err := a.authService.ClearAuthData(ctx); err != nil {
		return a.fail(ctx, "sign-out", err)
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}
