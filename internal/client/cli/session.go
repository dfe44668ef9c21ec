package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
)

var errNotLoggedIn = errors.New("not logged in")

func (a *App) requireLogin() error {
	if a.isLoggedIn() {
		return nil
	}
	fmt.Fprintln(a.out, "You are not logged in")
	return errNotLoggedIn
}

// Token prints a valid access token, refreshing it first when needed.
func (a *App) Token(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	token, err := a.authService.GetAccessToken(ctx)
	if err != nil {
		return a.fail(ctx, "get access token", err)
	}
	fmt.Fprintln(a.out, token)
	return nil
}

func (a *App) WhoAmI(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	u := a.currentUser()

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", u.ID)
	fmt.Fprintf(w, "Email:\t%s\n", u.Email)
	fmt.Fprintf(w, "Name:\t%s\n", u.DisplayName)
	fmt.Fprintf(w, "Provider:\t%s\n", u.Provider)
	fmt.Fprintf(w, "Confirmed:\t%t\n", u.EmailConfirmed)
	if !u.LastSignInAt.IsZero() {
		fmt.Fprintf(w, "Last sign-in:\t%s\n", u.LastSignInAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// Refresh forces a session refresh regardless of the token's remaining
// lifetime.
func (a *App) Refresh(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	u, err := a.authService.RefreshSession(ctx)
	if err != nil {
		return a.fail(ctx, "refresh session", err)
	}
	if u != nil {
		a.setUser(u)
	}
	fmt.Fprintln(a.out, "Session refreshed")
	return nil
}

// Sessions lists the devices known to hold a session, most recent first.
func (a *App) Sessions(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	list := a.authService.GetActiveSessions(ctx)
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No active sessions")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tPLATFORM\tVERSION\tLAST ACTIVE")
	for _, s := range list {
		d := s.DeviceInfo
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Platform, d.AppVersion,
			time.UnixMilli(s.LastActive).Local().Format(time.DateTime))
	}
	return w.Flush()
}

// Revoke forgets deviceID's session. Revoking this device signs out.
func (a *App) Revoke(ctx context.Context, deviceID string) error {
	if err := a.requireLogin(); err != nil {
		return err
	}
	if err := a.authService.RevokeSession(ctx, deviceID); err != nil {
		return a.fail(ctx, "revoke session", err)
	}
	fmt.Fprintf(a.out, "Session %s revoked\n", deviceID)
	return nil
}
