package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/models"
)

func (a *App) getStatus() string {
	s := ""
	if u := a.currentUser(); u != nil {
		s = u.Email + " "
	}
	if m := a.mode(); m != "" {
		s = s + string(m)
	}
	if s != "" {
		s = fmt.Sprintf("(%s)", s)
	}
	return s
}

// Root restores the previous session, starts the connectivity watcher and
// runs the REPL until the user exits or ctx is done.
func (a *App) Root(ctx context.Context) {
	fmt.Fprintln(a.out, "Welcome to sessionkeeper CLI (type 'help' for commands)")

	unsubscribe := a.authService.SubscribeToAuthChanges(a.onAuthChange)
	defer unsubscribe()

	u, err := a.authService.InitializeAuth(ctx)
	switch {
	case err != nil:
		a.logger.Warn(ctx, "session restore failed", "code", autherr.CodeOf(err), "error", err)
		fmt.Fprintln(a.out, "Previous session could not be restored:", autherr.UserMessage(err))
	case u != nil:
		a.setUser(u)
		fmt.Fprintf(a.out, "Signed in as %s\n", u.Email)
	}

	a.checkOnline(ctx)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.StartOnlineStatusWatcher(wctx, a.config.OnlineCheckInterval)

	runREPL(ctx, a, a.getStatus, a.reader)
}

// onAuthChange follows sign-ins, renewals and sign-outs that happen outside
// a command, such as a failed background refresh.
func (a *App) onAuthChange(u *models.User) {
	prev := a.currentUser()
	a.setUser(u)
	if prev != nil && u == nil {
		fmt.Fprintln(a.out, "\nSession ended. Please log in again.")
	}
}
