package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/config"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/services"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

type Mode string

const (
	ModeOffline  Mode = "offline"
	ModeOnline   Mode = "online"
	ModeDisabled Mode = "disabled"
)

const pingTimeout = 3 * time.Second

// googleFlow is the browser side of Google sign-in.
type googleFlow interface {
	AuthCodeURL() (string, error)
	Exchange(ctx context.Context, callbackURL string) (string, error)
}

type App struct {
	config      *config.Config
	authService services.AuthService
	account     services.AccountService
	google      googleFlow
	logger      logging.Logger
	runtime     *Runtime
	reader      *bufio.Reader
	out         io.Writer

	mu   sync.Mutex
	Mode Mode
	user *models.User
}

// NewApp builds every dependency described by c and returns a ready App.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	rt, err := Build(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	a := newApp(c, rt.Auth, logger, bufio.NewReader(os.Stdin), os.Stdout)
	a.runtime = rt
	a.account = rt.Account
	// A nil *Flow must not become a non-nil interface.
	if rt.Google != nil {
		a.google = rt.Google
	}
	return a, nil
}

func newApp(c *config.Config, as services.AuthService, logger logging.Logger, r *bufio.Reader, w io.Writer) *App {
	return &App{config: c, authService: as, logger: logger, reader: r, out: w}
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	changed := a.Mode != mode
	a.Mode = mode
	a.mu.Unlock()

	if changed {
		fmt.Fprintf(a.out, "Switched to %s mode\n", mode)
	}
}

func (a *App) mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Mode
}

func (a *App) setUser(u *models.User) {
	a.mu.Lock()
	a.user = u
	a.mu.Unlock()
}

func (a *App) currentUser() *models.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// Run starts the REPL and releases every resource once it returns.
func (a *App) Run(ctx context.Context) {
	defer func() {
		if a.runtime != nil {
			if err := a.runtime.Close(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn(ctx, "shutdown failed", "error", err)
			}
			return
		}
		if err := a.authService.Close(ctx); err != nil {
			a.logger.Warn(ctx, "shutdown failed", "error", err)
		}
	}()
	a.Root(ctx)
}

func (a *App) isLoggedIn() bool {
	return a.currentUser() != nil
}

// StartOnlineStatusWatcher pings the identity backend every interval and
// flips Mode between online and offline until ctx is done.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkOnline(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) checkOnline(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := a.authService.Ping(pctx)
	cancel()

	if err != nil {
		a.logger.Debug(ctx, "identity backend unreachable", "error", err)
		if a.mode() == ModeOnline {
			a.setMode(ModeOffline)
		}
		return
	}
	if a.mode() != ModeOnline {
		a.setMode(ModeOnline)
	}
}

// fail logs err and shows the user-facing message for it.
func (a *App) fail(ctx context.Context, op string, err error) error {
	a.logger.Debug(ctx, op+" failed", "code", autherr.CodeOf(err), "error", err)
	fmt.Fprintln(a.out, "Error:", autherr.UserMessage(err))
	return err
}
