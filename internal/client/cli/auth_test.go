package cli

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
)

func stubPassword(t *testing.T, pw string) {
	t.Helper()
	orig := getPassword
	getPassword = func(io.Writer) ([]byte, error) { return []byte(pw), nil }
	t.Cleanup(func() { getPassword = orig })
}

type fakeGoogle struct {
	URL       string
	IDToken   string
	URLErr    error
	Err       error
	Callbacks []string
}

func (f *fakeGoogle) AuthCodeURL() (string, error) { return f.URL, f.URLErr }

func (f *fakeGoogle) Exchange(_ context.Context, callbackURL string) (string, error) {
	f.Callbacks = append(f.Callbacks, callbackURL)
	return f.IDToken, f.Err
}

func TestLogin(t *testing.T) {
	stubPassword(t, "Secret#123")
	auth := &fakeAuth{User: testUser}
	app, out := newTestApp(t, auth, "ada@example.com\n")

	require.NoError(t, app.Login(context.Background()))

	assert.Equal(t, []string{"ada@example.com"}, auth.Emails)
	assert.Equal(t, []string{"Secret#123"}, auth.Passwords)
	assert.True(t, app.isLoggedIn())
	assert.Equal(t, ModeOnline, app.mode())
	assert.Contains(t, out.String(), "Signed in as ada@example.com")
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "invalid credentials",
			err:     autherr.New(autherr.CodeInvalidCredentials, "sign in", nil),
			wantMsg: autherr.Message(autherr.CodeInvalidCredentials),
		},
		{
			name: "rate limited",
			err: &autherr.TooManyRequestsError{
				Action: "login", MaxAttempts: 5, Remaining: 15 * time.Minute,
				ResetTime: time.Now().Add(15 * time.Minute),
			},
			wantMsg: "try again in",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stubPassword(t, "wrong")
			auth := &fakeAuth{SignInErr: tc.err}
			app, out := newTestApp(t, auth, "ada@example.com\n")

			err := app.Login(context.Background())
			require.ErrorIs(t, err, tc.err)
			assert.False(t, app.isLoggedIn())
			assert.Contains(t, out.String(), tc.wantMsg)
		})
	}
}

func TestLogin_InputError(t *testing.T) {
	auth := &fakeAuth{User: testUser}
	app, _ := newTestApp(t, auth, "")

	require.ErrorIs(t, app.Login(context.Background()), io.EOF)
	assert.Empty(t, auth.Emails)
}

func TestRegister(t *testing.T) {
	stubPassword(t, "Secret#123")
	auth := &fakeAuth{User: testUser}
	app, out := newTestApp(t, auth, "ada@example.com\n")

	require.NoError(t, app.Register(context.Background()))
	assert.True(t, app.isLoggedIn())
	assert.Contains(t, out.String(), "Account created")
}

func TestRegister_WeakPassword(t *testing.T) {
	stubPassword(t, "weak")
	auth := &fakeAuth{SignUpErr: autherr.New(autherr.CodeWeakPassword, "sign up", nil)}
	app, out := newTestApp(t, auth, "ada@example.com\n")

	require.ErrorIs(t, app.Register(context.Background()), autherr.ErrWeakPassword)
	assert.False(t, app.isLoggedIn())
	assert.Contains(t, out.String(), autherr.Message(autherr.CodeWeakPassword))
}

func TestGoogle(t *testing.T) {
	auth := &fakeAuth{User: testUser}
	app, out := newTestApp(t, auth, "http://127.0.0.1:8085/callback?code=c&state=s\n")
	g := &fakeGoogle{URL: "https://accounts.example.com/auth?x=1", IDToken: "id-token"}
	app.google = g

	require.NoError(t, app.Google(context.Background()))

	assert.Contains(t, out.String(), g.URL)
	assert.Equal(t, []string{"http://127.0.0.1:8085/callback?code=c&state=s"}, g.Callbacks)
	assert.Equal(t, []string{"id-token"}, auth.IDTokens)
	assert.True(t, app.isLoggedIn())
}

func TestGoogle_NotConfigured(t *testing.T) {
	app, out := newTestApp(t, &fakeAuth{}, "")

	require.ErrorIs(t, app.Google(context.Background()), errGoogleDisabled)
	assert.Contains(t, out.String(), "not configured")
}

func TestGoogle_Cancelled(t *testing.T) {
	auth := &fakeAuth{User: testUser}
	app, out := newTestApp(t, auth, "http://127.0.0.1:8085/callback?error=access_denied\n")
	app.google = &fakeGoogle{Err: autherr.New(autherr.CodeSessionCancelled, "google sign-in", nil)}

	require.ErrorIs(t, app.Google(context.Background()), autherr.ErrSessionCancelled)
	assert.Empty(t, auth.IDTokens)
	assert.Contains(t, out.String(), autherr.Message(autherr.CodeSessionCancelled))
}

func TestLogout(t *testing.T) {
	auth := &fakeAuth{}
	app, out := newTestApp(t, auth, "")
	auth.SubscribeToAuthChanges(app.onAuthChange)
	app.setUser(testUser)

	require.NoError(t, app.Logout(context.Background()))

	assert.Equal(t, 1, auth.Cleared)
	assert.False(t, app.isLoggedIn())
	assert.Contains(t, out.String(), "Signed out")
	assert.NotContains(t, out.String(), "Session ended")
}

func TestLogout_Error(t *testing.T) {
	auth := &fakeAuth{ClearErr: errors.New("disk full")}
	app, out := newTestApp(t, auth, "")
	app.setUser(testUser)

	require.Error(t, app.Logout(context.Background()))
	assert.False(t, app.isLoggedIn())
	assert.Contains(t, out.String(), "Error:")
}
