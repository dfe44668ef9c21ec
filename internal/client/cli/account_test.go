package cli

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/services"
)

type fakeAccount struct {
	ResetEmails  []string
	NewPasswords []string
	OldPasswords []string
	Sent         []string
	Verified     []string
	Codes        []string
	MFA          services.MFAState
	Enrollment   *client.TOTPEnrollment
	Backup       []string
	Disabled     int

	ResetEmailErr error
	UpdateErr     error
	VerifyErr     error
	TOTPOK        bool
	TOTPErr       error
}

func (f *fakeAccount) SendPasswordResetEmail(_ context.Context, email string) error {
	f.ResetEmails = append(f.ResetEmails, email)
	return f.ResetEmailErr
}

func (f *fakeAccount) ResetPassword(_ context.Context, pw string) error {
	f.NewPasswords = append(f.NewPasswords, pw)
	return f.UpdateErr
}

func (f *fakeAccount) UpdatePassword(_ context.Context, current, next string) error {
	f.OldPasswords = append(f.OldPasswords, current)
	f.NewPasswords = append(f.NewPasswords, next)
	return f.UpdateErr
}

func (f *fakeAccount) SendVerificationEmail(_ context.Context, email string) error {
	f.Sent = append(f.Sent, email)
	return nil
}

func (f *fakeAccount) VerifyEmail(_ context.Context, email, code string) error {
	f.Verified = append(f.Verified, email)
	f.Codes = append(f.Codes, code)
	return f.VerifyErr
}

func (f *fakeAccount) IsEmailVerified(context.Context) bool { return false }

func (f *fakeAccount) PendingVerification(context.Context) *services.VerificationState { return nil }

func (f *fakeAccount) EnableTOTP(context.Context) (*client.TOTPEnrollment, error) {
	f.MFA = services.MFAState{Enabled: true, Method: "totp"}
	return f.Enrollment, nil
}

func (f *fakeAccount) VerifyTOTP(_ context.Context, code string) (bool, error) {
	f.Codes = append(f.Codes, code)
	return f.TOTPOK, f.TOTPErr
}

func (f *fakeAccount) BackupCodes(context.Context) ([]string, error) {
	if len(f.Backup) == 0 {
		return nil, autherr.New(autherr.CodeMFABackup, "backup codes", services.ErrNoBackupCodes)
	}
	return f.Backup, nil
}

func (f *fakeAccount) DisableMFA(context.Context) error {
	f.Disabled++
	f.MFA = services.MFAState{}
	return nil
}

func (f *fakeAccount) MFAStatus(context.Context) services.MFAState { return f.MFA }

// stubSecrets answers hidden prompts in order and records the prompts.
func stubSecrets(t *testing.T, values ...string) *[]string {
	t.Helper()
	var prompts []string
	orig := getSecret
	getSecret = func(_ io.Writer, prompt string) ([]byte, error) {
		prompts = append(prompts, prompt)
		v := values[0]
		values = values[1:]
		return []byte(v), nil
	}
	t.Cleanup(func() { getSecret = orig })
	return &prompts
}

func newAccountApp(t *testing.T, acc *fakeAccount, input string) (*App, *syncBuffer) {
	t.Helper()
	app, out := newTestApp(t, &fakeAuth{}, input)
	app.account = acc
	return app, out
}

func TestForgotPassword(t *testing.T) {
	acc := &fakeAccount{}
	app, out := newAccountApp(t, acc, "ada@example.com\n")

	require.NoError(t, app.ForgotPassword(context.Background()))
	assert.Equal(t, []string{"ada@example.com"}, acc.ResetEmails)
	assert.Contains(t, out.String(), "reset link")
}

func TestForgotPassword_RateLimited(t *testing.T) {
	acc := &fakeAccount{ResetEmailErr: &autherr.TooManyRequestsError{
		Action: "password_reset", MaxAttempts: 2, Remaining: 40 * time.Minute,
	}}
	app, out := newAccountApp(t, acc, "ada@example.com\n")

	require.ErrorIs(t, app.ForgotPassword(context.Background()), autherr.ErrTooManyRequests)
	assert.Contains(t, out.String(), "try again in 40 minutes")
}

func TestAccountCommands_Unavailable(t *testing.T) {
	app, out := newTestApp(t, &fakeAuth{}, "ada@example.com\n")

	require.ErrorIs(t, app.ForgotPassword(context.Background()), errAccountDisabled)
	assert.Contains(t, out.String(), "not available")
}

func TestChangePassword(t *testing.T) {
	prompts := stubSecrets(t, "Old#12345", "New#12345")
	acc := &fakeAccount{}
	app, out := newAccountApp(t, acc, "")
	app.setUser(testUser)

	require.NoError(t, app.ChangePassword(context.Background()))
	assert.Equal(t, []string{"Current password", "New password"}, *prompts)
	assert.Equal(t, []string{"Old#12345"}, acc.OldPasswords)
	assert.Equal(t, []string{"New#12345"}, acc.NewPasswords)
	assert.Contains(t, out.String(), "Password changed")
}

func TestChangePassword_Failure(t *testing.T) {
	stubSecrets(t, "wrong", "New#12345")
	acc := &fakeAccount{UpdateErr: autherr.New(autherr.CodeInvalidCredentials, "update password", nil)}
	app, out := newAccountApp(t, acc, "")
	app.setUser(testUser)

	require.ErrorIs(t, app.ChangePassword(context.Background()), autherr.ErrInvalidCredentials)
	assert.Contains(t, out.String(), autherr.Message(autherr.CodeInvalidCredentials))
}

func TestResetPassword_RequiresLogin(t *testing.T) {
	app, _ := newAccountApp(t, &fakeAccount{}, "")
	require.ErrorIs(t, app.ResetPassword(context.Background()), errNotLoggedIn)
}

func TestVerifyEmail_SignedInUsesAccountAddress(t *testing.T) {
	acc := &fakeAccount{}
	app, out := newAccountApp(t, acc, "123456\n")
	u := *testUser
	u.EmailConfirmed = false
	app.setUser(&u)

	require.NoError(t, app.VerifyEmail(context.Background()))
	assert.Equal(t, []string{testUser.Email}, acc.Sent)
	assert.Equal(t, []string{"123456"}, acc.Codes)
	assert.True(t, app.currentUser().EmailConfirmed)
	assert.Contains(t, out.String(), "Email verified")
}

func TestVerifyEmail_SignedOutAsksForAddress(t *testing.T) {
	acc := &fakeAccount{VerifyErr: autherr.New(autherr.CodeVerifyEmail, "verify email", nil)}
	app, out := newAccountApp(t, acc, "grace@example.com\n000000\n")

	require.ErrorIs(t, app.VerifyEmail(context.Background()), autherr.ErrVerifyEmail)
	assert.Equal(t, []string{"grace@example.com"}, acc.Verified)
	assert.Contains(t, out.String(), autherr.Message(autherr.CodeVerifyEmail))
}

func TestMFA_Lifecycle(t *testing.T) {
	acc := &fakeAccount{
		Enrollment: &client.TOTPEnrollment{FactorID: "f-1", Secret: "JBSWY3DPEHPK3PXP", URI: "otpauth://totp/x", BackupCodes: []string{"aa", "bb"}},
		Backup:     []string{"aa", "bb"},
		TOTPOK:     true,
	}
	app, out := newAccountApp(t, acc, "654321\n")
	app.setUser(testUser)
	ctx := context.Background()

	require.NoError(t, app.MFA(ctx, "status"))
	assert.Contains(t, out.String(), "is off")

	out.Reset()
	require.NoError(t, app.MFA(ctx, "enable"))
	assert.Contains(t, out.String(), "JBSWY3DPEHPK3PXP")
	assert.Contains(t, out.String(), "Backup codes: aa bb")

	out.Reset()
	require.NoError(t, app.MFA(ctx, "verify"))
	assert.Equal(t, []string{"654321"}, acc.Codes)
	assert.Contains(t, out.String(), "Second factor verified")

	out.Reset()
	require.NoError(t, app.MFA(ctx, ""))
	assert.Contains(t, out.String(), "is on (totp)")

	out.Reset()
	require.NoError(t, app.MFA(ctx, "codes"))
	assert.Equal(t, "aa\nbb\n", out.String())

	require.NoError(t, app.MFA(ctx, "disable"))
	assert.Equal(t, 1, acc.Disabled)
}

func TestMFA_UnknownSubcommand(t *testing.T) {
	app, out := newAccountApp(t, &fakeAccount{}, "")
	app.setUser(testUser)

	require.ErrorIs(t, app.MFA(context.Background(), "rotate"), errUnknownMFA)
	assert.Contains(t, out.String(), mfaUsage)
}

func TestMFA_CodesUnavailable(t *testing.T) {
	app, out := newAccountApp(t, &fakeAccount{}, "")
	app.setUser(testUser)

	require.ErrorIs(t, app.MFA(context.Background(), "codes"), autherr.ErrMFABackup)
	assert.Contains(t, out.String(), autherr.Message(autherr.CodeMFABackup))
}
