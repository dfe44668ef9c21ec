// Package googleauth runs the Google OAuth2 authorization-code flow with PKCE
// and yields the OpenID Connect id token the identity backend accepts.
//
// The CLI prints AuthCodeURL, the user completes consent in a browser and
// pastes the redirect URL back, which Exchange turns into an id token.
package googleauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const op = "google sign-in"

var (
	ErrNotConfigured = errors.New("google client id is not configured")
	ErrNoPendingFlow = errors.New("no sign-in in progress")
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrMissingCode   = errors.New("authorization code missing from callback")
	ErrNoIDToken     = errors.New("token response has no id_token")
	errUserCancelled = errors.New("user cancelled the login flow")
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint
}

type pending struct {
	state    string
	verifier string
}

// Flow holds at most one in-progress sign-in.
type Flow struct {
	oauth *oauth2.Config

	mu      sync.Mutex
	pending *pending
}

func NewFlow(cfg Config) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, ErrNotConfigured
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = google.Endpoint
	}
	return &Flow{oauth: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}}, nil
}

// AuthCodeURL starts a new sign-in, replacing any pending one, and returns
// the consent page URL.
func (f *Flow) AuthCodeURL() (string, error) {
	state, err := common.MakeRandHexString(16)
	if err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	f.mu.Lock()
	f.pending = &pending{state: state, verifier: verifier}
	f.mu.Unlock()

	return f.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// Exchange completes the pending sign-in from the redirect URL Google sent
// the browser to. The pending attempt is consumed whatever the outcome.
func (f *Flow) Exchange(ctx context.Context, callbackURL string) (string, error) {
	f.mu.Lock()
	p := f.pending
	f.pending = nil
	f.mu.Unlock()

	if p == nil {
		return "", autherr.New(autherr.CodeAuthSession, op, ErrNoPendingFlow)
	}

	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", autherr.New(autherr.CodeAuthSession, op, fmt.Errorf("parse callback: %w", err))
	}
	q := u.Query()

	switch e := q.Get("error"); e {
	case "":
	case "access_denied":
		return "", autherr.New(autherr.CodeSessionCancelled, op, errUserCancelled)
	default:
		return "", autherr.New(autherr.CodeGoogleAuth, op, fmt.Errorf("consent failed: %s", e))
	}

	if q.Get("state") != p.state {
		return "", autherr.New(autherr.CodeAuthSession, op, ErrStateMismatch)
	}
	code := q.Get("code")
	if code == "" {
		return "", autherr.New(autherr.CodeAuthSession, op, ErrMissingCode)
	}

	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return "", autherr.New(autherr.CodeGoogleAuth, op, fmt.Errorf("exchange code: %w", err))
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return "", autherr.New(autherr.CodeGoogleAuth, op, ErrNoIDToken)
	}
	return idToken, nil
}
