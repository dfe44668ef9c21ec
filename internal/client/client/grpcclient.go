package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

// ServiceName is the fully qualified gRPC service of the identity backend.
const ServiceName = "identity.v1.IdentityService"

const (
	MethodSignInWithPassword = "/" + ServiceName + "/SignInWithPassword"
	MethodSignUpWithPassword = "/" + ServiceName + "/SignUpWithPassword"
	MethodSignInWithIDToken  = "/" + ServiceName + "/SignInWithIdToken"
	MethodRefreshSession     = "/" + ServiceName + "/RefreshSession"
	MethodSignOut            = "/" + ServiceName + "/SignOut"
	MethodGetUser            = "/" + ServiceName + "/GetUser"
	MethodUserExists         = "/" + ServiceName + "/UserExists"
	MethodPing               = "/" + ServiceName + "/Ping"

	MethodSendPasswordReset = "/" + ServiceName + "/SendPasswordReset"
	MethodUpdatePassword    = "/" + ServiceName + "/UpdatePassword"
	MethodSendEmailOTP      = "/" + ServiceName + "/SendEmailOtp"
	MethodVerifyEmailOTP    = "/" + ServiceName + "/VerifyEmailOtp"
	MethodEnrollTOTP        = "/" + ServiceName + "/EnrollTotp"
	MethodChallengeMFA      = "/" + ServiceName + "/ChallengeMfa"
	MethodVerifyMFA         = "/" + ServiceName + "/VerifyMfa"
	MethodUnenrollMFA       = "/" + ServiceName + "/UnenrollMfa"
)

// TokenSource supplies access tokens to calls that need one. The session
// manager implements it.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (string, error)
}

type Config struct {
	Endpoint string
	// Insecure disables TLS; for local development and tests.
	Insecure bool
	// Timeout bounds each call. Zero means no per-call timeout.
	Timeout time.Duration
}

// GRPCClient talks to the identity backend. Requests and responses are
// google.protobuf.Struct messages, so no generated stubs are needed.
type GRPCClient struct {
	cfg  Config
	conn *grpc.ClientConn

	mu     sync.RWMutex
	tokens TokenSource
}

func NewGRPCClient(cfg Config, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{cfg: cfg}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}
	c.conn = conn
	return c, nil
}

// SetTokenSource installs the source used by calls that require a token
// but were not given one explicitly.
func (c *GRPCClient) SetTokenSource(src TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = src
}

func (c *GRPCClient) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// WithAccessToken returns ctx carrying token as the bearer credential.
func WithAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)
	return metadata.NewOutgoingContext(ctx, md)
}

func hasAccessToken(ctx context.Context) bool {
	md, ok := metadata.FromOutgoingContext(ctx)
	return ok && len(md.Get(common.AuthorizationHeaderName)) > 0
}

var tokenMethods = map[string]bool{
	MethodGetUser:        true,
	MethodUpdatePassword: true,
	MethodEnrollTOTP:     true,
	MethodChallengeMFA:   true,
	MethodVerifyMFA:      true,
	MethodUnenrollMFA:    true,
}

// accessTokenInterceptor attaches a token from the TokenSource to calls that
// need one and carry none. If the backend reports the token as expired, the
// token is refreshed once and the call retried.
func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	src := c.tokenSource()
	if !tokenMethods[method] || hasAccessToken(ctx) || src == nil {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	token, err := src.GetAccessToken(ctx)
	if err != nil {
		return err
	}

	err = invoker(WithAccessToken(ctx, token), method, req, reply, cc, opts...)
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != common.ErrTokenExpired.Error() {
		return err
	}

	token, err = src.RefreshAccessToken(ctx)
	if err != nil {
		return err
	}
	return invoker(WithAccessToken(ctx, token), method, req, reply, cc, opts...)
}

func (c *GRPCClient) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	resp := &structpb.Struct{}

	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, method, req, resp, grpc.Trailer(&trailer)); err != nil {
		return nil, mapError(ctx, err, trailer)
	}
	return resp.AsMap(), nil
}

func (c *GRPCClient) SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodSignInWithPassword, map[string]any{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) SignUpWithPassword(ctx context.Context, email, password string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodSignUpWithPassword, map[string]any{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) SignInWithIDToken(ctx context.Context, provider, idToken string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodSignInWithIDToken, map[string]any{"provider": provider, "id_token": idToken})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) RefreshSession(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodRefreshSession, map[string]any{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.call(WithAccessToken(ctx, accessToken), MethodSignOut, map[string]any{})
	return err
}

func (c *GRPCClient) GetUser(ctx context.Context) (*BackendUser, error) {
	out, err := c.call(ctx, MethodGetUser, map[string]any{})
	if err != nil {
		return nil, err
	}
	u := decodeUser(object(out, "user"))
	if u == nil {
		return nil, &BackendError{GRPCCode: codes.NotFound, Status: 404, Message: "user not found"}
	}
	return u, nil
}

func (c *GRPCClient) UserExists(ctx context.Context, userID string) (bool, error) {
	out, err := c.call(ctx, MethodUserExists, map[string]any{"user_id": userID})
	if err != nil {
		return false, err
	}
	exists, _ := out["exists"].(bool)
	return exists, nil
}

func (c *GRPCClient) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	_, err := c.call(ctx, MethodSendPasswordReset, map[string]any{"email": email, "redirect_to": redirectTo})
	return err
}

func (c *GRPCClient) UpdatePassword(ctx context.Context, newPassword string) error {
	_, err := c.call(ctx, MethodUpdatePassword, map[string]any{"password": newPassword})
	return err
}

func (c *GRPCClient) SendEmailOTP(ctx context.Context, email string) error {
	_, err := c.call(ctx, MethodSendEmailOTP, map[string]any{"email": email, "create_user": false})
	return err
}

func (c *GRPCClient) VerifyEmailOTP(ctx context.Context, email, code string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodVerifyEmailOTP, map[string]any{"email": email, "token": code, "type": "email"})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) EnrollTOTP(ctx context.Context, issuer, friendlyName string) (*TOTPEnrollment, error) {
	out, err := c.call(ctx, MethodEnrollTOTP, map[string]any{
		"factor_type":   "totp",
		"issuer":        issuer,
		"friendly_name": friendlyName,
	})
	if err != nil {
		return nil, err
	}
	totp := object(out, "totp")
	e := &TOTPEnrollment{
		FactorID:    str(out, "id"),
		Secret:      str(totp, "secret"),
		URI:         str(totp, "uri"),
		BackupCodes: stringList(out, "backup_codes"),
	}
	if e.FactorID == "" || e.Secret == "" {
		return nil, &BackendError{GRPCCode: codes.Internal, Status: 500, Message: "invalid mfa enrollment response"}
	}
	return e, nil
}

func (c *GRPCClient) ChallengeMFA(ctx context.Context, factorID string) (string, error) {
	out, err := c.call(ctx, MethodChallengeMFA, map[string]any{"factor_id": factorID})
	if err != nil {
		return "", err
	}
	id := str(out, "id")
	if id == "" {
		return "", &BackendError{GRPCCode: codes.Internal, Status: 500, Message: "failed to create mfa challenge"}
	}
	return id, nil
}

func (c *GRPCClient) VerifyMFA(ctx context.Context, factorID, challengeID, code string) (*AuthResponse, error) {
	out, err := c.call(ctx, MethodVerifyMFA, map[string]any{
		"factor_id":    factorID,
		"challenge_id": challengeID,
		"code":         code,
	})
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(out), nil
}

func (c *GRPCClient) UnenrollMFA(ctx context.Context, factorID string) error {
	_, err := c.call(ctx, MethodUnenrollMFA, map[string]any{"factor_id": factorID})
	return err
}

func (c *GRPCClient) Ping(ctx context.Context) error {
	out, err := c.call(ctx, MethodPing, map[string]any{})
	if err != nil {
		return err
	}
	if !strings.EqualFold(str(out, "status"), "OK") {
		return ErrUnavailable
	}
	return nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
