// Package identitytest provides an in-process identity backend for tests.
// It speaks the same Struct-based gRPC protocol as the real service over a
// bufconn listener and mints HS256 access tokens.
package identitytest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmitrijs2005/sessionkeeper/internal/common"
)

// Endpoint is the target to dial together with Server.DialOption.
const Endpoint = "passthrough:///identitytest"

type User struct {
	ID        string
	Email     string
	Password  string
	Provider  string
	CreatedAt time.Time
	Deleted   bool
	// Unconfirmed users have not verified their email yet.
	Unconfirmed bool
}

type factor struct {
	userID string
	secret string
}

type Server struct {
	Secret    []byte
	AccessTTL time.Duration
	Now       func() time.Time

	mu        sync.Mutex
	users     map[string]*User
	byID      map[string]*User
	refresh   map[string]string
	signedOut map[string]bool
	failNext  map[string]error
	calls     map[string]int

	resets     map[string]string
	otps       map[string]string
	factors    map[string]*factor
	challenges map[string]string

	lis *bufconn.Listener
	srv *grpc.Server
}

func NewServer() *Server {
	return &Server{
		Secret:    []byte("identitytest-secret"),
		AccessTTL: time.Hour,
		Now:       time.Now,
		users:     map[string]*User{},
		byID:      map[string]*User{},
		refresh:   map[string]string{},
		signedOut: map[string]bool{},
		failNext:  map[string]error{},
		calls:     map[string]int{},

		resets:     map[string]string{},
		otps:       map[string]string{},
		factors:    map[string]*factor{},
		challenges: map[string]string{},
	}
}

// Start serves on an in-memory listener until Stop.
func (s *Server) Start() {
	s.lis = bufconn.Listen(1 << 20)
	s.srv = grpc.NewServer(grpc.UnknownServiceHandler(s.handle))
	go func() { _ = s.srv.Serve(s.lis) }()
}

func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Stop()
	}
}

// DialOption routes client connections to the in-memory listener.
func (s *Server) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	})
}

func (s *Server) AddUser(email, password string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, password, "email")
}

func (s *Server) addUserLocked(email, password, provider string) *User {
	u := &User{ID: uuid.NewString(), Email: email, Password: password, Provider: provider, CreatedAt: s.Now()}
	s.users[strings.ToLower(email)] = u
	s.byID[u.ID] = u
	return u
}

// User returns a copy of the account registered under email.
func (s *Server) User(email string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// SetUnconfirmed marks the account as awaiting email verification.
func (s *Server) SetUnconfirmed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.Unconfirmed = true
	}
}

// PasswordResetRedirect returns the redirect of the last reset mail sent
// to email.
func (s *Server) PasswordResetRedirect(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[strings.ToLower(email)]
	return r, ok
}

// EmailOTP returns the pending one-time code mailed to email, or "".
func (s *Server) EmailOTP(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otps[strings.ToLower(email)]
}

// Factors reports how many authenticator factors userID has enrolled.
func (s *Server) Factors(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.factors {
		if f.userID == userID {
			n++
		}
	}
	return n
}

func (s *Server) DeleteUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.Deleted = true
	}
}

// FailNext makes the next call to method (e.g. "RefreshSession") fail with
// err. Queue several failures by calling it repeatedly with n > 1.
func (s *Server) FailNext(method string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failNext[method+"#"+uuid.NewString()] = err
	}
}

// Calls reports how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// IssueSession creates tokens for userID as a successful sign-in would.
func (s *Server) IssueSession(userID string) (access, refresh string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return "", "", errors.New("unknown user")
	}
	sess, err := s.issueLocked(u)
	if err != nil {
		return "", "", err
	}
	return sess["access_token"].(string), sess["refresh_token"].(string), nil
}

// MintToken signs an access token for sub that expires at exp.
func (s *Server) MintToken(sub, email string, exp time.Time) (string, error) {
	now := s.Now()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"role":  "authenticated",
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

func (s *Server) handle(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method")
	}
	method := path.Base(full)

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	out, code, err := s.dispatch(stream.Context(), method, req.AsMap())
	if err != nil {
		if code != "" {
			stream.SetTrailer(metadata.Pairs("error-code", code))
		}
		return err
	}

	resp, err := structpb.NewStruct(out)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(resp)
}

func (s *Server) dispatch(ctx context.Context, method string, in map[string]any) (map[string]any, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[method]++
	for k, err := range s.failNext {
		if strings.HasPrefix(k, method+"#") {
			delete(s.failNext, k)
			return nil, "", err
		}
	}

	str := func(k string) string { v, _ := in[k].(string); return v }

	switch method {
	case "Ping":
		return map[string]any{"status": "OK"}, "", nil

	case "SignInWithPassword":
		u, ok := s.users[strings.ToLower(str("email"))]
		if !ok || u.Deleted || u.Password != str("password") {
			return nil, "", status.Error(codes.Unauthenticated, "Invalid login credentials")
		}
		return s.authResponseLocked(u)

	case "SignUpWithPassword":
		if _, ok := s.users[strings.ToLower(str("email"))]; ok {
			return nil, "23505", status.Error(codes.AlreadyExists, "User already registered")
		}
		if len(str("password")) < 6 {
			return nil, "", status.Error(codes.InvalidArgument, "Password should be at least 6 characters")
		}
		return s.authResponseLocked(s.addUserLocked(str("email"), str("password"), "email"))

	case "SignInWithIdToken":
		if str("provider") != "google" {
			return nil, "", status.Error(codes.InvalidArgument, "unsupported provider")
		}
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(str("id_token"), claims); err != nil {
			return nil, "", status.Error(codes.InvalidArgument, "invalid google id token")
		}
		email, _ := claims["email"].(string)
		u, ok := s.users[strings.ToLower(email)]
		if !ok {
			u = s.addUserLocked(email, "", "google")
		}
		return s.authResponseLocked(u)

	case "RefreshSession":
		id, ok := s.refresh[str("refresh_token")]
		if !ok {
			return nil, "", status.Error(codes.Unauthenticated, "Invalid Refresh Token: Already Used")
		}
		delete(s.refresh, str("refresh_token"))
		u := s.byID[id]
		if u == nil || u.Deleted {
			return nil, "", status.Error(codes.NotFound, "User not found")
		}
		return s.authResponseLocked(u)

	case "SignOut":
		token, err := s.bearer(ctx)
		if err != nil {
			return nil, "", err
		}
		s.signedOut[token] = true
		return map[string]any{}, "", nil

	case "GetUser":
		token, err := s.bearer(ctx)
		if err != nil {
			return nil, "", err
		}
		u, err := s.userFromTokenLocked(token)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"user": userMap(u)}, "", nil

	case "UserExists":
		u, ok := s.byID[str("user_id")]
		return map[string]any{"exists": ok && !u.Deleted}, "", nil

	case "SendPasswordReset":
		// Unknown addresses succeed silently so accounts cannot be enumerated.
		if u, ok := s.users[strings.ToLower(str("email"))]; ok && !u.Deleted {
			s.resets[strings.ToLower(u.Email)] = str("redirect_to")
		}
		return map[string]any{}, "", nil

	case "UpdatePassword":
		u, err := s.currentUserLocked(ctx)
		if err != nil {
			return nil, "", err
		}
		switch p := str("password"); {
		case len(p) < 6:
			return nil, "", status.Error(codes.InvalidArgument, "Password should be at least 6 characters")
		case p == u.Password:
			return nil, "422", status.Error(codes.InvalidArgument, "New password should be different from the old password")
		default:
			u.Password = p
		}
		return map[string]any{"user": userMap(u)}, "", nil

	case "SendEmailOtp":
		u, ok := s.users[strings.ToLower(str("email"))]
		if !ok || u.Deleted {
			return nil, "", status.Error(codes.NotFound, "User not found")
		}
		s.otps[strings.ToLower(u.Email)] = fmt.Sprintf("%06d", rand.IntN(1000000))
		return map[string]any{}, "", nil

	case "VerifyEmailOtp":
		email := strings.ToLower(str("email"))
		code, ok := s.otps[email]
		if !ok || code != str("token") {
			return nil, "", status.Error(codes.Unauthenticated, "Token has expired or is invalid")
		}
		delete(s.otps, email)
		u := s.users[email]
		u.Unconfirmed = false
		return s.authResponseLocked(u)

	case "EnrollTotp":
		u, err := s.currentUserLocked(ctx)
		if err != nil {
			return nil, "", err
		}
		key, err := totp.Generate(totp.GenerateOpts{Issuer: str("issuer"), AccountName: u.Email})
		if err != nil {
			return nil, "", status.Error(codes.Internal, err.Error())
		}
		id := uuid.NewString()
		s.factors[id] = &factor{userID: u.ID, secret: key.Secret()}

		backup := make([]any, 0, 8)
		for i := 0; i < 8; i++ {
			c, err := common.MakeRandHexString(5)
			if err != nil {
				return nil, "", status.Error(codes.Internal, err.Error())
			}
			backup = append(backup, c)
		}
		return map[string]any{
			"id":            id,
			"type":          "totp",
			"friendly_name": str("friendly_name"),
			"totp":          map[string]any{"secret": key.Secret(), "uri": key.URL()},
			"backup_codes":  backup,
		}, "", nil

	case "ChallengeMfa":
		u, err := s.currentUserLocked(ctx)
		if err != nil {
			return nil, "", err
		}
		if f, ok := s.factors[str("factor_id")]; !ok || f.userID != u.ID {
			return nil, "", status.Error(codes.NotFound, "Factor not found")
		}
		id := uuid.NewString()
		s.challenges[id] = str("factor_id")
		return map[string]any{"id": id}, "", nil

	case "VerifyMfa":
		u, err := s.currentUserLocked(ctx)
		if err != nil {
			return nil, "", err
		}
		f, ok := s.factors[str("factor_id")]
		if !ok || f.userID != u.ID || s.challenges[str("challenge_id")] != str("factor_id") {
			return nil, "", status.Error(codes.NotFound, "Challenge not found")
		}
		delete(s.challenges, str("challenge_id"))
		if !totp.Validate(str("code"), f.secret) {
			return nil, "", status.Error(codes.InvalidArgument, "Invalid TOTP code entered")
		}
		return s.authResponseLocked(u)

	case "UnenrollMfa":
		u, err := s.currentUserLocked(ctx)
		if err != nil {
			return nil, "", err
		}
		if f, ok := s.factors[str("factor_id")]; !ok || f.userID != u.ID {
			return nil, "", status.Error(codes.NotFound, "Factor not found")
		}
		delete(s.factors, str("factor_id"))
		return map[string]any{}, "", nil
	}

	return nil, "", status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (s *Server) bearer(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(common.AuthorizationHeaderName)
	if len(values) == 0 || !strings.HasPrefix(values[0], common.BearerPrefix) {
		return "", status.Error(codes.Unauthenticated, "missing token")
	}
	return strings.TrimPrefix(values[0], common.BearerPrefix), nil
}

func (s *Server) currentUserLocked(ctx context.Context) (*User, error) {
	token, err := s.bearer(ctx)
	if err != nil {
		return nil, err
	}
	return s.userFromTokenLocked(token)
}

func (s *Server) userFromTokenLocked(token string) (*User, error) {
	if s.signedOut[token] {
		return nil, status.Error(codes.Unauthenticated, "token revoked")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	}, jwt.WithTimeFunc(s.Now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
	case err != nil:
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	sub, _ := claims.GetSubject()
	u, ok := s.byID[sub]
	if !ok || u.Deleted {
		return nil, status.Error(codes.NotFound, "User not found")
	}
	return u, nil
}

func (s *Server) authResponseLocked(u *User) (map[string]any, string, error) {
	sess, err := s.issueLocked(u)
	if err != nil {
		return nil, "", status.Error(codes.Internal, err.Error())
	}
	return map[string]any{"session": sess, "user": userMap(u)}, "", nil
}

func (s *Server) issueLocked(u *User) (map[string]any, error) {
	exp := s.Now().Add(s.AccessTTL)
	access, err := s.MintToken(u.ID, u.Email, exp)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	s.refresh[refresh] = u.ID

	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    s.AccessTTL.Seconds(),
		"expires_at":    float64(exp.Unix()),
	}, nil
}

func userMap(u *User) map[string]any {
	confirmed := u.CreatedAt.UTC().Format(time.RFC3339)
	if u.Unconfirmed {
		confirmed = ""
	}
	return map[string]any{
		"id":                 u.ID,
		"email":              u.Email,
		"email_confirmed_at": confirmed,
		"created_at":         u.CreatedAt.UTC().Format(time.RFC3339),
		"last_sign_in_at":    time.Now().UTC().Format(time.RFC3339),
		"app_metadata":       map[string]any{"provider": u.Provider},
		"user_metadata":      map[string]any{"full_name": strings.Split(u.Email, "@")[0]},
	}
}
