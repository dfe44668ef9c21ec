package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mintToken(t *testing.T, sub string, iat, exp time.Time, extra map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "iat": iat.Unix(), "exp": exp.Unix()}
	for k, v := range extra {
		claims[k] = v
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

// fakeBackend answers RefreshSession with freshly minted tokens. Fail makes
// that many calls fail first. When Gate is set every call waits on it.
type fakeBackend struct {
	t     *testing.T
	clock *clock
	TTL   time.Duration

	mu      sync.Mutex
	Fail    int
	Err     error
	Empty   bool
	Gate    chan struct{}
	Calls   int
	Started chan struct{}
	seq     int
}

func newFakeBackend(t *testing.T, c *clock) *fakeBackend {
	return &fakeBackend{t: t, clock: c, TTL: time.Hour, Err: errors.New("connection reset")}
}

func (f *fakeBackend) RefreshSession(ctx context.Context, refreshToken string) (*client.AuthResponse, error) {
	f.mu.Lock()
	f.Calls++
	gate, started := f.Gate, f.Started
	fail := f.Fail > 0
	if fail {
		f.Fail--
	}
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, f.Err
	}
	if f.Empty {
		return &client.AuthResponse{}, nil
	}

	now := f.clock.Now()
	access := mintToken(f.t, "user-1", now, now.Add(f.TTL), map[string]any{"seq": seq})
	return &client.AuthResponse{
		Session: &client.BackendSession{
			AccessToken:  access,
			RefreshToken: refreshToken + "+",
			ExpiresIn:    int64(f.TTL / time.Second),
		},
		User: &client.BackendUser{ID: "user-1"},
	}, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

type fakeUsers struct {
	mu     sync.Mutex
	Exists bool
	Err    error
	Panic  bool
	Calls  int
}

func (f *fakeUsers) UserExists(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Panic {
		panic("directory exploded")
	}
	return f.Exists, f.Err
}

type fakeDevices struct {
	Info DeviceInfo
	Err  error
}

func (f *fakeDevices) DeviceInfo(context.Context) (DeviceInfo, error) {
	return f.Info, f.Err
}

type failingRepo struct {
	kv.Repository
	GetErr error
	SetErr error
}

func (f *failingRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	return f.Repository.Get(ctx, key)
}

func (f *failingRepo) Set(ctx context.Context, key string, value []byte) error {
	if f.SetErr != nil {
		return f.SetErr
	}
	return f.Repository.Set(ctx, key, value)
}

type fixture struct {
	clock     *clock
	repo      kv.Repository
	store     *Store
	users     *fakeUsers
	validator *Validator
	backend   *fakeBackend
	refresher *Refresher
	manager   *Manager

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := &clock{now: t0}
	log := logging.Discard()
	metrics := telemetry.Nop()

	f := &fixture{clock: c, repo: kv.NewMemoryRepository(), users: &fakeUsers{Exists: true}}
	f.store = NewStore(f.repo, log)
	f.store.now = c.Now

	f.validator = NewValidator(f.store, f.users, log, metrics)
	f.validator.now = c.Now

	f.backend = newFakeBackend(t, c)
	f.refresher = NewRefresher(f.backend, RefresherConfig{BaseDelay: time.Millisecond}, log, metrics)
	f.refresher.now = c.Now

	devices := &fakeDevices{Info: DeviceInfo{Name: "laptop", Platform: "linux", AppVersion: "1.2.3"}}
	f.manager = NewManager(ManagerConfig{BaseRefreshDelay: time.Millisecond}, f.store, f.validator, f.refresher, devices, log, metrics)
	f.manager.now = c.Now
	f.manager.Subscribe(func(ev Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	})
	t.Cleanup(f.manager.Close)

	return f
}

// session returns a session for device "dev-1" whose token expires in ttl.
func (f *fixture) session(t *testing.T, ttl time.Duration) *Session {
	now := f.clock.Now()
	return &Session{
		AccessToken:        mintToken(t, "user-1", now, now.Add(ttl), nil),
		RefreshToken:       "refresh-1",
		ExpiresAt:          now.Add(ttl).UnixMilli(),
		UserID:             "user-1",
		DeviceID:           "dev-1",
		LastValidated:      now.UnixMilli(),
		ValidationInterval: DefaultValidationInterval.Milliseconds(),
	}
}

func (f *fixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}
