package session

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/tasks"
)

type State int

const (
	StateUninitialized State = iota
	StateRestoring
	StateValid
	StateRefreshing
	StateInvalid
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRestoring:
		return "restoring"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	case StateRevoked:
		return "revoked"
	}
	return "unknown"
}

type EventType string

const (
	EventRenewed EventType = "session-renewed"
	EventExpired EventType = "session-expired"
	EventInvalid EventType = "session-invalid"
	EventError   EventType = "session-error"
)

// Event describes a session lifecycle change. Session is set for
// EventRenewed only.
type Event struct {
	Type     EventType
	At       time.Time
	DeviceID string
	Session  *Session
	Err      error
}

type Listener func(Event)

// DeviceInfoSource describes the device the process runs on.
type DeviceInfoSource interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
}

type ManagerConfig struct {
	ValidationInterval time.Duration
	CleanupInterval    time.Duration
	MaxRefreshRetries  int
	BaseRefreshDelay   time.Duration
}

// Manager owns the in-memory session slot.
//
// Mutations (set, clear, applying a refresh) are serialized by writeMu and
// always persist before the in-memory copy changes. Each mutation bumps gen;
// a refresh result computed against an older generation is discarded.
// Listeners are invoked after writeMu is released.
type Manager struct {
	cfg       ManagerConfig
	store     *Store
	validator *Validator
	refresher *Refresher
	devices   DeviceInfoSource
	logger    logging.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	writeMu sync.Mutex

	mu          sync.RWMutex
	current     *Session
	gen         uint64
	state       State
	refreshTask *tasks.Task

	flight singleflight.Group

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	sweeper *tasks.Periodic
}

func NewManager(cfg ManagerConfig, store *Store, validator *Validator, refresher *Refresher,
	devices DeviceInfoSource, logger logging.Logger, metrics *telemetry.Metrics) *Manager {
	if cfg.ValidationInterval <= 0 {
		cfg.ValidationInterval = DefaultValidationInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		validator: validator,
		refresher: refresher,
		devices:   devices,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		listeners: map[int]Listener{},
	}
	m.sweeper = tasks.NewPeriodic(cfg.CleanupInterval, m.sweepBlacklist)
	return m
}

// Start launches the periodic blacklist sweep.
func (m *Manager) Start(ctx context.Context) {
	m.sweeper.Start(ctx)
}

// Close stops the sweep and cancels any scheduled refresh.
func (m *Manager) Close() {
	m.sweeper.Stop()

	m.mu.Lock()
	m.refreshTask.Cancel()
	m.refreshTask = nil
	m.mu.Unlock()
}

func (m *Manager) sweepBlacklist(ctx context.Context) {
	if err := m.validator.CleanupBlacklist(ctx); err != nil {
		m.logger.Warn(ctx, "blacklist cleanup failed", "error", err)
	}
}

// Subscribe registers l and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) emit(ev Event) {
	ev.At = m.now()

	m.lmu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.lmu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Current returns a copy of the in-memory session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// IsAuthenticated reports whether a session is held and not expired.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && !m.current.Expired(m.now())
}

// Restore loads the persisted session, validating it if due and refreshing
// it if expired or close to expiry. An unusable session is cleared and the
// cause returned. Having nothing to restore is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	m.setState(StateRestoring)

	stored := m.store.GetStoredSession(ctx)
	if stored == nil {
		m.setState(StateInvalid)
		return nil
	}

	next, err := m.verifyAndRefresh(ctx, stored)
	if err != nil {
		m.logger.Warn(ctx, "stored session is unusable", "device_id", stored.DeviceID, "error", err)
		m.mu.Lock()
		m.current = stored
		m.mu.Unlock()
		m.invalidate(ctx, err)
		return err
	}

	m.writeMu.Lock()
	ev, err := m.applyLocked(ctx, next, next.AccessToken != stored.AccessToken)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}
	if ev != nil {
		m.emit(*ev)
	}
	return nil
}

func (m *Manager) verifyAndRefresh(ctx context.Context, s *Session) (*Session, error) {
	now := m.now()

	if !s.Expired(now) && s.ValidationDue(now) {
		res := m.validator.ValidateToken(ctx, s.AccessToken)
		if !res.Valid {
			if confirmedInvalid(res.Err) {
				return nil, res.Err
			}
			return m.refresher.RefreshWithRetry(ctx, s, m.refreshOptions(true))
		}
		s = s.Clone()
		s.LastValidated = now.UnixMilli()
	}

	if s.Expired(now) || m.refresher.ShouldRefresh(s) {
		return m.refresher.RefreshWithRetry(ctx, s, m.refreshOptions(true))
	}
	return s, nil
}

// SetSession installs s as the current session: it is persisted, held in
// memory, scheduled for refresh and recorded in the device metadata.
func (m *Manager) SetSession(ctx context.Context, s *Session) error {
	s = s.Clone()
	if s.ValidationInterval <= 0 {
		s.ValidationInterval = m.cfg.ValidationInterval.Milliseconds()
	}
	if s.LastValidated == 0 {
		s.LastValidated = m.now().UnixMilli()
	}

	m.writeMu.Lock()
	_, err := m.applyLocked(ctx, s, false)
	m.writeMu.Unlock()
	return err
}

// applyLocked must be called with writeMu held. It returns the renewal event
// to emit once writeMu is released, if renewed is set.
func (m *Manager) applyLocked(ctx context.Context, s *Session, renewed bool) (*Event, error) {
	if err := m.store.SetSession(ctx, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = s
	m.gen++
	gen := m.gen
	m.state = StateValid
	m.refreshTask.Cancel()
	m.refreshTask = m.refresher.ScheduleRefresh(s, func(ctx context.Context, next *Session, err error) {
		m.onScheduledRefresh(ctx, gen, next, err)
	})
	m.mu.Unlock()

	if err := m.updateMetadata(ctx, s); err != nil {
		m.logger.Warn(ctx, "failed to update session metadata", "device_id", s.DeviceID, "error", err)
	}

	if !renewed {
		return nil, nil
	}
	return &Event{Type: EventRenewed, DeviceID: s.DeviceID, Session: s.Clone()}, nil
}

func (m *Manager) updateMetadata(ctx context.Context, s *Session) error {
	info := DeviceInfo{Name: unknownDeviceName, Platform: runtime.GOOS}
	if m.devices != nil {
		di, err := m.devices.DeviceInfo(ctx)
		if err != nil {
			m.logger.Warn(ctx, "failed to read device info", "error", err)
		} else {
			info = di
		}
	}
	now := m.now().UnixMilli()
	info.ID = s.DeviceID
	info.LastLogin = now

	return m.store.UpdateSessionMetadata(ctx, SessionMetadata{LastActive: now, DeviceInfo: info})
}

func (m *Manager) onScheduledRefresh(ctx context.Context, gen uint64, next *Session, err error) {
	// Applying the result re-arms the task, which cancels ctx.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		m.logger.Error(ctx, "scheduled session refresh failed", "error", err)
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateInvalid
		}
		m.mu.Unlock()
		m.emit(Event{Type: EventError, Err: err})
		return
	}
	_, ev, err := m.applyRefreshed(ctx, gen, next)
	if err != nil {
		m.logger.Error(ctx, "failed to store refreshed session", "error", err)
		m.emit(Event{Type: EventError, Err: err})
		return
	}
	if ev != nil {
		m.emit(*ev)
	}
}

// applyRefreshed installs next if the session it was derived from is still
// current and next is newer. Otherwise the current session is returned.
// The renewal event is returned for the caller to emit.
func (m *Manager) applyRefreshed(ctx context.Context, gen uint64, next *Session) (*Session, *Event, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	cur, curGen := m.current, m.gen
	m.mu.RUnlock()

	if cur == nil {
		return nil, nil, ErrNoSession
	}
	if curGen != gen || next.ExpiresAt <= cur.ExpiresAt {
		m.logger.Debug(ctx, "discarding stale refresh result", "device_id", cur.DeviceID)
		return cur.Clone(), nil, nil
	}

	ev, err := m.applyLocked(ctx, next, true)
	if err != nil {
		return nil, nil, err
	}
	return next.Clone(), ev, nil
}

func (m *Manager) refreshOptions(force bool) RefreshOptions {
	return RefreshOptions{
		MaxRetries: m.cfg.MaxRefreshRetries,
		BaseDelay:  m.cfg.BaseRefreshDelay,
		Force:      force,
	}
}

// refreshOutcome is what one shared refresh produced. Its event is emitted
// once, by whichever caller receives the outcome first, after the flight
// has ended so listeners may call Refresh themselves.
type refreshOutcome struct {
	session *Session
	event   *Event
	once    sync.Once
}

func (m *Manager) deliver(o *refreshOutcome) {
	o.once.Do(func() {
		if o.event != nil {
			m.emit(*o.event)
		}
	})
}

// Refresh renews the current session. Concurrent callers share a single
// backend exchange. Without force, a session that is not yet due is
// returned unchanged. A failed refresh leaves the session in place.
func (m *Manager) Refresh(ctx context.Context, force bool) (*Session, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return m.refreshCurrent(shared, force)
	})

	select {
	case res := <-ch:
		o := res.Val.(*refreshOutcome)
		m.deliver(o)
		if res.Err != nil {
			return nil, res.Err
		}
		return o.session.Clone(), nil
	case <-ctx.Done():
		// The outcome still has to reach the listeners.
		go func() {
			res := <-ch
			m.deliver(res.Val.(*refreshOutcome))
		}()
		return nil, ctx.Err()
	}
}

// refreshCurrent never returns a nil outcome, so the caller can always
// deliver its event.
func (m *Manager) refreshCurrent(ctx context.Context, force bool) (*refreshOutcome, error) {
	m.mu.Lock()
	cur, gen := m.current, m.gen
	if cur != nil {
		m.state = StateRefreshing
	}
	m.mu.Unlock()

	if cur == nil {
		return &refreshOutcome{}, autherr.New(autherr.CodeSessionExpired, "refresh session", ErrNoSession)
	}

	next, err := m.refresher.RefreshWithRetry(ctx, cur, m.refreshOptions(force))
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateInvalid
		}
		m.mu.Unlock()
		return &refreshOutcome{event: &Event{Type: EventError, DeviceID: cur.DeviceID, Err: err}}, err
	}

	if next == cur {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateValid
		}
		m.mu.Unlock()
		return &refreshOutcome{session: cur}, nil
	}

	applied, ev, err := m.applyRefreshed(ctx, gen, next)
	if err != nil {
		return &refreshOutcome{}, err
	}
	if ev == nil {
		// A discarded result leaves the current session usable.
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateValid
		}
		m.mu.Unlock()
	}
	return &refreshOutcome{session: applied, event: ev}, nil
}

// RefreshAccessToken forces a refresh and returns the new access token.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	s, err := m.Refresh(ctx, true)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// GetAccessToken returns a usable access token. It never returns an expired
// token: an expired session is refreshed first, and a session due for
// validation is validated first. A session that fails validation for good
// (blacklisted, subject deleted, malformed) is cleared.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	const op = "get access token"

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return "", autherr.New(autherr.CodeSessionExpired, op, ErrNoSession)
	}

	now := m.now()
	if cur.Expired(now) {
		return m.RefreshAccessToken(ctx)
	}

	if !cur.ValidationDue(now) {
		return cur.AccessToken, nil
	}

	res := m.validator.ValidateToken(ctx, cur.AccessToken)
	switch {
	case res.Valid:
		m.markValidated(ctx, cur)
		return cur.AccessToken, nil
	case confirmedInvalid(res.Err):
		m.logger.Warn(ctx, "session failed validation", "device_id", cur.DeviceID, "error", res.Err)
		m.invalidate(ctx, res.Err)
		return "", autherr.New(autherr.CodeSessionExpired, op, res.Err)
	default:
		return m.RefreshAccessToken(ctx)
	}
}

func (m *Manager) markValidated(ctx context.Context, seen *Session) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != seen {
		return
	}

	next := cur.Clone()
	next.LastValidated = m.now().UnixMilli()
	if err := m.store.SetSession(ctx, next); err != nil {
		m.logger.Warn(ctx, "failed to persist validation time", "error", err)
		return
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
}

// ClearSession ends the current session: the scheduled refresh is canceled,
// the access token is blacklisted and the stored records are removed. A
// blacklist failure is logged and does not stop the clear.
func (m *Manager) ClearSession(ctx context.Context, clearBlacklist bool) error {
	return m.clear(ctx, clearBlacklist, StateRevoked, EventExpired, nil)
}

func (m *Manager) invalidate(ctx context.Context, cause error) {
	if err := m.clear(ctx, false, StateInvalid, EventInvalid, cause); err != nil {
		m.logger.Error(ctx, "failed to clear invalid session", "error", err)
	}
}

func (m *Manager) clear(ctx context.Context, clearBlacklist bool, state State, evType EventType, cause error) error {
	m.writeMu.Lock()

	m.mu.Lock()
	cur := m.current
	m.refreshTask.Cancel()
	m.refreshTask = nil
	m.current = nil
	m.gen++
	m.state = state
	m.mu.Unlock()

	if cur != nil {
		if err := m.validator.AddToBlacklist(ctx, cur.AccessToken); err != nil {
			m.logger.Warn(ctx, "failed to blacklist access token", "device_id", cur.DeviceID, "error", err)
		}
	}

	err := m.store.ClearSession(ctx, clearBlacklist)
	m.writeMu.Unlock()

	m.metrics.SessionCleared(ctx)
	if cur != nil {
		m.emit(Event{Type: evType, DeviceID: cur.DeviceID, Err: cause})
	}
	return err
}

func (m *Manager) GetActiveSessions(ctx context.Context) []SessionMetadata {
	return m.store.GetActiveSessions(ctx)
}

// RevokeSession removes deviceID from the active sessions. Revoking the
// current device also clears the current session.
func (m *Manager) RevokeSession(ctx context.Context, deviceID string) error {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur != nil && cur.DeviceID == deviceID {
		if err := m.ClearSession(ctx, false); err != nil {
			return err
		}
	}
	return m.store.RevokeSession(ctx, deviceID)
}
