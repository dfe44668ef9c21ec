package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

// StorageKeys names the kv records the Store owns.
type StorageKeys struct {
	Session        string
	Metadata       string
	ActiveSessions string
	TokenBlacklist string
}

var DefaultStorageKeys = StorageKeys{
	Session:        "session",
	Metadata:       "session_metadata",
	ActiveSessions: "active_sessions",
	TokenBlacklist: "token_blacklist",
}

// Store persists sessions, device metadata and the token blacklist.
//
// Reads fail open: a missing, unreadable or corrupt record is logged and
// reported as absent. Writes return their errors. Read-modify-write
// operations on the shared maps are serialized by mu.
type Store struct {
	repo   kv.Repository
	keys   StorageKeys
	logger logging.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewStore(repo kv.Repository, logger logging.Logger) *Store {
	return &Store{
		repo:   repo,
		keys:   DefaultStorageKeys,
		logger: logger,
		now:    time.Now,
	}
}

// GetStoredSession returns the persisted session or nil.
func (s *Store) GetStoredSession(ctx context.Context) *Session {
	var sess Session
	if !s.readJSON(ctx, s.keys.Session, &sess) {
		return nil
	}
	return &sess
}

func (s *Store) SetSession(ctx context.Context, sess *Session) error {
	return s.writeJSON(ctx, s.keys.Session, sess)
}

// ClearSession removes the session and its metadata, and the blacklist when
// clearBlacklist is set. The active-sessions map is kept.
func (s *Store) ClearSession(ctx context.Context, clearBlacklist bool) error {
	keys := []string{s.keys.Session, s.keys.Metadata}
	if clearBlacklist {
		keys = append(keys, s.keys.TokenBlacklist)
	}
	if err := s.repo.DeleteMany(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionMetadata(ctx context.Context) *SessionMetadata {
	var md SessionMetadata
	if !s.readJSON(ctx, s.keys.Metadata, &md) {
		return nil
	}
	return &md
}

// UpdateSessionMetadata records md as the current device's metadata, upserts
// it into the active-sessions map and drops devices idle for longer than
// ActiveSessionRetention.
func (s *Store) UpdateSessionMetadata(ctx context.Context, md SessionMetadata) error {
	if err := s.writeJSON(ctx, s.keys.Metadata, md); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.readActive(ctx)
	active[md.DeviceInfo.ID] = md

	cutoff := s.now().Add(-ActiveSessionRetention).UnixMilli()
	for id, m := range active {
		if m.LastActive < cutoff {
			delete(active, id)
		}
	}
	return s.writeJSON(ctx, s.keys.ActiveSessions, active)
}

// GetActiveSessions lists known devices, most recently active first.
func (s *Store) GetActiveSessions(ctx context.Context) []SessionMetadata {
	s.mu.Lock()
	active := s.readActive(ctx)
	s.mu.Unlock()

	out := make([]SessionMetadata, 0, len(active))
	for _, m := range active {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive != out[j].LastActive {
			return out[i].LastActive > out[j].LastActive
		}
		return out[i].DeviceInfo.ID < out[j].DeviceInfo.ID
	})
	return out
}

// RevokeSession removes deviceID from the active-sessions map.
func (s *Store) RevokeSession(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.readActive(ctx)
	if _, ok := active[deviceID]; !ok {
		return nil
	}
	delete(active, deviceID)
	return s.writeJSON(ctx, s.keys.ActiveSessions, active)
}

// IsTokenBlacklisted reports whether token's hash is listed and unexpired.
// Expired entries found along the way are pruned.
func (s *Store) IsTokenBlacklisted(ctx context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bl := s.readBlacklist(ctx)
	if s.pruneBlacklist(bl) > 0 {
		if err := s.writeJSON(ctx, s.keys.TokenBlacklist, bl); err != nil {
			s.logger.Warn(ctx, "failed to persist pruned blacklist", "error", err)
		}
	}
	_, ok := bl[cryptox.HashToken(token)]
	return ok
}

// AddToBlacklist lists token until expiresAt (Unix ms).
func (s *Store) AddToBlacklist(ctx context.Context, token string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bl := s.readBlacklist(ctx)
	s.pruneBlacklist(bl)
	bl[cryptox.HashToken(token)] = expiresAt
	return s.writeJSON(ctx, s.keys.TokenBlacklist, bl)
}

// CleanupBlacklist drops expired entries and reports how many were removed.
func (s *Store) CleanupBlacklist(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bl := s.readBlacklist(ctx)
	n := s.pruneBlacklist(bl)
	if n == 0 {
		return 0, nil
	}
	if err := s.writeJSON(ctx, s.keys.TokenBlacklist, bl); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) pruneBlacklist(bl map[string]int64) int {
	now := s.now().UnixMilli()
	n := 0
	for h, exp := range bl {
		if exp <= now {
			delete(bl, h)
			n++
		}
	}
	return n
}

func (s *Store) readActive(ctx context.Context) map[string]SessionMetadata {
	active := map[string]SessionMetadata{}
	if !s.readJSON(ctx, s.keys.ActiveSessions, &active) || active == nil {
		return map[string]SessionMetadata{}
	}
	return active
}

func (s *Store) readBlacklist(ctx context.Context) map[string]int64 {
	bl := map[string]int64{}
	if !s.readJSON(ctx, s.keys.TokenBlacklist, &bl) || bl == nil {
		return map[string]int64{}
	}
	return bl
}

func (s *Store) readJSON(ctx context.Context, key string, dst any) bool {
	raw, err := s.repo.Get(ctx, key)
	if err != nil {
		s.logger.Warn(ctx, "failed to read session record", "key", key, "error", err)
		return false
	}
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn(ctx, "discarding corrupt session record", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.repo.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
