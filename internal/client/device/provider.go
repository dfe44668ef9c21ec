// Package device identifies the installation the client runs on.
package device

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/session"
	"github.com/google/uuid"
)

const (
	idKey       = "device_id"
	unknownName = "Unknown Device"
)

// Provider hands out a stable install id and a description of the host.
type Provider struct {
	repo       kv.Repository
	appVersion string
	hostname   func() (string, error)

	mu sync.Mutex
	id string
}

func NewProvider(repo kv.Repository, appVersion string) *Provider {
	return &Provider{repo: repo, appVersion: appVersion, hostname: os.Hostname}
}

// UniqueID returns the install id, generating and persisting one on first use.
func (p *Provider) UniqueID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	raw, err := p.repo.Get(ctx, idKey)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if id := strings.TrimSpace(string(raw)); id != "" {
		p.id = id
		return id, nil
	}

	id := uuid.NewString()
	if err := p.repo.Set(ctx, idKey, []byte(id)); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	p.id = id
	return id, nil
}

// DeviceInfo describes this host. An unreadable hostname yields
// "Unknown Device" rather than an error.
func (p *Provider) DeviceInfo(ctx context.Context) (session.DeviceInfo, error) {
	id, err := p.UniqueID(ctx)
	if err != nil {
		return session.DeviceInfo{}, err
	}

	name, err := p.hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		name = unknownName
	}

	return session.DeviceInfo{
		ID:         id,
		Name:       name,
		Platform:   runtime.GOOS,
		AppVersion: p.appVersion,
	}, nil
}
