// Package gateway caches exchange gateways per account so every caller for
// the same API key shares one client and its rate limiter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"options-engine/pkg/exchanges/common"
)

var ErrPoolFull = errors.New("gateway pool is full")

type cachedGateway struct {
	gateway  common.Gateway
	secret   string
	lastUsed time.Time
}

// Config holds pool limits.
type Config struct {
	MaxSize     int           // LRU eviction beyond this
	IdleTimeout time.Duration // unused gateways are dropped after this
}

func DefaultConfig() Config {
	return Config{MaxSize: 32, IdleTimeout: 6 * time.Hour}
}

// Manager is an LRU pool of gateways keyed by API key.
type Manager struct {
	mu       sync.Mutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config  Config
	factory Factory
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(factory Factory, cfg Config) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Manager{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		factory:  factory,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs idle cleanup until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.cleanupIdle(); n > 0 {
					log.Debug().Str("component", "gateway").Int("removed", n).Msg("idle gateways dropped")
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Gateway returns the cached gateway for creds.APIKey, creating it on first
// use. A changed secret for the same key replaces the cached client.
func (m *Manager) Gateway(creds common.Credentials) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[creds.APIKey]; ok {
		if cached.secret == creds.APISecret {
			m.touchLocked(creds.APIKey)
			return cached.gateway, nil
		}
		log.Info().Str("component", "gateway").Msg("api secret rotated, replacing cached gateway")
		m.removeLocked(creds.APIKey)
	}

	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	gw, err := m.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	m.gateways[creds.APIKey] = &cachedGateway{gateway: gw, secret: creds.APISecret, lastUsed: m.now()}
	m.lruOrder = append(m.lruOrder, creds.APIKey)
	return gw, nil
}

func (m *Manager) removeLocked(key string) {
	delete(m.gateways, key)
	m.removeLRULocked(key)
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways int `json:"total_gateways"`
	MaxSize       int `json:"max_size"`
}

func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolStats{TotalGateways: len(m.gateways), MaxSize: m.config.MaxSize}
}

func (m *Manager) touchLocked(key string) {
	if cached, ok := m.gateways[key]; ok {
		cached.lastUsed = m.now()
	}
	m.removeLRULocked(key)
	m.lruOrder = append(m.lruOrder, key)
}

func (m *Manager) removeLRULocked(key string) {
	for i, id := range m.lruOrder {
		if id == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.gateways, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, cached := range m.gateways {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			m.removeLocked(key)
			removed++
		}
	}
	return removed
}
