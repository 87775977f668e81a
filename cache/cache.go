package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deemkeen/fedletic/domain"
)

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = errors.New("cache is disabled")
)

// ActorCache holds materialized remote actors keyed by canonical actor URL.
// A hit is returned as-is; staleness is bounded by the TTL only.
type ActorCache interface {
	Get(ctx context.Context, actorURL string) (*domain.Actor, bool)
	Set(ctx context.Context, actorURL string, actor *domain.Actor)
	Delete(ctx context.Context, actorURL string)
}

type entry struct {
	actor   domain.Actor
	expires time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, actorURL string) (*domain.Actor, bool) {
	m.mu.RLock()
	e, ok := m.entries[actorURL]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expires) {
		m.mu.Lock()
		if cur, ok := m.entries[actorURL]; ok && cur.expires.Equal(e.expires) {
			delete(m.entries, actorURL)
		}
		m.mu.Unlock()
		return nil, false
	}
	actor := e.actor
	return &actor, true
}

func (m *Memory) Set(_ context.Context, actorURL string, actor *domain.Actor) {
	if actor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[actorURL] = entry{actor: *actor, expires: m.now().Add(m.ttl)}
}

func (m *Memory) Delete(_ context.Context, actorURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, actorURL)
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
