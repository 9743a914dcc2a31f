package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type grantKey struct{ subject, tenant string }

type counter struct {
	mu   sync.Mutex
	used int64
}

// MemDB keeps everything in process. Usage counters lock per key so
// unrelated counters never contend.
type MemDB struct {
	mu       sync.RWMutex
	grants   map[grantKey]Grant
	bots     map[string]Bot
	revoked  map[string]RevokedToken
	clients  map[string]Client
	counters map[UsageKey]*counter
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		grants:   map[grantKey]Grant{},
		bots:     map[string]Bot{},
		revoked:  map[string]RevokedToken{},
		clients:  map[string]Client{},
		counters: map[UsageKey]*counter{},
	}
}

func (m *MemDB) GetGrant(_ context.Context, subjectID, tenantID string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[grantKey{subjectID, tenantID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *MemDB) PutGrant(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.grants[grantKey{g.SubjectID, g.TenantID}] = cp
	return nil
}

func (m *MemDB) ListEnabledBots(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for k, g := range m.grants {
		if k.tenant != tenantID || !g.Enabled {
			continue
		}
		if _, isBot := m.bots[k.subject]; isBot {
			ids = append(ids, k.subject)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemDB) RevokeToken(_ context.Context, rt RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[rt.TokenID]; !ok {
		m.revoked[rt.TokenID] = rt
	}
	return nil
}

func (m *MemDB) IsTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[tokenID]
	return ok, nil
}

func (m *MemDB) counter(key UsageKey) *counter {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[key]; !ok {
		c = &counter{}
		m.counters[key] = c
		m.pruneBefore(key)
	}
	return c
}

// pruneBefore drops the series' counters for periods older than key's. Only
// the current period is ever read, so this bounds the map to one live
// counter per series and kind.
func (m *MemDB) pruneBefore(key UsageKey) {
	daily := strings.HasPrefix(key.Period, "req:")
	for k := range m.counters {
		if k.SubjectID == key.SubjectID && k.TenantID == key.TenantID && k.BotID == key.BotID &&
			strings.HasPrefix(k.Period, "req:") == daily && k.Period < key.Period {
			delete(m.counters, k)
		}
	}
}

func (m *MemDB) ConsumeUsage(ctx context.Context, key UsageKey, amount, limit int64) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	c := m.counter(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used+amount > limit {
		return false, c.used, nil
	}
	c.used += amount
	return true, c.used, nil
}

func (m *MemDB) GetUsage(_ context.Context, key UsageKey) (int64, error) {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, nil
}

func (m *MemDB) CreateBot(_ context.Context, b *Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[b.ID]; ok {
		return fmt.Errorf("store: bot %s already exists", b.ID)
	}
	cp := *b
	cp.Capabilities = append([]string(nil), b.Capabilities...)
	m.bots[b.ID] = cp
	return nil
}

func (m *MemDB) GetBot(_ context.Context, id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	b.Capabilities = append([]string(nil), b.Capabilities...)
	return &b, nil
}

func (m *MemDB) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ID]; ok {
		return fmt.Errorf("store: client %s already exists", c.ID)
	}
	m.clients[c.ID] = *c
	return nil
}

func (m *MemDB) GetClientsByKeyPrefix(_ context.Context, prefix string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Client
	for _, c := range m.clients {
		if c.APIKeyPrefix == prefix && c.Active {
			cp := c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }
