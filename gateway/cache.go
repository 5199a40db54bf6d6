package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// Cache is the interface read results are cached through. Implement it
// with your preferred backend (Redis, Memcached, in-memory).
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes all values with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// MemoryCache is a process-local Cache for tests and single-node use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return nil, nil
	}
	return e.value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// DeletePrefix implements Cache.
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

// queryCache caches scanned result sets. Keys carry the identity
// fingerprint, so one caller can never be served rows fetched under
// another's policy decision, and a per-model namespace that mutations
// invalidate wholesale.
type queryCache struct {
	backend Cache
	group   singleflight.Group
	ttl     time.Duration
}

const defaultCacheTTL = time.Minute

func newQueryCache(backend Cache) *queryCache {
	return &queryCache{backend: backend, ttl: defaultCacheTTL}
}

func (qc *queryCache) rows(ctx context.Context, c *Client, m *schema.Model, id *identity.Identity, query string, args []any) ([]bastion.Row, error) {
	key := qc.key(m, id, query, args)
	if buf, err := qc.backend.Get(ctx, key); err == nil && buf != nil {
		var rows []bastion.Row
		if err := msgpack.Unmarshal(buf, &rows); err == nil {
			c.log.Debug("cache hit", zap.String("model", m.Name))
			return rows, nil
		}
	}
	v, err, _ := qc.group.Do(key, func() (any, error) {
		rows, err := c.runQuery(ctx, m, query, args)
		if err != nil {
			return nil, err
		}
		if buf, err := msgpack.Marshal(rows); err == nil {
			_ = qc.backend.Set(ctx, key, buf, qc.ttl)
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]bastion.Row)
	// Concurrent callers share one load; give each its own copy.
	out := make([]bastion.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// invalidate drops every cached result for the model, for all identities.
func (qc *queryCache) invalidate(ctx context.Context, model string) {
	_ = qc.backend.DeletePrefix(ctx, "q:"+model+":")
}

func (qc *queryCache) key(m *schema.Model, id *identity.Identity, query string, args []any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%v\x00%s", query, args, fingerprint(id))
	return "q:" + m.Name + ":" + hex.EncodeToString(h.Sum(nil))
}

// fingerprint is a stable digest of the policy-relevant identity state.
func fingerprint(id *identity.Identity) string {
	if id.IsAnonymous() {
		return "anon"
	}
	roles := append([]string{}, id.Roles...)
	sort.Strings(roles)
	claims := make([]string, 0, len(id.Claims))
	for k, v := range id.Claims {
		claims = append(claims, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(claims)
	return fmt.Sprintf("%s|%s|%s|%s", id.Subject, id.Tenant, strings.Join(roles, ","), strings.Join(claims, ","))
}
