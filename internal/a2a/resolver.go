package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrDiscovery wraps every failure to obtain an agent descriptor.
var ErrDiscovery = errors.New("agent discovery failed")

const (
	// WellKnownPath is where current A2A agents publish their card.
	WellKnownPath = "/.well-known/agent-card.json"
	// LegacyWellKnownPath is tried when WellKnownPath returns 404.
	LegacyWellKnownPath = "/.well-known/agent.json"

	maxCardBytes = 1 << 20
)

type cacheEntry struct {
	desc Descriptor
}

// Resolver fetches agent cards once and caches them by agent key.
type Resolver struct {
	endpoints map[AgentKey]string
	ttl       time.Duration
	client    *http.Client
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[AgentKey]cacheEntry
	group singleflight.Group
	now   func() time.Time
}

// NewResolver creates a resolver for the given agent base URLs. A zero ttl
// caches descriptors for the life of the process.
func NewResolver(endpoints map[AgentKey]string, ttl time.Duration, client *http.Client, logger *zap.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	eps := make(map[AgentKey]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = strings.TrimRight(v, "/")
	}
	return &Resolver{
		endpoints: eps,
		ttl:       ttl,
		client:    client,
		logger:    logger,
		cache:     make(map[AgentKey]cacheEntry),
		now:       time.Now,
	}
}

// BaseURL returns the configured base URL for key.
func (r *Resolver) BaseURL(key AgentKey) string {
	return r.endpoints[key]
}

// Discover returns the descriptor for key, fetching it on a cache miss.
func (r *Resolver) Discover(ctx context.Context, key AgentKey) (Descriptor, error) {
	if d, ok := r.lookup(key); ok {
		r.logger.Debug("agent descriptor cache hit", zap.String("agent", string(key)))
		return d, nil
	}

	base, ok := r.endpoints[key]
	if !ok || base == "" {
		return Descriptor{}, fmt.Errorf("%w: no endpoint configured for %q", ErrDiscovery, key)
	}

	v, err, shared := r.group.Do(string(key), func() (any, error) {
		card, err := r.fetchCard(ctx, base)
		if err != nil {
			return nil, err
		}
		d := Describe(key, card, base)
		d.FetchedAt = r.now()

		r.mu.Lock()
		r.cache[key] = cacheEntry{desc: d}
		r.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %s: %v", ErrDiscovery, key, err)
	}

	d := v.(Descriptor)
	r.logger.Info("agent discovered",
		zap.String("agent", string(key)),
		zap.String("name", d.DisplayName),
		zap.String("version", d.Version),
		zap.Bool("shared", shared))
	return d, nil
}

func (r *Resolver) lookup(key AgentKey) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[key]
	if !ok {
		return Descriptor{}, false
	}
	if r.ttl > 0 && r.now().Sub(e.desc.FetchedAt) > r.ttl {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Resolver) fetchCard(ctx context.Context, base string) (*AgentCard, error) {
	card, status, err := r.get(ctx, base+WellKnownPath)
	if status == http.StatusNotFound {
		card, _, err = r.get(ctx, base+LegacyWellKnownPath)
	}
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (r *Resolver) get(ctx context.Context, url string) (*AgentCard, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("fetch %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var card AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCardBytes)).Decode(&card); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode card from %s: %w", url, err)
	}
	if card.Name == "" {
		return nil, resp.StatusCode, fmt.Errorf("card from %s has no name", url)
	}
	return &card, resp.StatusCode, nil
}

// Cached returns every cached descriptor, ordered by key.
func (r *Resolver) Cached() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.cache))
	for _, e := range r.cache {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Invalidate drops the cached descriptor for key.
func (r *Resolver) Invalidate(key AgentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}
