package a2a

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const visionCard = `{
  "name": "Vision Inspection Agent",
  "description": "Audits physical inventory from images.",
  "url": "http://vision.internal:8081/",
  "version": "1.0.0",
  "preferredTransport": "JSONRPC",
  "capabilities": {"streaming": false},
  "skills": [
    {"id": "audit_inventory", "name": "Audit Inventory via Image", "tags": ["vision"]},
    {"id": "count_only"}
  ]
}`

func cardServer(t *testing.T, path, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverFlattensCard(t *testing.T) {
	srv := cardServer(t, WellKnownPath, visionCard, nil)
	r := NewResolver(map[AgentKey]string{AgentVision: srv.URL}, 0, nil, zap.NewNop())

	d, err := r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	assert.Equal(t, AgentVision, d.Key)
	assert.Equal(t, "Vision Inspection Agent", d.DisplayName)
	assert.Equal(t, "1.0.0", d.Version)
	assert.Equal(t, "http://vision.internal:8081/", d.EndpointURL)
	assert.Equal(t, "JSONRPC", d.Transport)
	assert.Equal(t, []string{"Audit Inventory via Image", "count_only"}, d.Skills)
	assert.False(t, d.SupportsStreaming)
	assert.False(t, d.FetchedAt.IsZero())
}

func TestDiscoverIsPermissive(t *testing.T) {
	srv := cardServer(t, WellKnownPath, `{"name": "Bare Agent"}`, nil)
	r := NewResolver(map[AgentKey]string{AgentSupplier: srv.URL}, 0, nil, zap.NewNop())

	d, err := r.Discover(context.Background(), AgentSupplier)
	require.NoError(t, err)
	assert.Equal(t, "Bare Agent", d.DisplayName)
	assert.Empty(t, d.Skills)
	assert.NotNil(t, d.Skills)
	assert.Empty(t, d.Transport)
	assert.False(t, d.SupportsStreaming)
	assert.Equal(t, srv.URL, d.EndpointURL)
}

func TestDiscoverFallsBackToLegacyPath(t *testing.T) {
	srv := cardServer(t, LegacyWellKnownPath, visionCard, nil)
	r := NewResolver(map[AgentKey]string{AgentVision: srv.URL + "/"}, 0, nil, zap.NewNop())

	d, err := r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	assert.Equal(t, "Vision Inspection Agent", d.DisplayName)
}

func TestDiscoverCachesForever(t *testing.T) {
	var hits atomic.Int32
	srv := cardServer(t, WellKnownPath, visionCard, &hits)
	r := NewResolver(map[AgentKey]string{AgentVision: srv.URL}, 0, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := r.Discover(context.Background(), AgentVision)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Len(t, r.Cached(), 1)

	r.Invalidate(AgentVision)
	_, err := r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDiscoverHonoursTTL(t *testing.T) {
	var hits atomic.Int32
	srv := cardServer(t, WellKnownPath, visionCard, &hits)
	r := NewResolver(map[AgentKey]string{AgentVision: srv.URL}, time.Minute, nil, zap.NewNop())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, err := r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.Discover(context.Background(), AgentVision)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDiscoverCollapsesConcurrentMisses(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(WellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(visionCard))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(map[AgentKey]string{AgentVision: srv.URL}, 0, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Discover(context.Background(), AgentVision)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestDiscoverErrors(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	garbage := cardServer(t, WellKnownPath, `not json`, nil)
	nameless := cardServer(t, WellKnownPath, `{"version":"1"}`, nil)

	r := NewResolver(map[AgentKey]string{
		AgentVision:   broken.URL,
		AgentSupplier: garbage.URL,
	}, 0, nil, zap.NewNop())

	_, err := r.Discover(context.Background(), AgentVision)
	assert.True(t, errors.Is(err, ErrDiscovery))
	_, err = r.Discover(context.Background(), AgentSupplier)
	assert.True(t, errors.Is(err, ErrDiscovery))

	r2 := NewResolver(map[AgentKey]string{AgentVision: nameless.URL}, 0, nil, zap.NewNop())
	_, err = r2.Discover(context.Background(), AgentVision)
	assert.ErrorIs(t, err, ErrDiscovery)

	r3 := NewResolver(nil, 0, nil, zap.NewNop())
	_, err = r3.Discover(context.Background(), AgentVision)
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.Empty(t, r3.Cached())
}

func TestParseAgentKey(t *testing.T) {
	k, err := ParseAgentKey("supplier")
	require.NoError(t, err)
	assert.Equal(t, AgentSupplier, k)

	_, err = ParseAgentKey("memory")
	assert.Error(t, err)
}
