package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var png1x1 = []byte{0x89, 'P', 'N', 'G'}

func TestOpenAIChatSendsImagesAndJSONMode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		JSONMode: true,
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "count the boxes", Images: []Image{{MIMEType: "image/png", Data: png1x1}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "be terse", msgs[0].(map[string]any)["content"])

	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[0].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "data:image/png;base64,iVBORw==", img["image_url"].(map[string]any)["url"])
	assert.Equal(t, "count the boxes", parts[1].(map[string]any)["text"])
}

func TestAnthropicChatSendsImageBlocks(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"m1","model":"claude","content":[{"type":"text","text":"12 boxes"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "an", Endpoint: srv.URL, APIKey: "key"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "claude",
		JSONMode: true,
		Messages: []Message{
			{Role: "system", Content: "you audit warehouses"},
			{Role: "user", Content: "count", Images: []Image{{MIMEType: "image/jpeg", Data: []byte("jpg")}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "12 boxes", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	assert.Equal(t, "you audit warehouses\n\n"+jsonOnlyHint, got.System)
	assert.Equal(t, 4096, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	blocks := got.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
	assert.Equal(t, "anBn", blocks[0].Source.Data)
	assert.Equal(t, "text", blocks[1].Type)
}

func TestStatusErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.False(t, IsTransient(&StatusError{Code: 400}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad json")))
	assert.False(t, IsTransient(nil))
}

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestRouterFallsBack(t *testing.T) {
	primary := &stubProvider{id: "primary", err: &StatusError{Code: 500}}
	backup := &stubProvider{id: "backup", reply: "ok"}

	r := NewRouter(zap.NewNop())
	r.Register(primary)
	r.Register(backup)
	r.Bind("vision", "primary")
	r.SetFallbacks("vision", []string{"missing", "backup"})

	resp, err := r.Route(context.Background(), "vision", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)

	backup.err = errors.New("down")
	_, err = r.Route(context.Background(), "vision", &ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers failed for role vision")
}

func TestRouterEmpty(t *testing.T) {
	_, err := NewRouter(zap.NewNop()).Route(context.Background(), "vision", &ChatRequest{})
	assert.Error(t, err)
}

func TestNewByType(t *testing.T) {
	p, err := New(ProviderConfig{ID: "a", Type: "anthropic"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProvider{}, p)

	_, err = New(ProviderConfig{Type: "gemini"}, zap.NewNop())
	assert.Error(t, err)
}
