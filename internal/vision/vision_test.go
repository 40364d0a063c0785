package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/provider"
)

func whitePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type scriptedReply struct {
	content string
	err     error
}

// scriptedChat answers Route calls from a fixed script and records requests.
type scriptedChat struct {
	mu     sync.Mutex
	script []scriptedReply
	calls  []*provider.ChatRequest
	roles  []string
}

func (s *scriptedChat) Route(_ context.Context, role string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	s.roles = append(s.roles, role)
	if len(s.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.script[0]
	s.script = s.script[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &provider.ChatResponse{Content: next.content}, nil
}

func testConfig() ModelConfig {
	return ModelConfig{Model: "vision-model", StructuringModel: "lite-model", MaxRetries: 3, RetryInitial: time.Millisecond}
}

func TestModelAnalyzerTwoCalls(t *testing.T) {
	chat := &scriptedChat{script: []scriptedReply{
		{content: "I see three brown cardboard boxes on the shelf."},
		{content: "```json\n" + `{"item_count": 5, "item_type": "cardboard boxes", "summary": "Three boxes on a shelf.",
			"confidence": "high", "search_query": "corrugated cardboard shipping box",
			"objects": [{"box_2d": [0,0,100,100], "label": "left"}, {"box_2d": [0,100,100,200], "label": "middle"}, {"box_2d": [0,200,100,300], "label": "right"}]}` + "\n```"},
	}}
	a := NewModelAnalyzer(chat, testConfig(), zap.NewNop())

	res, err := a.Analyze(context.Background(), whitePNG(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ItemCount, "count follows the object list")
	assert.Equal(t, "cardboard boxes", res.ItemType)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "corrugated cardboard shipping box", res.SearchQuery)
	assert.Len(t, res.Objects, 3)

	require.Len(t, chat.calls, 2)
	first, second := chat.calls[0], chat.calls[1]
	assert.Equal(t, "vision-model", first.Model)
	require.Len(t, first.Messages, 2)
	require.Len(t, first.Messages[1].Images, 1)
	assert.Equal(t, "image/jpeg", first.Messages[1].Images[0].MIMEType)
	assert.False(t, first.JSONMode)

	assert.Equal(t, "lite-model", second.Model)
	assert.True(t, second.JSONMode)
	assert.Contains(t, second.Messages[0].Content, "three brown cardboard boxes")
	assert.Equal(t, []string{"vision", "vision"}, chat.roles)
}

func TestModelAnalyzerFallsBackToRawText(t *testing.T) {
	raw := strings.Repeat("pallet of steel brackets ", 20)
	chat := &scriptedChat{script: []scriptedReply{
		{content: raw},
		{content: "not json at all"},
	}}
	a := NewModelAnalyzer(chat, testConfig(), zap.NewNop())

	res, err := a.Analyze(context.Background(), whitePNG(t))
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(raw[:200]), res.Summary)
	assert.Equal(t, strings.TrimSpace(raw[:50]), res.SearchQuery)
	assert.Zero(t, res.Confidence)
}

func TestModelAnalyzerRetriesTransientErrors(t *testing.T) {
	chat := &scriptedChat{script: []scriptedReply{
		{err: &provider.StatusError{Code: 503, Body: "overloaded"}},
		{err: &provider.StatusError{Code: 429, Body: "slow down"}},
		{content: "two blue bottles"},
		{content: `{"item_count": 2, "item_type": "bottles", "summary": "Two bottles.", "confidence": 0.75, "search_query": "blue plastic bottle", "objects": []}`},
	}}
	a := NewModelAnalyzer(chat, testConfig(), zap.NewNop())

	res, err := a.Analyze(context.Background(), whitePNG(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemCount)
	assert.Equal(t, 0.75, res.Confidence)
	assert.Len(t, chat.calls, 4)
}

func TestModelAnalyzerPermanentError(t *testing.T) {
	chat := &scriptedChat{script: []scriptedReply{
		{err: &provider.StatusError{Code: 401, Body: "bad key"}},
	}}
	a := NewModelAnalyzer(chat, testConfig(), zap.NewNop())

	_, err := a.Analyze(context.Background(), whitePNG(t))
	assert.ErrorIs(t, err, ErrAnalysis)
	assert.Contains(t, err.Error(), "bad key")
	assert.Len(t, chat.calls, 1)
}

func TestModelAnalyzerRejectsNonImage(t *testing.T) {
	a := NewModelAnalyzer(&scriptedChat{}, testConfig(), zap.NewNop())
	_, err := a.Analyze(context.Background(), []byte("plain text"))
	assert.ErrorIs(t, err, ErrAnalysis)
}

func TestResultValidate(t *testing.T) {
	ok := Result{ItemCount: 1, Confidence: 0.5, SearchQuery: "widget"}
	assert.NoError(t, ok.Validate())

	bad := []Result{
		{ItemCount: -1, SearchQuery: "x"},
		{Confidence: 1.5, SearchQuery: "x"},
		{Confidence: 0.5, SearchQuery: "  "},
	}
	for _, r := range bad {
		assert.ErrorIs(t, r.Validate(), ErrAnalysis)
	}
}

func TestParseAgentReply(t *testing.T) {
	res, err := ParseAgentReply("Twelve sealed boxes on the top shelf.\n\nSearch terms: industrial widget\n\n" +
		`[BOUNDING_BOXES][{"box_2d":[1,2,3,4],"label":"a"},{"box_2d":[5,6,7,8],"label":"b"}][/BOUNDING_BOXES]`)
	require.NoError(t, err)
	assert.Equal(t, "Twelve sealed boxes on the top shelf.", res.Summary)
	assert.Equal(t, "industrial widget", res.SearchQuery)
	assert.Equal(t, 2, res.ItemCount)

	res, err = ParseAgentReply(`{"item_type":"box","item_count":12,"summary":"boxes","confidence":"medium","search_query":"industrial widget"}`)
	require.NoError(t, err)
	assert.Equal(t, 12, res.ItemCount)
	assert.Equal(t, 0.6, res.Confidence)

	_, err = ParseAgentReply("Error analyzing image: quota")
	assert.ErrorIs(t, err, ErrAnalysis)
}

type loopback struct {
	handler func(ctx context.Context, text string) (string, error)
}

func (l loopback) SendText(ctx context.Context, _ string, text string) (string, error) {
	return l.handler(ctx, text)
}

func TestRemoteAnalyzerAgainstAgentHandler(t *testing.T) {
	chat := &scriptedChat{script: []scriptedReply{
		{content: "a dozen boxes"},
		{content: `{"item_count": 12, "item_type": "box", "summary": "A dozen boxes.", "confidence": "low", "search_query": "industrial widget", "objects": []}`},
	}}
	agent := NewModelAnalyzer(chat, testConfig(), zap.NewNop())
	remote := NewRemoteAnalyzer(loopback{handler: agent.HandleAgentMessage}, func() string { return "http://vision" }, 0, zap.NewNop())

	res, err := remote.Analyze(context.Background(), whitePNG(t))
	require.NoError(t, err)
	assert.Equal(t, 12, res.ItemCount)
	assert.Equal(t, "box", res.ItemType)
	assert.Equal(t, 0.3, res.Confidence)
	assert.Equal(t, "industrial widget", res.SearchQuery)
}

func TestHandleAgentMessageRequiresImage(t *testing.T) {
	a := NewModelAnalyzer(&scriptedChat{}, testConfig(), zap.NewNop())
	_, err := a.HandleAgentMessage(context.Background(), `{"query":"count"}`)
	assert.Error(t, err)
}
