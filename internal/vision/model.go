package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/imaging"
	"github.com/nidhogg/control-tower/internal/provider"
)

const systemInstruction = `You are a precision inventory counting and detection agent.

Rules:
1. Identify the PRIMARY object type in the image (boxes, bottles, cans, parts, etc.)
2. Count ONLY distinct, individual physical items. Do not double-count.
3. Partially visible items at edges count ONLY if more than 50% visible.
4. Provide the 2D bounding box for EACH detected object as box_2d: [ymin, xmin, ymax, xmax] normalized to 0-1000.
5. Label each object with a short unique description (position, color, size).
6. If uncertain, err on the lower count.
7. Your final count MUST match the number of bounding boxes you provide.`

// DefaultQuery is the counting instruction sent with each image.
const DefaultQuery = "Analyze this image:\n" +
	"1. Identify the primary object type\n" +
	"2. Count all distinct objects precisely\n" +
	"3. For EACH detected object, provide its bounding box as box_2d: [ymin, xmin, ymax, xmax] normalized to 0-1000\n" +
	"4. Label each object with a short unique description\n\n" +
	"Your final count must match the number of bounding boxes."

const structurePrompt = `Parse this vision analysis output into JSON with exactly these keys:
item_count (integer), item_type (string), summary (one sentence), confidence ("high", "medium" or "low"),
search_query (3-5 word supplier search query focused on item type, material and category),
objects (array of {"box_2d": [ymin, xmin, ymax, xmax], "label": string}, empty if none).
The item_count must match the number of objects.

Vision Analysis Output:
%s`

// Chatter routes a chat request to a provider. provider.Router satisfies it.
type Chatter interface {
	Route(ctx context.Context, role string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// ModelConfig tunes the model-backed analyzer.
type ModelConfig struct {
	Role             string
	Model            string
	StructuringModel string
	Query            string
	MaxImageKB       int
	MaxRetries       int
	RetryInitial     time.Duration
}

func (c *ModelConfig) applyDefaults() {
	if c.Role == "" {
		c.Role = "vision"
	}
	if c.StructuringModel == "" {
		c.StructuringModel = c.Model
	}
	if c.Query == "" {
		c.Query = DefaultQuery
	}
	if c.MaxImageKB <= 0 {
		c.MaxImageKB = 500
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
}

// ModelAnalyzer asks a multimodal LLM to count items, then asks again to
// structure the answer as JSON.
type ModelAnalyzer struct {
	chat   Chatter
	cfg    ModelConfig
	logger *zap.Logger
}

// NewModelAnalyzer creates an analyzer backed by chat.
func NewModelAnalyzer(chat Chatter, cfg ModelConfig, logger *zap.Logger) *ModelAnalyzer {
	cfg.applyDefaults()
	return &ModelAnalyzer{chat: chat, cfg: cfg, logger: logger}
}

// Analyze runs both model calls for image.
func (m *ModelAnalyzer) Analyze(ctx context.Context, image []byte) (Result, error) {
	compressed, err := imaging.Compress(image, m.cfg.MaxImageKB)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAnalysis, err)
	}
	m.logger.Debug("image compressed",
		zap.Int("original_bytes", len(image)),
		zap.Int("compressed_bytes", len(compressed)))

	raw, err := m.route(ctx, &provider.ChatRequest{
		Model:       m.cfg.Model,
		Temperature: 0,
		Messages: []provider.Message{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: m.cfg.Query, Images: []provider.Image{{MIMEType: "image/jpeg", Data: compressed}}},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: vision call: %w", ErrAnalysis, err)
	}
	if strings.TrimSpace(raw) == "" {
		return Result{}, fmt.Errorf("%w: model returned no text", ErrAnalysis)
	}

	res, err := m.structure(ctx, raw)
	if err != nil {
		m.logger.Warn("structuring failed, using raw text", zap.Error(err))
		res = fallback(raw)
	}
	if strings.TrimSpace(res.SearchQuery) == "" {
		res.SearchQuery = fallback(raw).SearchQuery
	}
	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	m.logger.Info("vision analysis complete",
		zap.Int("item_count", res.ItemCount),
		zap.String("item_type", res.ItemType),
		zap.String("search_query", res.SearchQuery))
	return res, nil
}

func (m *ModelAnalyzer) structure(ctx context.Context, raw string) (Result, error) {
	text, err := m.route(ctx, &provider.ChatRequest{
		Model:    m.cfg.StructuringModel,
		JSONMode: true,
		Messages: []provider.Message{{Role: "user", Content: fmt.Sprintf(structurePrompt, raw)}},
	})
	if err != nil {
		return Result{}, err
	}
	res, err := parseStructured(text)
	if err != nil {
		return Result{}, fmt.Errorf("decode structured reply: %w", err)
	}
	return res, nil
}

// route calls the provider, retrying transient failures with exponential
// backoff.
func (m *ModelAnalyzer) route(ctx context.Context, req *provider.ChatRequest) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.cfg.MaxRetries)), ctx)

	op := func() (string, error) {
		resp, err := m.chat.Route(ctx, m.cfg.Role, req)
		if err != nil {
			if provider.IsTransient(err) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return resp.Content, nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("transient provider error, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

// agentRequest is the message body understood by the vision agent.
type agentRequest struct {
	ImageBase64 string `json:"image_base64"`
	Query       string `json:"query,omitempty"`
}

// HandleAgentMessage answers a vision agent request with a JSON Result.
func (m *ModelAnalyzer) HandleAgentMessage(ctx context.Context, text string) (string, error) {
	var req agentRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil || req.ImageBase64 == "" {
		return "", errors.New(`no image, send JSON: {"image_base64": "<base64>"}`)
	}
	img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	res, err := m.Analyze(ctx, img)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
