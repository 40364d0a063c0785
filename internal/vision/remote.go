package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/imaging"
)

const (
	searchTermsMarker = "Search terms:"
	boxesOpen         = "[BOUNDING_BOXES]"
	boxesClose        = "[/BOUNDING_BOXES]"
)

// Sender delivers one text message to an agent endpoint. a2a.Client
// satisfies it.
type Sender interface {
	SendText(ctx context.Context, endpointURL, text string) (string, error)
}

// RemoteAnalyzer delegates analysis to a vision agent over A2A.
type RemoteAnalyzer struct {
	sender     Sender
	endpoint   func() string
	query      string
	maxImageKB int
	logger     *zap.Logger
}

// NewRemoteAnalyzer creates an analyzer that posts compressed images to the
// URL returned by endpoint.
func NewRemoteAnalyzer(sender Sender, endpoint func() string, maxImageKB int, logger *zap.Logger) *RemoteAnalyzer {
	if maxImageKB <= 0 {
		maxImageKB = 500
	}
	return &RemoteAnalyzer{
		sender:     sender,
		endpoint:   endpoint,
		query:      "Count the exact number of items in this image.",
		maxImageKB: maxImageKB,
		logger:     logger,
	}
}

// Analyze sends the image to the vision agent and parses its reply.
func (r *RemoteAnalyzer) Analyze(ctx context.Context, image []byte) (Result, error) {
	compressed, err := imaging.Compress(image, r.maxImageKB)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAnalysis, err)
	}
	body, err := json.Marshal(agentRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(compressed),
		Query:       r.query,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %w", ErrAnalysis, err)
	}

	url := r.endpoint()
	reply, err := r.sender.SendText(ctx, url, string(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: vision agent: %w", ErrAnalysis, err)
	}
	res, err := ParseAgentReply(reply)
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("remote vision analysis", zap.String("endpoint", url), zap.Int("item_count", res.ItemCount))
	return res, nil
}

// ParseAgentReply accepts either a JSON Result or the text form
// "<summary>\n\nSearch terms: <query>" with an optional bounding box block.
func ParseAgentReply(reply string) (Result, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "{") {
		res, err := parseStructured(text)
		if err != nil {
			return Result{}, fmt.Errorf("%w: decode agent reply: %w", ErrAnalysis, err)
		}
		if err := res.Validate(); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	var objects []Object
	if i := strings.Index(text, boxesOpen); i >= 0 {
		block := text[i+len(boxesOpen):]
		if j := strings.Index(block, boxesClose); j >= 0 {
			_ = json.Unmarshal([]byte(block[:j]), &objects)
		}
		text = strings.TrimSpace(text[:i])
	}

	i := strings.LastIndex(text, searchTermsMarker)
	if i < 0 {
		return Result{}, fmt.Errorf("%w: agent replied %q", ErrAnalysis, prefix(text, 120))
	}
	res := Result{
		Summary:     strings.TrimSpace(text[:i]),
		SearchQuery: strings.TrimSpace(text[i+len(searchTermsMarker):]),
		ItemCount:   len(objects),
		Objects:     objects,
	}
	if err := res.Validate(); err != nil {
		return Result{}, err
	}
	return res, nil
}
