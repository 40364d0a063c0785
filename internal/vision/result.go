// Package vision turns a warehouse image into a structured item description
// and a catalog search query.
package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAnalysis wraps every failure to analyze an image.
var ErrAnalysis = errors.New("vision analysis failed")

// Result is what the analyzer reports about one image.
type Result struct {
	ItemType    string   `json:"item_type"`
	ItemCount   int      `json:"item_count"`
	Summary     string   `json:"summary"`
	Confidence  float64  `json:"confidence"`
	SearchQuery string   `json:"search_query"`
	Objects     []Object `json:"objects,omitempty"`
}

// Object is one detected item with a box normalized to 0-1000, ordered
// ymin, xmin, ymax, xmax.
type Object struct {
	Box   []int  `json:"box_2d"`
	Label string `json:"label"`
}

// Validate checks the invariants every Result must hold.
func (r Result) Validate() error {
	if r.ItemCount < 0 {
		return fmt.Errorf("%w: negative item count %d", ErrAnalysis, r.ItemCount)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrAnalysis, r.Confidence)
	}
	if strings.TrimSpace(r.SearchQuery) == "" {
		return fmt.Errorf("%w: empty search query", ErrAnalysis)
	}
	return nil
}

// confidence accepts a number or one of high, medium, low.
type confidence float64

func (c *confidence) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("confidence: %s", b)
		}
		*c = confidence(f)
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		*c = 0.9
	case "medium":
		*c = 0.6
	case "low":
		*c = 0.3
	default:
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return fmt.Errorf("confidence: unknown level %q", s)
		}
		if strings.HasSuffix(s, "%") {
			f /= 100
		}
		*c = confidence(f)
	}
	return nil
}

// structured is the JSON shape requested from the structuring call and
// returned by remote vision agents.
type structured struct {
	ItemCount   int        `json:"item_count"`
	ItemType    string     `json:"item_type"`
	Summary     string     `json:"summary"`
	Confidence  confidence `json:"confidence"`
	SearchQuery string     `json:"search_query"`
	Objects     []Object   `json:"objects"`
}

func (s structured) result() Result {
	r := Result{
		ItemType:    s.ItemType,
		ItemCount:   s.ItemCount,
		Summary:     s.Summary,
		Confidence:  float64(s.Confidence),
		SearchQuery: strings.TrimSpace(s.SearchQuery),
		Objects:     s.Objects,
	}
	if n := len(s.Objects); n > 0 && n != r.ItemCount {
		r.ItemCount = n
	}
	return r
}

// parseStructured decodes a model reply, tolerating a markdown code fence.
func parseStructured(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var s structured
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return Result{}, err
	}
	return s.result(), nil
}

// fallback builds a Result straight from the raw model text.
func fallback(raw string) Result {
	return Result{
		Summary:     strings.TrimSpace(prefix(raw, 200)),
		SearchQuery: strings.TrimSpace(prefix(raw, 50)),
	}
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
