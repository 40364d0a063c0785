package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// noMatchReply is the text answer of a supplier agent with an empty catalog.
const noMatchReply = "No matching supplier found in inventory."

// Sender delivers one text message to an agent endpoint. a2a.Client
// satisfies it.
type Sender interface {
	SendText(ctx context.Context, endpointURL, text string) (string, error)
}

// agentQuery is the message body understood by the supplier agent.
type agentQuery struct {
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// agentReply is the supplier agent's answer.
type agentReply struct {
	Part            string   `json:"part"`
	Supplier        string   `json:"supplier"`
	Distance        *float64 `json:"distance,omitempty"`
	MatchConfidence string   `json:"match_confidence"`
}

// RemoteMatcher delegates matching to a supplier agent over A2A.
type RemoteMatcher struct {
	sender   Sender
	endpoint func() string
	logger   *zap.Logger
}

// NewRemoteMatcher creates a matcher that posts to the URL returned by
// endpoint at call time, so a rediscovered agent URL is picked up.
func NewRemoteMatcher(sender Sender, endpoint func() string, logger *zap.Logger) *RemoteMatcher {
	return &RemoteMatcher{sender: sender, endpoint: endpoint, logger: logger}
}

// FindNearest asks the supplier agent for the best match for query.
func (r *RemoteMatcher) FindNearest(ctx context.Context, query string) (Match, error) {
	body, err := json.Marshal(agentQuery{Query: query})
	if err != nil {
		return Match{}, fmt.Errorf("%w: marshal query: %w", ErrMatch, err)
	}
	url := r.endpoint()
	reply, err := r.sender.SendText(ctx, url, string(body))
	if err != nil {
		return Match{}, fmt.Errorf("%w: supplier agent: %w", ErrMatch, err)
	}
	m, err := ParseAgentReply(reply)
	if err != nil {
		return Match{}, err
	}
	r.logger.Debug("remote catalog match", zap.String("endpoint", url), zap.String("part", m.PartName))
	return m, nil
}

// ParseAgentReply decodes a supplier agent reply into a Match. Either the
// numeric distance or the formatted match_confidence must be present.
func ParseAgentReply(reply string) (Match, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, noMatchReply) {
		return Match{}, fmt.Errorf("%w: %w", ErrMatch, ErrNoCandidates)
	}
	var ar agentReply
	if err := json.Unmarshal([]byte(text), &ar); err != nil {
		return Match{}, fmt.Errorf("%w: supplier agent replied %q", ErrMatch, truncate(text, 120))
	}
	if ar.Part == "" {
		return Match{}, fmt.Errorf("%w: supplier agent reply has no part", ErrMatch)
	}

	m := Match{PartName: ar.Part, SupplierName: ar.Supplier}
	switch {
	case ar.Distance != nil:
		m.Distance = *ar.Distance
		m.Confidence = Confidence(m.Distance)
	case ar.MatchConfidence != "":
		pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(ar.MatchConfidence), "%"), 64)
		if err != nil {
			return Match{}, fmt.Errorf("%w: bad match_confidence %q", ErrMatch, ar.MatchConfidence)
		}
		m.Confidence = Confidence(1 - pct/100)
		m.Distance = 1 - m.Confidence
	default:
		return Match{}, fmt.Errorf("%w: supplier agent reply has no distance", ErrMatch)
	}
	return m, nil
}

// HandleAgentMessage answers a supplier agent request. The text is either
// JSON with a query or a precomputed embedding, or a bare query string.
func (m *Matcher) HandleAgentMessage(ctx context.Context, text string) (string, error) {
	var q agentQuery
	if err := json.Unmarshal([]byte(text), &q); err != nil {
		q.Query = strings.TrimSpace(text)
	}

	var (
		match Match
		err   error
	)
	switch {
	case len(q.Embedding) > 0:
		match, err = m.nearestVector(ctx, q.Embedding)
	case q.Query != "":
		match, err = m.FindNearest(ctx, q.Query)
	default:
		return "", errors.New("provide 'query' (text) or 'embedding' (vector) in JSON")
	}
	if errors.Is(err, ErrNoCandidates) {
		return noMatchReply, nil
	}
	if err != nil {
		return "", err
	}

	dist := match.Distance
	out, err := json.MarshalIndent(agentReply{
		Part:            match.PartName,
		Supplier:        match.SupplierName,
		Distance:        &dist,
		MatchConfidence: FormatConfidence(match.Confidence),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (m *Matcher) nearestVector(ctx context.Context, vec []float32) (Match, error) {
	if d := m.index.Dimension(); d > 0 && len(vec) != d {
		return Match{}, fmt.Errorf("%w: %w: query has %d, index expects %d", ErrMatch, ErrDimensionMismatch, len(vec), d)
	}
	hits, err := m.index.Nearest(ctx, vec, m.topK)
	if err != nil {
		return Match{}, fmt.Errorf("%w: search: %w", ErrMatch, err)
	}
	if len(hits) == 0 {
		return Match{}, fmt.Errorf("%w: %w", ErrMatch, ErrNoCandidates)
	}
	SortHits(hits)
	return Match{
		PartName:     hits[0].Entry.PartName,
		SupplierName: hits[0].Entry.SupplierName,
		Distance:     hits[0].Distance,
		Confidence:   Confidence(hits[0].Distance),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
