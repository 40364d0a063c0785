package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts notices to one Slack channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger

	mu          sync.RWMutex
	connectedAt time.Time
	botName     string
	lastError   string
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User OAuth
// Token (xoxb-...). Extra options such as slack.OptionAPIURL are passed to
// the client.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackNotifier) Platform() string { return "slack" }

// Connect checks the token with auth.test.
func (s *SlackNotifier) Connect(ctx context.Context) error {
	resp, err := s.client.AuthTestContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		return fmt.Errorf("slack auth: %w", err)
	}
	s.connectedAt = time.Now()
	s.botName = resp.User
	s.lastError = ""
	s.logger.Info("slack notifier ready", zap.String("bot", resp.User), zap.String("team", resp.Team))
	return nil
}

// Notify posts n as a colored attachment.
func (s *SlackNotifier) Notify(ctx context.Context, n *Notice) error {
	color := "good"
	if n.Level == LevelError {
		color = "danger"
	}
	att := slack.Attachment{
		Color:    color,
		Title:    n.Title,
		Text:     n.Content,
		Footer:   "run " + n.RunID,
		Fallback: n.Title + ": " + n.Content,
		Ts:       json.Number(strconv.FormatInt(n.Timestamp.Unix(), 10)),
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Title, false),
		slack.MsgOptionAttachments(att),
	)
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the client holds no connection.
func (s *SlackNotifier) Close() error {
	return nil
}

func (s *SlackNotifier) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Platform: "slack", Connected: !s.connectedAt.IsZero(), Error: s.lastError}
	if st.Connected {
		t := s.connectedAt
		st.ConnectedAt = &t
		st.Details = fmt.Sprintf("bot=%s, channel=%s", s.botName, s.channel)
	}
	return st
}
