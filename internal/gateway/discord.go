package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	discordGreen = 0x2EB67D
	discordRed   = 0xE01E5A
)

// discordSender is the part of *discordgo.Session the notifier uses.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts notices as embeds to one Discord channel. It only
// uses the REST API, so no gateway websocket is opened.
type DiscordNotifier struct {
	token     string
	channelID string
	sender    discordSender
	session   *discordgo.Session
	logger    *zap.Logger

	mu          sync.RWMutex
	connectedAt time.Time
	botName     string
	lastError   string
}

// NewDiscordNotifier creates a Discord notifier for a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) *DiscordNotifier {
	return &DiscordNotifier{token: token, channelID: channelID, logger: logger}
}

func (d *DiscordNotifier) Platform() string { return "discord" }

// Connect creates the session and checks the token by fetching the bot user.
func (d *DiscordNotifier) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		d.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	me, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		d.setError(fmt.Sprintf("auth failed: %v", err))
		return fmt.Errorf("discord auth: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.sender = session
	d.connectedAt = time.Now()
	d.botName = me.Username
	d.lastError = ""
	d.mu.Unlock()

	d.logger.Info("discord notifier ready", zap.String("user", me.Username), zap.String("channel", d.channelID))
	return nil
}

// Notify posts n as a colored embed.
func (d *DiscordNotifier) Notify(ctx context.Context, n *Notice) error {
	d.mu.RLock()
	sender := d.sender
	d.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("discord notifier not connected")
	}

	color := discordGreen
	if n.Level == LevelError {
		color = discordRed
	}
	msg := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       n.Title,
			Description: n.Content,
			Color:       color,
			Timestamp:   n.Timestamp.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: "run " + n.RunID},
		}},
	}
	if _, err := sender.ChannelMessageSendComplex(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		d.setError(err.Error())
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (d *DiscordNotifier) Close() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordNotifier) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := Status{Platform: "discord", Connected: !d.connectedAt.IsZero(), Error: d.lastError}
	if s.Connected {
		t := d.connectedAt
		s.ConnectedAt = &t
		s.Details = fmt.Sprintf("bot=%s, channel=%s", d.botName, d.channelID)
	}
	return s
}

func (d *DiscordNotifier) setError(msg string) {
	d.mu.Lock()
	d.lastError = msg
	d.mu.Unlock()
}
