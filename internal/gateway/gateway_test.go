package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/event"
)

type fakeNotifier struct {
	platform   string
	connectErr error
	notifyErr  error

	mu      sync.Mutex
	notices []*Notice
}

func (f *fakeNotifier) Platform() string                { return f.platform }
func (f *fakeNotifier) Connect(_ context.Context) error { return f.connectErr }
func (f *fakeNotifier) Close() error                    { return nil }

func (f *fakeNotifier) Notify(_ context.Context, n *Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return f.notifyErr
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func TestNoticeFor(t *testing.T) {
	n, ok := NoticeFor(event.New("run-1", 10, event.OrderPlaced{OrderID: "#ABCDEF12", Part: "Industrial Widget X-9", Supplier: "Acme Corp"}))
	require.True(t, ok)
	assert.Equal(t, LevelInfo, n.Level)
	assert.Equal(t, "Order placed #ABCDEF12", n.Title)
	assert.Equal(t, "Ordered Industrial Widget X-9 from Acme Corp.", n.Content)
	assert.Equal(t, "run-1", n.RunID)

	n, ok = NoticeFor(event.New("run-2", 5, event.StageError{Kind: event.TypeVisionError, Message: "model unavailable", Stage: "analyzing_vision"}))
	require.True(t, ok)
	assert.Equal(t, LevelError, n.Level)
	assert.Equal(t, "Vision analysis failed", n.Title)
	assert.Equal(t, "model unavailable (stage analyzing_vision)", n.Content)

	_, ok = NoticeFor(event.New("run-3", 1, event.UploadComplete{}))
	assert.False(t, ok)
}

func TestGatewayIsolatesPlatformFailures(t *testing.T) {
	g := NewGateway(zap.NewNop())
	good := &fakeNotifier{platform: "good"}
	bad := &fakeNotifier{platform: "bad", notifyErr: errors.New("rate limited")}
	dead := &fakeNotifier{platform: "dead", connectErr: errors.New("invalid token")}
	g.Register(good)
	g.Register(bad)
	g.Register(dead)

	err := g.ConnectAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead")
	assert.Equal(t, []string{"bad", "good"}, g.Platforms())

	g.Notify(context.Background(), &Notice{Title: "t", RunID: "r"})
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())
	assert.Zero(t, dead.count())

	hist := g.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"good"}, hist[0].Targets)
}

func TestGatewayRunAnnouncesOutcomes(t *testing.T) {
	g := NewGateway(zap.NewNop())
	f := &fakeNotifier{platform: "fake"}
	g.Register(f)

	b := event.NewBroadcaster(16, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		g.Run(ctx, b)
	}()
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, time.Millisecond)

	b.Publish(event.New("r", 1, event.UploadComplete{}))
	b.Publish(event.New("r", 2, event.MemoryComplete{Part: "p"}))
	b.Publish(event.New("r", 3, event.OrderPlaced{OrderID: "#1"}))

	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-stopped
	assert.Equal(t, event.TypeOrderPlaced, f.notices[0].Kind)
}

func TestSlackNotifier(t *testing.T) {
	var posted map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"user":"tower","team":"ops"}`))
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		posted = map[string]string{
			"channel":     r.FormValue("channel"),
			"text":        r.FormValue("text"),
			"attachments": r.FormValue("attachments"),
		}
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlackNotifier("xoxb-test", "C1", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Status().Connected)

	err := s.Notify(context.Background(), &Notice{Level: LevelError, Title: "Order failed", Content: "boom", RunID: "r1", Timestamp: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	assert.Equal(t, "C1", posted["channel"])
	assert.Equal(t, "Order failed", posted["text"])

	var atts []map[string]any
	require.NoError(t, json.Unmarshal([]byte(posted["attachments"]), &atts))
	require.Len(t, atts, 1)
	assert.Equal(t, "danger", atts[0]["color"])
	assert.Equal(t, "run r1", atts[0]["footer"])
}

func TestSlackNotifierAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
	}))
	defer srv.Close()

	s := NewSlackNotifier("bad", "C1", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, s.Status().Error, "invalid_auth")
	assert.False(t, s.Status().Connected)
}

type fakeDiscord struct {
	channel string
	sent    *discordgo.MessageSend
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel = channelID
	f.sent = data
	return &discordgo.Message{ID: "1"}, nil
}

func TestDiscordNotifier(t *testing.T) {
	d := NewDiscordNotifier("token", "chan-9", zap.NewNop())
	assert.Error(t, d.Notify(context.Background(), &Notice{}), "not connected")

	fake := &fakeDiscord{}
	d.sender = fake
	require.NoError(t, d.Notify(context.Background(), &Notice{Level: LevelInfo, Title: "Order placed #1", Content: "ok", RunID: "r"}))
	assert.Equal(t, "chan-9", fake.channel)
	require.Len(t, fake.sent.Embeds, 1)
	assert.Equal(t, discordGreen, fake.sent.Embeds[0].Color)
	assert.Equal(t, "Order placed #1", fake.sent.Embeds[0].Title)
}

func TestWebhookNotifier(t *testing.T) {
	var got Notice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(srv.URL, zap.NewNop())
	require.NoError(t, wh.Connect(context.Background()))
	require.NoError(t, wh.Notify(context.Background(), &Notice{Kind: event.TypeOrderPlaced, Title: "x", RunID: "r"}))
	assert.Equal(t, "r", got.RunID)
	assert.Equal(t, event.TypeOrderPlaced, got.Kind)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()
	err := NewWebhookNotifier(failing.URL, zap.NewNop()).Notify(context.Background(), &Notice{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.Error(t, NewWebhookNotifier("", zap.NewNop()).Connect(context.Background()))
}
