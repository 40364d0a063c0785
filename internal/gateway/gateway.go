package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/event"
)

const (
	queueSize     = 32
	notifyTimeout = 10 * time.Second
)

// Gateway manages the notifiers and fans notices out to them.
type Gateway struct {
	notifiers map[string]Notifier
	mu        sync.RWMutex
	history   *history
	logger    *zap.Logger
}

// NewGateway creates a gateway manager.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		notifiers: make(map[string]Notifier),
		history:   newHistory(50),
		logger:    logger,
	}
}

// Register adds a notifier.
func (g *Gateway) Register(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers[n.Platform()] = n
	g.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// ConnectAll connects every notifier. One that fails is unregistered; the
// others keep working.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for platform, n := range g.notifiers {
		if err := n.Connect(ctx); err != nil {
			g.logger.Error("notifier connect failed", zap.String("platform", platform), zap.Error(err))
			delete(g.notifiers, platform)
			errs = append(errs, fmt.Errorf("connect %s: %w", platform, err))
			continue
		}
		g.logger.Info("notifier connected", zap.String("platform", platform))
	}
	return errors.Join(errs...)
}

// Notify sends n to every notifier. Failures are logged per platform and
// never returned.
func (g *Gateway) Notify(ctx context.Context, n *Notice) {
	g.mu.RLock()
	targets := make([]Notifier, 0, len(g.notifiers))
	for _, nt := range g.notifiers {
		targets = append(targets, nt)
	}
	g.mu.RUnlock()

	delivered := make([]string, 0, len(targets))
	for _, nt := range targets {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := nt.Notify(nctx, n)
		cancel()
		if err != nil {
			g.logger.Warn("notify failed",
				zap.String("platform", nt.Platform()),
				zap.String("run_id", n.RunID),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, nt.Platform())
	}
	sort.Strings(delivered)
	g.history.add(n, delivered)
}

// Run follows b and announces every notable event until ctx ends or b
// closes. Delivery happens on a separate goroutine so a slow platform never
// holds up the broadcaster.
func (g *Gateway) Run(ctx context.Context, b *event.Broadcaster) {
	queue := make(chan *Notice, queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range queue {
			g.Notify(ctx, n)
		}
	}()

	b.Follow(ctx, "gateway", func(e event.Event) {
		n, ok := NoticeFor(e)
		if !ok {
			return
		}
		select {
		case queue <- n:
		default:
			g.logger.Warn("notice queue full, dropping", zap.String("run_id", e.RunID), zap.String("event", string(e.Type)))
		}
	})
	close(queue)
	<-done
}

// History returns the most recent notices with the platforms that took them.
func (g *Gateway) History(limit int) []Record {
	return g.history.recent(limit)
}

// Close shuts down all notifiers.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, n := range g.notifiers {
		if err := n.Close(); err != nil {
			g.logger.Error("notifier close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Platforms returns the registered platform names, sorted.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.notifiers))
	for p := range g.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
