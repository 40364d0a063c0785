// Package gateway posts workflow outcomes to chat platforms.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/control-tower/internal/event"
)

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, n *Notice) error
	Close() error
}

// Level is the severity of a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a platform-neutral message about a run.
type Notice struct {
	Kind      event.Type `json:"kind"`
	Level     Level      `json:"level"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	RunID     string     `json:"run_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// Status describes the connection state of a notifier.
type Status struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// NoticeFor converts the events worth announcing: placed orders and run
// failures.
func NoticeFor(e event.Event) (*Notice, bool) {
	n := &Notice{Kind: e.Type, RunID: e.RunID, Timestamp: e.Timestamp}
	switch p := e.Payload.(type) {
	case event.OrderPlaced:
		n.Level = LevelInfo
		n.Title = "Order placed " + p.OrderID
		n.Content = fmt.Sprintf("Ordered %s from %s.", p.Part, p.Supplier)
	case event.StageError:
		n.Level = LevelError
		n.Title = failureTitle(e.Type)
		n.Content = fmt.Sprintf("%s (stage %s)", p.Message, p.Stage)
	default:
		return nil, false
	}
	return n, true
}

func failureTitle(t event.Type) string {
	switch t {
	case event.TypeVisionError:
		return "Vision analysis failed"
	case event.TypeMemoryError:
		return "Catalog match failed"
	case event.TypeOrderError:
		return "Order failed"
	}
	return "Run failed"
}
