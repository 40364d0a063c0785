package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/event"
)

// serveWS streams every broadcast event to one websocket client until either
// side goes away.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4096)

	obs := h.events.Subscribe()
	defer h.events.Unsubscribe(obs)
	logger := h.logger.With(zap.Uint64("observer", obs.ID()))
	logger.Info("websocket observer connected", zap.Int("observers", h.events.Count()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		h.readLoop(ctx, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket observer disconnected")
			return
		case e, ok := <-obs.Events():
			if !ok {
				if errors.Is(obs.Err(), event.ErrSlowObserver) {
					logger.Warn("websocket observer dropped")
					conn.Close(websocket.StatusPolicyViolation, "slow consumer")
					return
				}
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := h.write(ctx, conn, e); err != nil {
				logger.Info("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop answers "ping" with a pong frame and discards anything else.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			if err := h.write(ctx, conn, map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	for _, o := range h.opts.CORSOrigins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.opts.CORSOrigins}
}
