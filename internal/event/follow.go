package event

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Follow calls fn for every published event until ctx ends or the
// broadcaster closes. A follower dropped for falling behind subscribes
// again; what was published in between is lost. fn runs on the calling
// goroutine and should return quickly.
func (b *Broadcaster) Follow(ctx context.Context, name string, fn func(Event)) {
	for {
		o := b.Subscribe()
		if !b.drain(ctx, o, fn) {
			return
		}
		if !errors.Is(o.Err(), ErrSlowObserver) {
			return
		}
		b.logger.Warn("follower fell behind, resubscribing", zap.String("follower", name))
	}
}

// drain reports false when ctx ended first.
func (b *Broadcaster) drain(ctx context.Context, o *Observer, fn func(Event)) bool {
	for {
		select {
		case <-ctx.Done():
			b.Unsubscribe(o)
			return false
		case e, ok := <-o.Events():
			if !ok {
				return true
			}
			fn(e)
		}
	}
}
