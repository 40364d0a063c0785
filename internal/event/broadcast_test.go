package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(o *Observer) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-o.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(16, 0, zap.NewNop())
	a := b.Subscribe()
	c := b.Subscribe()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(New("run-1", i, MemoryStart{}))
	}

	for _, o := range []*Observer{a, c} {
		got := drain(o)
		require.Len(t, got, 5)
		for i, e := range got {
			assert.Equal(t, uint64(i+1), e.Seq)
		}
	}
}

func TestBroadcasterNoReplayForLateSubscriber(t *testing.T) {
	b := NewBroadcaster(16, 0, zap.NewNop())
	b.Publish(New("run-1", 1, UploadComplete{Message: "ok"}))

	late := b.Subscribe()
	b.Publish(New("run-1", 2, VisionStart{}))

	got := drain(late)
	require.Len(t, got, 1)
	assert.Equal(t, TypeVisionStart, got[0].Type)
}

func TestBroadcasterDropsSlowObserver(t *testing.T) {
	b := NewBroadcaster(2, 0, zap.NewNop())
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := uint64(1); i <= 4; i++ {
		b.Publish(New("run-1", i, MemoryStart{}))
		drain(fast)
	}

	// the slow observer kept its two buffered events, then was dropped
	var kept []Event
	for e := range slow.Events() {
		kept = append(kept, e)
	}
	assert.Len(t, kept, 2)
	assert.ErrorIs(t, slow.Err(), ErrSlowObserver)
	assert.Equal(t, 1, b.Count())

	b.Publish(New("run-1", 5, MemoryStart{}))
	got := drain(fast)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].Seq)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(4, 0, zap.NewNop())
	o := b.Subscribe()

	b.Unsubscribe(o)
	b.Unsubscribe(o)
	b.Unsubscribe(nil)

	_, open := <-o.Events()
	assert.False(t, open)
	assert.ErrorIs(t, o.Err(), ErrClosed)
	assert.Zero(t, b.Count())

	// publishing with nobody subscribed must not panic
	b.Publish(New("run-1", 1, MemoryStart{}))
}

func TestUnsubscribeAfterDrop(t *testing.T) {
	b := NewBroadcaster(1, 0, zap.NewNop())
	o := b.Subscribe()
	b.Publish(New("run-1", 1, MemoryStart{}))
	b.Publish(New("run-1", 2, MemoryStart{}))

	b.Unsubscribe(o)
	assert.ErrorIs(t, o.Err(), ErrSlowObserver)
}

func TestRecentKeepsLastEvents(t *testing.T) {
	b := NewBroadcaster(4, 3, zap.NewNop())
	for i := uint64(1); i <= 5; i++ {
		b.Publish(New("run-1", i, MemoryStart{}))
	}

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{recent[0].Seq, recent[1].Seq, recent[2].Seq})

	last := b.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, uint64(5), last[0].Seq)
}

func TestCloseDropsEveryone(t *testing.T) {
	b := NewBroadcaster(4, 0, zap.NewNop())
	a := b.Subscribe()
	c := b.Subscribe()
	b.Close()

	for _, o := range []*Observer{a, c} {
		_, open := <-o.Events()
		assert.False(t, open)
	}
	assert.Zero(t, b.Count())
}

func TestEventJSONIsFlat(t *testing.T) {
	e := New("run-7", 9, MemoryComplete{Part: "Industrial Widget X-9", Supplier: "Acme Corp", Confidence: "98.0%"})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "memory_complete", m["type"])
	assert.Equal(t, "run-7", m["run_id"])
	assert.Equal(t, "Industrial Widget X-9", m["part"])
	assert.Equal(t, "Acme Corp", m["supplier"])
	assert.Equal(t, "98.0%", m["confidence"])
	assert.Contains(t, m, "timestamp")
}

func TestStageErrorTypeFollowsKind(t *testing.T) {
	e := New("run-1", 1, StageError{Kind: TypeVisionError, Message: "boom", Stage: "analyzing_vision"})
	assert.Equal(t, TypeVisionError, e.Type)
	assert.True(t, e.Type.IsError())

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"vision_error","run_id":"run-1","seq":1,"message":"boom","stage":"analyzing_vision","timestamp":`+
		jsonNumber(t, e)+`}`, string(raw))
}

func jsonNumber(t *testing.T, e Event) string {
	t.Helper()
	raw, err := json.Marshal(float64(e.Timestamp.UnixNano()) / 1e9)
	require.NoError(t, err)
	return string(raw)
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(4, 0, zap.NewNop())
	b.Close()

	o := b.Subscribe()
	_, open := <-o.Events()
	assert.False(t, open)
	assert.ErrorIs(t, o.Err(), ErrClosed)
	assert.Zero(t, b.Count())
}
