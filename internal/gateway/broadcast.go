package gateway

import (
	"sync"
	"time"
)

// Record tracks a sent notice.
type Record struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

type history struct {
	mu      sync.Mutex
	max     int
	records []Record
}

func newHistory(max int) *history {
	return &history{max: max}
}

func (h *history) add(n *Notice, targets []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, Record{Notice: n, SentAt: time.Now(), Targets: targets})
	if len(h.records) > h.max {
		h.records = append([]Record(nil), h.records[len(h.records)-h.max:]...)
	}
}

func (h *history) recent(limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.records) {
		limit = len(h.records)
	}
	return append([]Record(nil), h.records[len(h.records)-limit:]...)
}
