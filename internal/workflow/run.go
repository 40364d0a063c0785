package workflow

import (
	"time"

	"github.com/nidhogg/control-tower/internal/catalog"
	"github.com/nidhogg/control-tower/internal/vision"
)

// Failure describes why a run ended in StageFailed.
type Failure struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Run is the single unit of work in flight. Only the orchestrator mutates it.
type Run struct {
	ID        string
	Stage     Stage
	Image     []byte
	Vision    *vision.Result
	Match     *catalog.Match
	OrderID   string
	Failure   *Failure
	CreatedAt time.Time
	UpdatedAt time.Time

	seq uint64
}

// Snapshot is an immutable copy of a Run without the image bytes.
type Snapshot struct {
	ID         string         `json:"run_id"`
	Stage      Stage          `json:"stage"`
	ImageBytes int            `json:"image_bytes"`
	Vision     *vision.Result `json:"vision,omitempty"`
	Match      *catalog.Match `json:"match,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Failure    *Failure       `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (r *Run) snapshot() Snapshot {
	s := Snapshot{
		ID:         r.ID,
		Stage:      r.Stage,
		ImageBytes: len(r.Image),
		OrderID:    r.OrderID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Vision != nil {
		v := *r.Vision
		v.Objects = append([]vision.Object(nil), r.Vision.Objects...)
		s.Vision = &v
	}
	if r.Match != nil {
		m := *r.Match
		s.Match = &m
	}
	if r.Failure != nil {
		f := *r.Failure
		s.Failure = &f
	}
	return s
}
