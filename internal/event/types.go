package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of an event on the wire.
type Type string

const (
	TypeUploadComplete    Type = "upload_complete"
	TypeDiscoveryStart    Type = "discovery_start"
	TypeDiscoveryComplete Type = "discovery_complete"
	TypeVisionStart       Type = "vision_start"
	TypeVisionComplete    Type = "vision_complete"
	TypeVisionError       Type = "vision_error"
	TypeMemoryStart       Type = "memory_start"
	TypeMemoryComplete    Type = "memory_complete"
	TypeMemoryError       Type = "memory_error"
	TypeOrderPlaced       Type = "order_placed"
	TypeOrderError        Type = "order_error"
)

// IsError reports whether t terminates a run with a failure.
func (t Type) IsError() bool {
	switch t {
	case TypeVisionError, TypeMemoryError, TypeOrderError:
		return true
	}
	return false
}

// Payload is the type-specific body of an Event. The set of implementations
// is closed; each one maps to exactly one Type.
type Payload interface {
	EventType() Type
	sealed()
}

// UploadComplete confirms that an image was accepted.
type UploadComplete struct {
	Message string `json:"message"`
}

// DiscoveryStart announces a descriptor lookup for an agent.
type DiscoveryStart struct {
	Agent   string `json:"agent"`
	Message string `json:"message,omitempty"`
}

// DiscoveryComplete carries the flattened agent descriptor.
type DiscoveryComplete struct {
	Agent            string   `json:"agent"`
	AgentName        string   `json:"agent_name"`
	AgentDescription string   `json:"agent_description"`
	AgentURL         string   `json:"agent_url"`
	AgentVersion     string   `json:"agent_version"`
	AgentSkills      []string `json:"agent_skills"`
	AgentTransport   string   `json:"agent_transport"`
	AgentStreaming   bool     `json:"agent_streaming"`
	Message          string   `json:"message,omitempty"`
}

type VisionStart struct {
	Message string `json:"message,omitempty"`
}

type VisionComplete struct {
	ItemCount   int     `json:"item_count"`
	ItemType    string  `json:"item_type"`
	Summary     string  `json:"summary"`
	Confidence  float64 `json:"confidence"`
	SearchQuery string  `json:"search_query"`
}

// StageError is the payload of every *_error event.
type StageError struct {
	Kind    Type   `json:"-"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

type MemoryStart struct {
	Message string `json:"message,omitempty"`
}

type MemoryComplete struct {
	Part       string `json:"part"`
	Supplier   string `json:"supplier"`
	Confidence string `json:"confidence"`
}

type OrderPlaced struct {
	OrderID  string `json:"order_id"`
	Part     string `json:"part,omitempty"`
	Supplier string `json:"supplier,omitempty"`
}

func (UploadComplete) EventType() Type    { return TypeUploadComplete }
func (DiscoveryStart) EventType() Type    { return TypeDiscoveryStart }
func (DiscoveryComplete) EventType() Type { return TypeDiscoveryComplete }
func (VisionStart) EventType() Type       { return TypeVisionStart }
func (VisionComplete) EventType() Type    { return TypeVisionComplete }
func (MemoryStart) EventType() Type       { return TypeMemoryStart }
func (MemoryComplete) EventType() Type    { return TypeMemoryComplete }
func (OrderPlaced) EventType() Type       { return TypeOrderPlaced }

// EventType returns the error kind chosen by the emitter.
func (e StageError) EventType() Type { return e.Kind }

func (UploadComplete) sealed()    {}
func (DiscoveryStart) sealed()    {}
func (DiscoveryComplete) sealed() {}
func (VisionStart) sealed()       {}
func (VisionComplete) sealed()    {}
func (StageError) sealed()        {}
func (MemoryStart) sealed()       {}
func (MemoryComplete) sealed()    {}
func (OrderPlaced) sealed()       {}

// Event is a single immutable notification emitted by the orchestrator.
type Event struct {
	Type      Type
	RunID     string
	Seq       uint64
	Timestamp time.Time
	Payload   Payload
}

// New stamps a payload with its run, sequence number and capture time.
func New(runID string, seq uint64, p Payload) Event {
	return Event{
		Type:      p.EventType(),
		RunID:     runID,
		Seq:       seq,
		Timestamp: time.Now(),
		Payload:   p,
	}
}

// MarshalJSON flattens the payload keys next to the envelope fields.
func (e Event) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any)
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", e.Type, err)
		}
	}
	fields["type"] = e.Type
	fields["run_id"] = e.RunID
	fields["seq"] = e.Seq
	fields["timestamp"] = float64(e.Timestamp.UnixNano()) / 1e9
	return json.Marshal(fields)
}
