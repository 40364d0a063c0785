package a2a

import (
	"fmt"
	"time"
)

// AgentKey names one of the logical agents the control tower talks to.
type AgentKey string

const (
	AgentVision   AgentKey = "vision"
	AgentSupplier AgentKey = "supplier"
)

// ParseAgentKey validates a key read from config or a request.
func ParseAgentKey(s string) (AgentKey, error) {
	switch k := AgentKey(s); k {
	case AgentVision, AgentSupplier:
		return k, nil
	}
	return "", fmt.Errorf("unknown agent key %q", s)
}

// AgentCard is the capability document an A2A agent publishes at its
// well-known URL. Every field except name is optional.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url,omitempty"`
	Version            string            `json:"version,omitempty"`
	ProtocolVersion    string            `json:"protocolVersion,omitempty"`
	PreferredTransport string            `json:"preferredTransport,omitempty"`
	DefaultInputModes  []string          `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string          `json:"defaultOutputModes,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills,omitempty"`
}

// AgentCapabilities lists optional protocol features.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming,omitempty"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// AgentSkill describes one thing an agent can do.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Descriptor is the cached, flattened view of an agent card.
type Descriptor struct {
	Key               AgentKey  `json:"agent"`
	DisplayName       string    `json:"name"`
	Description       string    `json:"description"`
	Version           string    `json:"version"`
	Skills            []string  `json:"skills"`
	EndpointURL       string    `json:"url"`
	Transport         string    `json:"transport"`
	SupportsStreaming bool      `json:"streaming"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// Describe flattens a card into a Descriptor. baseURL is used when the card
// does not advertise its own endpoint.
func Describe(key AgentKey, card *AgentCard, baseURL string) Descriptor {
	skills := make([]string, 0, len(card.Skills))
	for _, s := range card.Skills {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		if name != "" {
			skills = append(skills, name)
		}
	}
	endpoint := card.URL
	if endpoint == "" {
		endpoint = baseURL
	}
	return Descriptor{
		Key:               key,
		DisplayName:       card.Name,
		Description:       card.Description,
		Version:           card.Version,
		Skills:            skills,
		EndpointURL:       endpoint,
		Transport:         card.PreferredTransport,
		SupportsStreaming: card.Capabilities.Streaming,
	}
}
