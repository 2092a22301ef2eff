package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/registry"
)

// WellKnownCardPath is where agents publish their card.
const WellKnownCardPath = "/.well-known/agent-card.json"

// Transport names, as listed in a card and a remote agent record.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

const maxCardSize = 1 << 20

// CardCapabilities are the protocol features an agent advertises.
type CardCapabilities struct {
	Streaming              bool `json:"streaming,omitempty"`
	PushNotifications      bool `json:"pushNotifications,omitempty"`
	StateTransitionHistory bool `json:"stateTransitionHistory,omitempty"`
}

// CardSkill is one advertised skill.
type CardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// CardInterface is an additional endpoint for another transport.
type CardInterface struct {
	URL       string `json:"url"`
	Transport string `json:"transport"`
}

// Card is an agent's self-description.
type Card struct {
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	URL                  string           `json:"url"`
	Version              string           `json:"version"`
	ProtocolVersion      string           `json:"protocolVersion,omitempty"`
	Capabilities         CardCapabilities `json:"capabilities"`
	Skills               []CardSkill      `json:"skills"`
	DefaultInputModes    []string         `json:"defaultInputModes,omitempty"`
	DefaultOutputModes   []string         `json:"defaultOutputModes,omitempty"`
	PreferredTransport   string           `json:"preferredTransport,omitempty"`
	AdditionalInterfaces []CardInterface  `json:"additionalInterfaces,omitempty"`
}

// cardSchema is the subset of the agent card schema the directory
// depends on.
const cardSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "url", "version", "capabilities", "skills"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "protocolVersion": {"type": "string"},
    "capabilities": {
      "type": "object",
      "properties": {
        "streaming": {"type": "boolean"},
        "pushNotifications": {"type": "boolean"},
        "stateTransitionHistory": {"type": "boolean"}
      }
    },
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "tags": {"type": "array", "items": {"type": "string"}},
          "examples": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "defaultInputModes": {"type": "array", "items": {"type": "string"}},
    "defaultOutputModes": {"type": "array", "items": {"type": "string"}},
    "preferredTransport": {"type": "string"},
    "additionalInterfaces": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url", "transport"],
        "properties": {
          "url": {"type": "string"},
          "transport": {"type": "string"}
        }
      }
    }
  }
}`

var cardSchemaLoader = gojsonschema.NewStringLoader(cardSchema)

// ValidateCard checks raw card JSON against the card schema.
func ValidateCard(data []byte) error {
	result, err := gojsonschema.Validate(cardSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.InvalidInput(fmt.Sprintf("agent card is not valid JSON: %v", err))
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return errors.InvalidInput("invalid agent card: " + strings.Join(msgs, "; "))
	}
	return nil
}

// ParseCard validates and decodes card JSON.
func ParseCard(data []byte) (*Card, error) {
	if err := ValidateCard(data); err != nil {
		return nil, err
	}
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("decoding agent card: %v", err))
	}
	return &card, nil
}

// FetchCard downloads and validates the card published at baseURL.
func FetchCard(ctx context.Context, client *http.Client, baseURL string) (*Card, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimSuffix(baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+WellKnownCardPath, nil)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("bad agent url %q: %v", baseURL, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Transport("fetching agent card", errors.WithCause(err),
			errors.WithMetadata("url", baseURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Transport(fmt.Sprintf("fetching agent card: HTTP %d", resp.StatusCode),
			errors.WithMetadata("url", baseURL))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCardSize))
	if err != nil {
		return nil, errors.Transport("reading agent card", errors.WithCause(err))
	}

	card, err := ParseCard(data)
	if err != nil {
		return nil, err
	}
	if card.URL == "" {
		card.URL = base
	}
	return card, nil
}

// Transports returns the card's transports, preferred first, lowercased
// and without duplicates.
func (c *Card) Transports() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	add(c.PreferredTransport)
	for _, i := range c.AdditionalInterfaces {
		add(i.Transport)
	}
	return out
}

// Record converts the card into a remote agent record for the agent
// reached at url.
func (c *Card) Record(url string) registry.RemoteAgentRecord {
	skills := make([]registry.Skill, len(c.Skills))
	for i, s := range c.Skills {
		skills[i] = registry.Skill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			Examples:    s.Examples,
		}
	}
	return registry.RemoteAgentRecord{
		ID:              registry.DeriveRemoteID(c.Name, url),
		Name:            c.Name,
		Description:     c.Description,
		Version:         c.Version,
		ProtocolVersion: c.ProtocolVersion,
		Skills:          skills,
		Capabilities: registry.RemoteCapabilities{
			Streaming:              c.Capabilities.Streaming,
			PushNotifications:      c.Capabilities.PushNotifications,
			StateTransitionHistory: c.Capabilities.StateTransitionHistory,
		},
		URL:         url,
		Transports:  c.Transports(),
		InputModes:  c.DefaultInputModes,
		OutputModes: c.DefaultOutputModes,
	}
}
