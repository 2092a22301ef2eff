package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/Pratyay/agent-studio/errors"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusLoading  Status = "LOADING"
	StatusError    Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusLoading, StatusError:
		return true
	}
	return false
}

// AgentRecord describes a locally loadable agent.
type AgentRecord struct {
	// ID is assigned on registration and never changes.
	ID string `json:"agent_id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// Capabilities are routing tags. Stored sorted and de-duplicated.
	Capabilities []string `json:"capabilities,omitempty"`

	// Locator references the executable unit, e.g. "builtin:echo" or
	// "exec:/usr/local/bin/unit --verbose".
	Locator string `json:"locator"`

	Status Status `json:"status"`

	// Config carries unit parameters (model, provider, instruction...).
	Config map[string]string `json:"config,omitempty"`

	// Tools lists attached tool ids.
	Tools []string `json:"attached_tools,omitempty"`

	// SubAgents lists agent ids this agent delegates to.
	SubAgents []string `json:"sub_agents,omitempty"`

	// LastError holds the reason of the last transition to ERROR.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows List results.
type Filter struct {
	// Status keeps only records in this state. Empty means all.
	Status Status

	// Capability keeps only records carrying this tag.
	Capability string
}

// ValidateRecord checks the fields a caller must supply.
func ValidateRecord(rec AgentRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.InvalidInput("agent name is required")
	}
	if strings.TrimSpace(rec.Locator) == "" {
		return errors.InvalidInput("agent locator is required", errors.WithMetadata("name", rec.Name))
	}
	if rec.Status != "" && !rec.Status.Valid() {
		return errors.InvalidInput("unknown agent status", errors.WithMetadata("status", string(rec.Status)))
	}
	for _, c := range rec.Capabilities {
		if strings.TrimSpace(c) == "" {
			return errors.InvalidInput("capability tags must not be blank", errors.WithMetadata("name", rec.Name))
		}
	}
	if strings.ContainsAny(rec.ID, " \t\r\n:") {
		return errors.InvalidInput("agent id must not contain whitespace or ':'", errors.WithMetadata("id", rec.ID))
	}
	return nil
}

// HasCapability reports whether rec carries the tag.
func HasCapability(rec *AgentRecord, capability string) bool {
	for _, c := range rec.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// MatchesFilter reports whether rec satisfies filter. A nil filter matches.
func MatchesFilter(rec *AgentRecord, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Capability != "" && !HasCapability(rec, filter.Capability) {
		return false
	}
	return true
}

// normalizeCapabilities trims, de-duplicates and sorts tags.
func normalizeCapabilities(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
