package loader

import (
	"context"
	"strings"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/registry"
)

// EntryPoint is the export name a unit must provide.
const EntryPoint = "root_agent"

// Unit is an instantiated module inside its isolation context.
type Unit interface {
	// Lookup returns an exported value by name.
	Lookup(name string) (any, bool)

	// Close tears down the isolation context.
	Close() error
}

// Host opens units for one locator scheme.
type Host interface {
	Scheme() string
	Open(ctx context.Context, ref string, rec *registry.AgentRecord) (Unit, error)
}

// ParseLocator splits "scheme:ref".
func ParseLocator(locator string) (scheme, ref string, err error) {
	i := strings.IndexByte(locator, ':')
	if i <= 0 || i == len(locator)-1 {
		return "", "", errors.InvalidInput("locator must be <scheme>:<ref>", errors.WithMetadata("locator", locator))
	}
	return locator[:i], strings.TrimSpace(locator[i+1:]), nil
}
