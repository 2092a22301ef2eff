// Package registry owns agent records: identity, CRUD and change
// notifications.
//
// # Overview
//
// Registry persists AgentRecords in a store.Store under "agent:<id>", keeps
// the membership set "agents:list", and publishes "<EVENT>:<id>" on the
// "agent:updates" channel after every successful write:
//
//	REGISTERED:<id>    new record
//	UPDATED:<id>       record replaced through Update
//	STATUS:<id>        status transition requested through SetStatus
//	UNREGISTERED:<id>  record removed
//
// Writes always persist before they publish, so a subscriber reacting to a
// notification can read the record it refers to.
//
// # Basic Usage
//
//	reg := registry.New(st, registry.WithLogger(logger))
//	rec, err := reg.Register(ctx, registry.AgentRecord{
//	    Name:         "Math Tutor",
//	    Capabilities: []string{"math", "algebra"},
//	    Locator:      "builtin:math",
//	})
//
//	agents, _ := reg.FindByCapability(ctx, "math")
//
// # Remote Agents
//
// RemoteStore keeps RemoteAgentRecords for agents reached over the network
// ("a2a:agent:<id>", set "a2a:agents:list"). A record whose reconnect fails
// is marked DISCONNECTED and kept; only Delete removes it.
package registry
