// Package loader manages the lifecycle of executable agent units.
//
// # Overview
//
// Each registered agent names its unit with a locator "<scheme>:<ref>".
// The Loader picks the Host registered for the scheme, which opens the unit
// inside its own isolation context:
//
//   - builtin: a factory from a Catalog, run under a dedicated context
//     scope that is cancelled on unload
//   - exec: a subprocess speaking line-delimited JSON-RPC on stdio
//
// The unit exports its entry point under the name "root_agent"; the value
// must implement agent.Agent. At most one Handle exists per agent id.
// Concurrent loads of the same id open exactly one unit.
//
// # States
//
//	UNLOADED -> LOADING -> LOADED -> UNLOADED
//	              |
//	              +-> ERROR
//
// A failed load closes whatever was opened, asks the registry to mark the
// agent ERROR and caches nothing.
//
// # Unit Side
//
// Serve runs an agent.Agent as an exec unit over a reader and writer, so a
// Go program (or "agentstudio unit") can be pointed at by an exec locator.
package loader
