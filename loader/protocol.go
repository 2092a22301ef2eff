package loader

import "github.com/Pratyay/agent-studio/agent"

// JSON-RPC methods spoken between the exec host and a unit.
const (
	MethodInitialize = "initialize" // request: InitializeParams -> UnitInfo
	MethodRun        = "run"        // request: RunParams -> RunAccepted
	MethodCancel     = "cancel"     // notification: CancelParams
	MethodShutdown   = "shutdown"   // notification, no params

	NotifyRunEvent = "run/event" // unit -> host: RunEventParams
	NotifyRunDone  = "run/done"  // unit -> host: RunDoneParams
)

// ExportAgent is the export type an entry point must declare.
const ExportAgent = "agent"

// InitializeParams is sent once after the unit starts.
type InitializeParams struct {
	AgentID string            `json:"agent_id"`
	Name    string            `json:"name"`
	Config  map[string]string `json:"config,omitempty"`
}

// UnitInfo is the unit's answer to initialize.
type UnitInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	// Exports maps export names to their types.
	Exports map[string]string `json:"exports"`
}

// RunParams starts one run. RunID is chosen by the host.
type RunParams struct {
	RunID      string            `json:"run_id"`
	Invocation agent.Invocation  `json:"invocation"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// RunAccepted acknowledges a run.
type RunAccepted struct {
	RunID string `json:"run_id"`
}

// RunEventParams carries one event of a run.
type RunEventParams struct {
	RunID string      `json:"run_id"`
	Event agent.Event `json:"event"`
}

// RunDoneParams ends a run's event stream.
type RunDoneParams struct {
	RunID string `json:"run_id"`
	Error string `json:"error,omitempty"`
}

// CancelParams aborts a run.
type CancelParams struct {
	RunID string `json:"run_id"`
}
