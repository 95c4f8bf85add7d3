// Package orchestrate drives multi-call completion pipelines —
// plan/critique/refine, multi-model voting, and same-model iterative
// refinement — on top of a single internal/dispatch.Dispatcher call.
// It replaces the teacher's Engine.Orchestrate, rebuilt against the
// gatewaytypes/dispatch stack instead of the legacy router.Engine.
package orchestrate

import "encoding/json"

// Directive selects an orchestration mode and its per-phase knobs. It
// is the gatewaytypes-era replacement for the teacher's
// OrchestrationDirective.
type Directive struct {
	Mode string // "adversarial" | "vote" | "refine" | "" (single route-and-send)

	// PrimaryStrategy/ReviewStrategy pick the routing strategy used
	// for the plan/refine and critique/judge phases respectively, when
	// PrimaryModelID/ReviewModelID don't pin an explicit model.
	PrimaryStrategy string
	ReviewStrategy  string

	// PrimaryModelID/ReviewModelID, when set, bypass routing entirely
	// for that phase via Dispatcher.DispatchToModel.
	PrimaryModelID string
	ReviewModelID  string

	// PrimaryMinWeight/ReviewMinWeight carry the legacy quality-dial hint
	// through to Temporal child ChatWorkflow executions, which still key
	// off chatwire.Policy.MinWeight rather than a routing.Strategy.
	PrimaryMinWeight int
	ReviewMinWeight  int

	// Iterations controls the critique/refine loop count (adversarial,
	// refine) or the voter count (vote). Each mode applies its own
	// default when zero.
	Iterations int

	ReturnPlanOnly bool
	OutputSchema   json.RawMessage
}
