// Package routing selects which provider/model pair should serve a
// completion or embedding request. It never calls an adapter itself —
// that is internal/dispatch's job — so a routing decision can be
// scored and logged independently of whether the call succeeds.
package routing

import "time"

// Strategy names a routing policy. The zero value is Smart.
type Strategy string

const (
	StrategySmart             Strategy = "smart"
	StrategyCostOptimized     Strategy = "cost-optimized"
	StrategyLatencyOptimized  Strategy = "latency-optimized"
	StrategyContentBased      Strategy = "content-based"
	StrategyQualityOptimized  Strategy = "quality-optimized"
	StrategyLoadBalanced      Strategy = "load-balanced"
	StrategyExperimental      Strategy = "experimental"
)

// Candidate is a model eligible to serve a request, with the fields
// every strategy needs to score it.
type Candidate struct {
	ModelID          string
	ProviderID       string
	QualityScore     int
	MaxContextTokens int
	InputPer1K       float64
	OutputPer1K      float64
	Enabled          bool
	SupportsVision   bool
	SupportsTools    bool
}

// RoutingDecision records which model was selected and why, for
// logging and for the dispatcher's fallback cascade.
type RoutingDecision struct {
	RequestID      string
	RequestedModel string
	SelectedModel  string
	ProviderID     string
	Strategy       Strategy
	Reason         string
	Timestamp      time.Time
	FallbackDepth  int
	EstimatedCost  float64
}

// FallbackRule maps a model to its ordered fallback candidates. It
// carries no per-rule set of error classes that trigger the fallback.
type FallbackRule struct {
	ModelID    string
	Candidates []string
}

// NoViableModelError is returned when no candidate survives
// eligibility filtering (budget, context window, disabled, no
// registered adapter).
type NoViableModelError struct {
	RequestedModel string
	Reason         string
}

func (e *NoViableModelError) Error() string {
	return "routing: no viable model for " + e.RequestedModel + ": " + e.Reason
}

// AllProvidersOpenError is returned when every eligible candidate's
// circuit breaker is open.
type AllProvidersOpenError struct {
	RequestedModel string
}

func (e *AllProvidersOpenError) Error() string {
	return "routing: all providers open for " + e.RequestedModel
}

// HealthView is the read-only health/latency data a strategy may
// consult. internal/dispatch's breaker registry and latency tracker
// satisfy this without routing importing either package directly.
type HealthView interface {
	IsAvailable(providerID string) bool
	AvgLatencyMs(modelID string) float64
}
