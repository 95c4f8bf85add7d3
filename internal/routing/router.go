package routing

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
)

func rngFloat() float64 { return rand.Float64() }

// Weights are the smart strategy's composite coefficients. Defaults
// per spec's Open Question resolution: cost and latency matter
// equally, quality somewhat less.
type Weights struct {
	Cost    float64
	Latency float64
	Quality float64
}

// DefaultWeights is used when a Router is constructed with a zero
// Weights value.
var DefaultWeights = Weights{Cost: 0.4, Latency: 0.4, Quality: 0.2}

// Router holds the registered model catalog and scoring state shared
// across strategies. It never performs network I/O.
type Router struct {
	mu     sync.RWMutex
	models map[string]Candidate // modelID -> Candidate

	weights  Weights
	defaults Defaults
	health   HealthView
	latency  *LatencyTracker
	bandit   *ThompsonSampler

	rrCounter uint64 // load-balanced round-robin cursor

	// ExperimentalModels is the model set experimental may draw from;
	// falls through to smart when empty or the draw misses.
	ExperimentalModels []string
	ExperimentalRate   float64
}

// Defaults are the admin-configured routing-policy fallbacks applied
// when a caller's request doesn't specify a mode/budget/latency of
// its own. See SetDefaults.
type Defaults struct {
	Mode         string
	MaxBudgetUSD float64
	MaxLatencyMs int
}

// New creates a Router. weights is the smart strategy's coefficient
// set; pass the zero value to use DefaultWeights.
func New(weights Weights, health HealthView) *Router {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Router{
		models:  make(map[string]Candidate),
		weights: weights,
		health:  health,
		latency: NewLatencyTracker(),
		bandit:  NewThompsonSampler(),
	}
}

// RegisterModel adds or replaces a model in the catalog.
func (r *Router) RegisterModel(c Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[c.ModelID] = c
}

// RecordLatency feeds an observed call latency back into the
// latency-optimized strategy's rolling window.
func (r *Router) RecordLatency(modelID string, latencyMs float64) {
	r.latency.Record(modelID, latencyMs)
}

// RecordOutcome feeds a success/failure observation into the
// experimental strategy's bandit.
func (r *Router) RecordOutcome(modelID string, estimatedTokens int, success bool) {
	r.bandit.RecordOutcome(modelID, TokenBucketLabel(estimatedTokens), success)
}

// SetWeights replaces the smart strategy's composite coefficients,
// e.g. on a config Reload.
func (r *Router) SetWeights(w Weights) {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = w
}

// ListModels returns every registered candidate, in no particular
// order.
func (r *Router) ListModels() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, 0, len(r.models))
	for _, c := range r.models {
		out = append(out, c)
	}
	return out
}

// GetModel looks up a single candidate by its catalog ID.
func (r *Router) GetModel(modelID string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.models[modelID]
	return c, ok
}

// UnregisterModel removes a model from the catalog, e.g. when an
// admin deletes it via the /admin/v1/models API.
func (r *Router) UnregisterModel(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, modelID)
}

// SetDefaults updates the routing-policy fallbacks, e.g. from the
// /admin/v1/routing-config endpoint. Zero-valued fields leave the
// current default untouched, mirroring the partial-update semantics
// of the legacy engine's UpdateDefaults.
func (r *Router) SetDefaults(mode string, maxBudgetUSD float64, maxLatencyMs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode != "" {
		r.defaults.Mode = mode
	}
	if maxBudgetUSD > 0 {
		r.defaults.MaxBudgetUSD = maxBudgetUSD
	}
	if maxLatencyMs > 0 {
		r.defaults.MaxLatencyMs = maxLatencyMs
	}
}

// Defaults returns the current routing-policy fallbacks.
func (r *Router) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// FindLargerContext returns the cheapest enabled, healthy candidate
// whose context window covers neededTokens, excluding modelID itself.
// Used to escalate a request that overflowed its originally selected
// model's context window.
func (r *Router) FindLargerContext(modelID string, neededTokens int) (Candidate, bool) {
	r.mu.RLock()
	cands := make([]Candidate, 0, len(r.models))
	for _, c := range r.models {
		if !c.Enabled || c.ModelID == modelID || c.MaxContextTokens < neededTokens {
			continue
		}
		cands = append(cands, c)
	}
	r.mu.RUnlock()

	cands = filterHealthy(cands, r.health)
	if len(cands) == 0 {
		return Candidate{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		return estimateCostUSD(neededTokens, 512, cands[i].InputPer1K, cands[i].OutputPer1K) <
			estimateCostUSD(neededTokens, 512, cands[j].InputPer1K, cands[j].OutputPer1K)
	})
	return cands[0], true
}

func (r *Router) candidatesFor(requestedModel string, isEmbedding bool) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.models[requestedModel]; ok {
		return []Candidate{c}
	}
	// No exact match: return every enabled model. requestedModel is
	// not resolved further (no alias table, no prefix grouping).
	var out []Candidate
	for _, c := range r.models {
		if !c.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// eligible filters candidates against context window and budget only
// (not health), mirroring the teacher's eligibleModels without
// touching the network. Health is checked separately so a
// within-budget-but-unhealthy catalog produces AllProvidersOpenError
// rather than being conflated with NoViableModelError.
func eligible(cands []Candidate, tokensNeeded int, maxBudgetUSD float64) []Candidate {
	var out []Candidate
	for _, c := range cands {
		if !c.Enabled {
			continue
		}
		contextWithHeadroom := int(float64(tokensNeeded) * 1.15)
		if c.MaxContextTokens > 0 && contextWithHeadroom > c.MaxContextTokens {
			continue
		}
		if maxBudgetUSD > 0 {
			if estimateCostUSD(tokensNeeded, 512, c.InputPer1K, c.OutputPer1K) > maxBudgetUSD {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func filterHealthy(cands []Candidate, health HealthView) []Candidate {
	if health == nil {
		return cands
	}
	var out []Candidate
	for _, c := range cands {
		if health.IsAvailable(c.ProviderID) {
			out = append(out, c)
		}
	}
	return out
}

// Route selects a model/provider pair for req under strategy. The
// returned RoutingDecision.SelectedModel is always a key present in
// the router's catalog; req.Model is used as a catalog lookup key and,
// failing an exact match, every enabled model is a candidate.
func (r *Router) Route(ctx context.Context, req gatewaytypes.CompletionRequest, strategy Strategy, maxBudgetUSD float64) (RoutingDecision, []Candidate, error) {
	tokensNeeded := estimateRequestTokens(req)
	withinBudget := eligible(r.candidatesFor(req.Model, false), tokensNeeded, maxBudgetUSD)
	if len(withinBudget) == 0 {
		return RoutingDecision{}, nil, &NoViableModelError{RequestedModel: req.Model, Reason: "no enabled model within context/budget"}
	}
	cands := filterHealthy(withinBudget, r.health)
	if len(cands) == 0 {
		return RoutingDecision{}, nil, &AllProvidersOpenError{RequestedModel: req.Model}
	}

	ranked, reason := r.rank(cands, req, strategy, tokensNeeded)
	if len(ranked) == 0 {
		return RoutingDecision{}, nil, &AllProvidersOpenError{RequestedModel: req.Model}
	}

	best := ranked[0]
	return RoutingDecision{
		RequestID:      req.ID,
		RequestedModel: req.Model,
		SelectedModel:  best.ModelID,
		ProviderID:     best.ProviderID,
		Strategy:       strategy,
		Reason:         reason,
		Timestamp:      time.Now(),
		EstimatedCost:  estimateCostUSD(tokensNeeded, 512, best.InputPer1K, best.OutputPer1K),
	}, ranked, nil
}

// rank orders candidates best-first per strategy and returns a short
// human-readable reason for the top pick.
func (r *Router) rank(cands []Candidate, req gatewaytypes.CompletionRequest, strategy Strategy, tokensNeeded int) ([]Candidate, string) {
	switch strategy {
	case StrategyCostOptimized:
		sort.Slice(cands, func(i, j int) bool {
			return estimateCostUSD(tokensNeeded, 512, cands[i].InputPer1K, cands[i].OutputPer1K) <
				estimateCostUSD(tokensNeeded, 512, cands[j].InputPer1K, cands[j].OutputPer1K)
		})
		return cands, "lowest estimated cost"

	case StrategyLatencyOptimized:
		sort.Slice(cands, func(i, j int) bool {
			return r.latency.AvgLatencyMs(cands[i].ModelID) < r.latency.AvgLatencyMs(cands[j].ModelID)
		})
		return cands, "lowest rolling mean latency"

	case StrategyQualityOptimized:
		sort.Slice(cands, func(i, j int) bool { return cands[i].QualityScore > cands[j].QualityScore })
		return cands, "highest quality score"

	case StrategyContentBased:
		return r.rankContentBased(cands, req, tokensNeeded), "content heuristic match"

	case StrategyLoadBalanced:
		// Candidates arrive in map order; sort so the cursor rotates
		// over a stable sequence.
		sort.Slice(cands, func(i, j int) bool { return cands[i].ModelID < cands[j].ModelID })
		n := atomic.AddUint64(&r.rrCounter, 1)
		start := int(n) % len(cands)
		rotated := append(append([]Candidate{}, cands[start:]...), cands[:start]...)
		return rotated, "round-robin rotation"

	case StrategyExperimental:
		if picked, ok := r.rankExperimental(cands, tokensNeeded); ok {
			return picked, "thompson-sampling bandit draw"
		}
		fallthrough

	default: // StrategySmart and unrecognized strategies fall back to smart
		return r.rankSmart(cands, tokensNeeded), "smart weighted composite"
	}
}

func (r *Router) rankSmart(cands []Candidate, tokensNeeded int) []Candidate {
	var maxCost, maxLatency float64
	maxQuality := 1.0
	for _, c := range cands {
		if cost := estimateCostUSD(tokensNeeded, 512, c.InputPer1K, c.OutputPer1K); cost > maxCost {
			maxCost = cost
		}
		if lat := r.latency.AvgLatencyMs(c.ModelID); lat > maxLatency {
			maxLatency = lat
		}
		if float64(c.QualityScore) > maxQuality {
			maxQuality = float64(c.QualityScore)
		}
	}

	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		normCost := safeNorm(estimateCostUSD(tokensNeeded, 512, c.InputPer1K, c.OutputPer1K), maxCost)
		normLatency := safeNorm(r.latency.AvgLatencyMs(c.ModelID), maxLatency)
		normQuality := safeNorm(float64(c.QualityScore), maxQuality)
		// Lower is better; quality is subtracted since higher quality
		// should lower the composite score.
		scores[c.ModelID] = r.weights.Cost*normCost + r.weights.Latency*normLatency - r.weights.Quality*normQuality
	}
	sort.Slice(cands, func(i, j int) bool { return scores[cands[i].ModelID] < scores[cands[j].ModelID] })
	return cands
}

func (r *Router) rankExperimental(cands []Candidate, tokensNeeded int) ([]Candidate, bool) {
	if len(r.ExperimentalModels) == 0 || rngFloat() > r.ExperimentalRate {
		return nil, false
	}
	byID := make(map[string]Candidate, len(cands))
	var ids []string
	for _, c := range cands {
		for _, exp := range r.ExperimentalModels {
			if c.ModelID == exp {
				byID[c.ModelID] = c
				ids = append(ids, c.ModelID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	ranked := r.bandit.Sample(ids, TokenBucketLabel(tokensNeeded))
	out := make([]Candidate, 0, len(ranked))
	for _, id := range ranked {
		out = append(out, byID[id])
	}
	return out, true
}

// rankContentBased applies message heuristics (tool definitions
// present, vision parts, long context) before falling back to a cost
// tie-break. Code content in the messages is not inspected.
func (r *Router) rankContentBased(cands []Candidate, req gatewaytypes.CompletionRequest, tokensNeeded int) []Candidate {
	needsTools := len(req.Tools) > 0
	needsVision := hasVisionParts(req)
	needsLongContext := tokensNeeded > 8000

	score := func(c Candidate) int {
		s := 0
		if needsTools && c.SupportsTools {
			s += 3
		}
		if needsVision && c.SupportsVision {
			s += 3
		}
		if needsLongContext && c.MaxContextTokens >= tokensNeeded {
			s += 2
		}
		return s
	}

	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := score(cands[i]), score(cands[j])
		if si != sj {
			return si > sj
		}
		return estimateCostUSD(tokensNeeded, 512, cands[i].InputPer1K, cands[i].OutputPer1K) <
			estimateCostUSD(tokensNeeded, 512, cands[j].InputPer1K, cands[j].OutputPer1K)
	})
	return cands
}

func hasVisionParts(req gatewaytypes.CompletionRequest) bool {
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Type == "image_url" || p.Type == "image" {
				return true
			}
		}
	}
	return false
}

func safeNorm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(v/max, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func estimateCostUSD(inTokens, outTokens int, inPer1k, outPer1k float64) float64 {
	return float64(inTokens)/1000*inPer1k + float64(outTokens)/1000*outPer1k
}

func estimateRequestTokens(req gatewaytypes.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content) / 4
		for _, p := range m.Parts {
			total += len(p.Text) / 4
		}
	}
	return total + 1
}

// codeFenceHint reports whether content contains a Markdown code
// fence. It is unexported and no strategy calls it.
func codeFenceHint(content string) bool {
	return strings.Contains(content, "```")
}
