package routing

import (
	"context"
	"testing"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
)

type fakeHealth struct {
	down map[string]bool
}

func (f *fakeHealth) IsAvailable(providerID string) bool { return !f.down[providerID] }
func (f *fakeHealth) AvgLatencyMs(modelID string) float64 { return 0 }

func req(model string) gatewaytypes.CompletionRequest {
	return gatewaytypes.CompletionRequest{
		Model:    model,
		Messages: []gatewaytypes.Message{{Role: "user", Content: "hello"}},
	}
}

func newTestRouter() *Router {
	r := New(Weights{}, &fakeHealth{down: map[string]bool{}})
	r.RegisterModel(Candidate{ModelID: "cheap", ProviderID: "openai", Enabled: true, InputPer1K: 0.001, OutputPer1K: 0.002, MaxContextTokens: 8000, QualityScore: 3})
	r.RegisterModel(Candidate{ModelID: "premium", ProviderID: "anthropic", Enabled: true, InputPer1K: 0.01, OutputPer1K: 0.03, MaxContextTokens: 200000, QualityScore: 9})
	return r
}

func TestRoute_CostOptimizedPicksCheapest(t *testing.T) {
	r := newTestRouter()
	d, _, err := r.Route(context.Background(), req("any"), StrategyCostOptimized, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.SelectedModel != "cheap" {
		t.Errorf("expected cheap, got %s", d.SelectedModel)
	}
}

func TestRoute_QualityOptimizedPrefersHigherScore(t *testing.T) {
	r := New(Weights{}, &fakeHealth{})
	r.RegisterModel(Candidate{ModelID: "a", ProviderID: "p", Enabled: true, QualityScore: 1})
	r.RegisterModel(Candidate{ModelID: "b", ProviderID: "p", Enabled: true, QualityScore: 9})
	// No exact catalog match for "any" means both candidates are considered.
	d, _, err := r.Route(context.Background(), req("any"), StrategyQualityOptimized, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.SelectedModel != "b" {
		t.Errorf("expected b (higher quality), got %s", d.SelectedModel)
	}
}

func TestRoute_NoViableModelWhenAllDisabled(t *testing.T) {
	r := New(Weights{}, &fakeHealth{})
	r.RegisterModel(Candidate{ModelID: "x", ProviderID: "p", Enabled: false})
	_, _, err := r.Route(context.Background(), req("x"), StrategySmart, 0)
	if _, ok := err.(*NoViableModelError); !ok {
		t.Fatalf("expected NoViableModelError, got %v", err)
	}
}

func TestRoute_AllProvidersOpenWhenHealthDown(t *testing.T) {
	r := New(Weights{}, &fakeHealth{down: map[string]bool{"p": true}})
	r.RegisterModel(Candidate{ModelID: "x", ProviderID: "p", Enabled: true})
	_, _, err := r.Route(context.Background(), req("x"), StrategySmart, 0)
	if _, ok := err.(*AllProvidersOpenError); !ok {
		t.Fatalf("expected AllProvidersOpenError, got %v", err)
	}
}

func TestRoute_LoadBalancedRotates(t *testing.T) {
	r := New(Weights{}, &fakeHealth{})
	r.RegisterModel(Candidate{ModelID: "a", ProviderID: "p1", Enabled: true})
	r.RegisterModel(Candidate{ModelID: "b", ProviderID: "p2", Enabled: true})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		d, _, err := r.Route(context.Background(), req("any"), StrategyLoadBalanced, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[d.SelectedModel] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected round-robin to visit both models, saw %v", seen)
	}
}

func TestRoute_SmartRespectsBudget(t *testing.T) {
	r := newTestRouter()
	_, _, err := r.Route(context.Background(), req("any"), StrategySmart, 0.00000001)
	if _, ok := err.(*NoViableModelError); !ok {
		t.Fatalf("expected NoViableModelError under tiny budget, got %v", err)
	}
}

func TestRoute_ExperimentalFallsBackToSmart(t *testing.T) {
	r := newTestRouter()
	r.ExperimentalModels = nil
	d, _, err := r.Route(context.Background(), req("any"), StrategyExperimental, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Reason != "smart weighted composite" {
		t.Errorf("expected fallthrough to smart, got reason %q", d.Reason)
	}
}

func TestLatencyTracker_RollingMean(t *testing.T) {
	lt := NewLatencyTracker()
	for i := 0; i < 3; i++ {
		lt.Record("m", 100)
	}
	if got := lt.AvgLatencyMs("m"); got != 100 {
		t.Errorf("expected mean 100, got %v", got)
	}
}

func TestThompsonSampler_SamplePrefersRewardedArm(t *testing.T) {
	ts := NewThompsonSampler()
	for i := 0; i < 50; i++ {
		ts.RecordOutcome("good", "short", true)
		ts.RecordOutcome("bad", "short", false)
	}
	wins := 0
	for i := 0; i < 20; i++ {
		ranked := ts.Sample([]string{"good", "bad"}, "short")
		if ranked[0] == "good" {
			wins++
		}
	}
	if wins < 15 {
		t.Errorf("expected rewarded arm to win most draws, won %d/20", wins)
	}
}
