// Package costpipeline determines token usage and cost for a
// completed request, hands the record off to storage without blocking
// the caller, and enforces per-key monthly budgets before admission.
// Grounded on the teacher's apikey.BudgetChecker (cache-then-store
// budget lookups) and the async storeWriteQueue pattern in
// internal/app/server.go.
package costpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
)

// TokenUsageRecord is the persisted form of one request's token usage
// and cost.
type TokenUsageRecord struct {
	ID               string
	Timestamp        time.Time
	UserID           string
	APIKeyID         string
	RequestID        string
	ModelID          string
	ProviderID       string
	RequestType      string // "completion" | "stream" | "embedding"
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Estimated        bool
}

// Tokenizer counts tokens in text. A per-model variant may wrap a
// real vendor tokenizer; CharRatioTokenizer is the approximate
// fallback used when none is registered.
type Tokenizer interface {
	CountTokens(text string) int
}

// CharRatioTokenizer estimates token count from a fixed characters-
// per-token ratio. Marked approximate everywhere it is used.
type CharRatioTokenizer struct {
	CharsPerToken float64
}

// DefaultCharRatioTokenizer approximates English text at ~4 chars/token.
var DefaultCharRatioTokenizer = CharRatioTokenizer{CharsPerToken: 4}

func (t CharRatioTokenizer) CountTokens(text string) int {
	if t.CharsPerToken <= 0 {
		t.CharsPerToken = 4
	}
	n := int(float64(len(text))/t.CharsPerToken + 0.5)
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}

// PriceEntry holds per-1K-token prices for one model.
type PriceEntry struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PricingTable maps model ID to its price entry. Models absent from
// the table fall back to FallbackEntry and have their records marked
// estimated.
type PricingTable struct {
	Prices        map[string]PriceEntry
	FallbackEntry PriceEntry
}

// NewPricingTable creates a pricing table with a conservative default
// fallback price, overridable per-model via Set.
func NewPricingTable() *PricingTable {
	return &PricingTable{
		Prices:        make(map[string]PriceEntry),
		FallbackEntry: PriceEntry{InputPer1K: 0.001, OutputPer1K: 0.002},
	}
}

// Set registers (or replaces) a model's price entry.
func (p *PricingTable) Set(modelID string, entry PriceEntry) {
	p.Prices[modelID] = entry
}

// Lookup returns the price entry for modelID and whether it was found
// in the table (false means the fallback entry was used).
func (p *PricingTable) Lookup(modelID string) (PriceEntry, bool) {
	entry, ok := p.Prices[modelID]
	if !ok {
		return p.FallbackEntry, false
	}
	return entry, true
}

// TokenUsageRepository persists TokenUsageRecords. Implementations
// must not block the caller measurably — the Pipeline always calls
// this asynchronously.
type TokenUsageRepository interface {
	SaveTokenUsage(ctx context.Context, rec TokenUsageRecord) error
}

// BudgetService is the advisory pre-admission budget port. Grounded
// on the teacher's apikey.BudgetChecker.
type BudgetService interface {
	// CheckBudget returns a non-nil error (typically *BudgetExceededError)
	// if the projected spend would exceed the key's remaining budget.
	CheckBudget(ctx context.Context, apiKeyID string, projectedCostUSD float64) error
}

// Pipeline determines usage/cost for completed requests and hands
// records to storage without blocking the request path.
type Pipeline struct {
	pricing    *PricingTable
	tokenizer  Tokenizer
	repo       TokenUsageRepository
	budget     BudgetService
	writeQueue chan func()

	enforceBudget bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTokenizer overrides the default char-ratio tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(p *Pipeline) { p.tokenizer = t }
}

// WithBudgetEnforcement turns on pre-admission budget rejection.
func WithBudgetEnforcement(enabled bool) Option {
	return func(p *Pipeline) { p.enforceBudget = enabled }
}

// New creates a Pipeline. writeQueueSize bounds the async persistence
// channel depth; a full queue drops the write with a log line rather
// than blocking the caller.
func New(pricing *PricingTable, repo TokenUsageRepository, budget BudgetService, writeQueueSize int) *Pipeline {
	if writeQueueSize <= 0 {
		writeQueueSize = 4096
	}
	p := &Pipeline{
		pricing:    pricing,
		tokenizer:  DefaultCharRatioTokenizer,
		repo:       repo,
		budget:     budget,
		writeQueue: make(chan func(), writeQueueSize),
	}
	go p.drainWrites()
	return p
}

func (p *Pipeline) drainWrites() {
	for fn := range p.writeQueue {
		fn()
	}
}

// Close stops accepting new records and waits for queued writes to
// flush is the caller's responsibility; Close only signals drain to
// stop accepting further work once the channel is closed.
func (p *Pipeline) Close() {
	close(p.writeQueue)
}

// AdmitBudget consults the budget port before a request is dispatched.
// projectedCostUSD is a rough pre-call estimate (e.g. from message
// token counts and the candidate model's price); it need not be exact
// since the real record is reconciled after the call completes.
func (p *Pipeline) AdmitBudget(ctx context.Context, apiKeyID string, projectedCostUSD float64) error {
	if !p.enforceBudget || p.budget == nil || apiKeyID == "" {
		return nil
	}
	return p.budget.CheckBudget(ctx, apiKeyID, projectedCostUSD)
}

// SetPricing updates the price entry for a model, taking effect for
// every completion recorded afterward. Used when the model catalog
// changes at runtime (admin upsert, pricing feed refresh).
func (p *Pipeline) SetPricing(modelID string, inputPer1K, outputPer1K float64) {
	p.pricing.Set(modelID, PriceEntry{InputPer1K: inputPer1K, OutputPer1K: outputPer1K})
}

// RecordCompletion determines token usage and cost for a finished
// completion request/response pair, then hands the resulting record
// to the repository asynchronously. Persistence failures are logged,
// never surfaced to the caller.
func (p *Pipeline) RecordCompletion(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, resp gatewaytypes.CompletionResponse) TokenUsageRecord {
	promptTokens, completionTokens, estimated := p.resolveUsage(req, resp.Message.Content, resp.Usage)
	entry, found := p.pricing.Lookup(resp.Model)
	if !found {
		estimated = true
	}
	cost := estimateCostUSD(promptTokens, completionTokens, entry.InputPer1K, entry.OutputPer1K)

	rec := TokenUsageRecord{
		ID:               resp.ID,
		Timestamp:        time.Now().UTC(),
		UserID:           req.UserID,
		APIKeyID:         apiKeyID,
		RequestID:        req.ID,
		ModelID:          resp.Model,
		ProviderID:       resp.Provider,
		RequestType:      "completion",
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          cost,
		Estimated:        estimated,
	}
	p.persistAsync(rec)
	return rec
}

// RecordStream is RecordCompletion's streaming counterpart: called
// once the stream has terminated, with the concatenated delta text
// standing in for the completion message and an optional
// provider-reported terminal usage.
func (p *Pipeline) RecordStream(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, modelID, providerID, accumulated string, usage *gatewaytypes.Usage) TokenUsageRecord {
	var u gatewaytypes.Usage
	if usage != nil {
		u = *usage
	}
	promptTokens, completionTokens, estimated := p.resolveUsage(req, accumulated, u)
	entry, found := p.pricing.Lookup(modelID)
	if !found {
		estimated = true
	}
	cost := estimateCostUSD(promptTokens, completionTokens, entry.InputPer1K, entry.OutputPer1K)

	rec := TokenUsageRecord{
		Timestamp:        time.Now().UTC(),
		UserID:           req.UserID,
		APIKeyID:         apiKeyID,
		RequestID:        req.ID,
		ModelID:          modelID,
		ProviderID:       providerID,
		RequestType:      "stream",
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          cost,
		Estimated:        estimated,
	}
	p.persistAsync(rec)
	return rec
}

// resolveUsage prefers provider-reported usage; falls back to the
// tokenizer port over the request's joined message content and the
// response text.
func (p *Pipeline) resolveUsage(req gatewaytypes.CompletionRequest, responseText string, usage gatewaytypes.Usage) (promptTokens, completionTokens int, estimated bool) {
	if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		return usage.PromptTokens, usage.CompletionTokens, usage.Estimated
	}
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return p.tokenizer.CountTokens(sb.String()), p.tokenizer.CountTokens(responseText), true
}

func (p *Pipeline) persistAsync(rec TokenUsageRecord) {
	if p.repo == nil {
		return
	}
	select {
	case p.writeQueue <- func() {
		if err := p.repo.SaveTokenUsage(context.Background(), rec); err != nil {
			slog.Warn("costpipeline: persist token usage failed",
				slog.String("request_id", rec.RequestID),
				slog.String("error", err.Error()))
		}
	}:
	default:
		slog.Warn("costpipeline: write queue full, dropping record",
			slog.String("request_id", rec.RequestID))
	}
}

func estimateCostUSD(promptTokens, completionTokens int, inputPer1K, outputPer1K float64) float64 {
	return float64(promptTokens)/1000*inputPer1K + float64(completionTokens)/1000*outputPer1K
}

// BudgetExceededError mirrors apikey.BudgetExceededError's shape so
// callers of BudgetService implementations can surface a consistent
// message regardless of which port adapter produced it.
type BudgetExceededError struct {
	BudgetUSD float64
	SpentUSD  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: budget=$%.2f, spent=$%.4f", e.BudgetUSD, e.SpentUSD)
}
