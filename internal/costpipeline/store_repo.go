package costpipeline

import (
	"context"
	"time"

	"github.com/vectorgate/gateway/internal/store"
)

// StoreRepository adapts store.Store's request-log table to both the
// TokenUsageRepository and UsageSource ports, so the pipeline persists
// into (and later summarizes from) the same request_logs table the
// dashboard already reads.
type StoreRepository struct {
	store store.Store
}

// NewStoreRepository wraps a store.Store for token-usage persistence.
func NewStoreRepository(s store.Store) *StoreRepository {
	return &StoreRepository{store: s}
}

func (r *StoreRepository) SaveTokenUsage(ctx context.Context, rec TokenUsageRecord) error {
	return r.store.LogRequest(ctx, store.RequestLog{
		Timestamp:        rec.Timestamp,
		ModelID:          rec.ModelID,
		ProviderID:       rec.ProviderID,
		Mode:             rec.RequestType,
		EstimatedCostUSD: rec.CostUSD,
		RequestID:        rec.RequestID,
		APIKeyID:         rec.APIKeyID,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		EstimatedUsage:   rec.Estimated,
	})
}

// ListTokenUsage pages through request_logs within [start, end] and
// converts rows back to TokenUsageRecords for SummarizeRange. Request
// logs are stored without an upper bound on count, so this pages in
// fixed-size batches until the store reports a page with no rows (or
// one whose oldest entry is already before start).
func (r *StoreRepository) ListTokenUsage(ctx context.Context, start, end time.Time) ([]TokenUsageRecord, error) {
	const pageSize = 500
	var out []TokenUsageRecord
	offset := 0
	for {
		page, err := r.store.ListRequestLogs(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		stop := false
		for _, l := range page {
			if l.Timestamp.Before(start) {
				stop = true
				continue
			}
			if l.Timestamp.After(end) {
				continue
			}
			out = append(out, TokenUsageRecord{
				ID:               l.RequestID,
				Timestamp:        l.Timestamp,
				APIKeyID:         l.APIKeyID,
				RequestID:        l.RequestID,
				ModelID:          l.ModelID,
				ProviderID:       l.ProviderID,
				RequestType:      l.Mode,
				PromptTokens:     l.PromptTokens,
				CompletionTokens: l.CompletionTokens,
				TotalTokens:      l.TotalTokens,
				CostUSD:          l.EstimatedCostUSD,
				Estimated:        l.EstimatedUsage,
			})
		}
		if stop || len(page) < pageSize {
			break
		}
		offset += pageSize
	}
	return out, nil
}
