package costpipeline

import (
	"context"
	"sort"
	"time"
)

// GroupBy selects how SummarizeRange buckets and ranks usage.
type GroupBy string

const (
	GroupByDay      GroupBy = "day"
	GroupByMonth    GroupBy = "month"
	GroupByModel    GroupBy = "model"
	GroupByUser     GroupBy = "user"
	GroupByProvider GroupBy = "provider"
)

// Bucket is one aggregated slice of a SummarizeRange result: either a
// calendar bucket (day/month, Key is the date string) or an entity
// bucket (model/user/provider, Key is the entity id).
type Bucket struct {
	Key              string  `json:"key"`
	RequestCount     int     `json:"request_count"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Summary is SummarizeRange's return value.
type Summary struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	GroupBy GroupBy   `json:"group_by"`
	Buckets []Bucket  `json:"buckets"`
	Top5    []Bucket  `json:"top5"` // top 5 by CostUSD, always entity-keyed regardless of GroupBy
}

// UsageSource supplies the raw records SummarizeRange aggregates.
// Grounded on stats.Collector's snapshot-then-aggregate shape and
// tsdb.Store's QueryContext, generalized to the pipeline's own
// TokenUsageRecord instead of a Snapshot/Point.
type UsageSource interface {
	ListTokenUsage(ctx context.Context, start, end time.Time) ([]TokenUsageRecord, error)
}

// SummarizeRange aggregates usage between start and end (inclusive)
// grouped by groupBy. Day/month buckets are always fully populated —
// every calendar day or month in range appears even with zero
// activity, each with zero-valued totals, so callers need not special
// case empty periods.
func SummarizeRange(ctx context.Context, src UsageSource, start, end time.Time, groupBy GroupBy) (Summary, error) {
	records, err := src.ListTokenUsage(ctx, start, end)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Start: start, End: end, GroupBy: groupBy}

	switch groupBy {
	case GroupByDay:
		sum.Buckets = bucketByCalendar(records, start, end, "2006-01-02", truncateDay)
	case GroupByMonth:
		sum.Buckets = bucketByCalendar(records, start, end, "2006-01", truncateMonth)
	case GroupByModel:
		sum.Buckets = bucketByKey(records, func(r TokenUsageRecord) string { return r.ModelID })
	case GroupByUser:
		sum.Buckets = bucketByKey(records, func(r TokenUsageRecord) string { return r.UserID })
	case GroupByProvider:
		sum.Buckets = bucketByKey(records, func(r TokenUsageRecord) string { return r.ProviderID })
	default:
		sum.Buckets = bucketByKey(records, func(r TokenUsageRecord) string { return r.ModelID })
	}

	byModel := bucketByKey(records, func(r TokenUsageRecord) string { return r.ModelID })
	sort.Slice(byModel, func(i, j int) bool { return byModel[i].CostUSD > byModel[j].CostUSD })
	if len(byModel) > 5 {
		byModel = byModel[:5]
	}
	sum.Top5 = byModel

	return sum, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func truncateMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// bucketByCalendar emits one zero-valued bucket per calendar unit in
// [start, end], then fills in totals from records that land in it.
func bucketByCalendar(records []TokenUsageRecord, start, end time.Time, layout string, truncate func(time.Time) time.Time) []Bucket {
	index := make(map[string]*Bucket)
	var order []string

	cursor := truncate(start)
	last := truncate(end)
	for !cursor.After(last) {
		key := cursor.Format(layout)
		index[key] = &Bucket{Key: key}
		order = append(order, key)
		if layout == "2006-01" {
			cursor = cursor.AddDate(0, 1, 0)
		} else {
			cursor = cursor.AddDate(0, 0, 1)
		}
	}

	for _, r := range records {
		key := truncate(r.Timestamp).Format(layout)
		b, ok := index[key]
		if !ok {
			continue // outside range after truncation rounding; ignore
		}
		accumulate(b, r)
	}

	buckets := make([]Bucket, 0, len(order))
	for _, key := range order {
		buckets = append(buckets, *index[key])
	}
	return buckets
}

func bucketByKey(records []TokenUsageRecord, keyFn func(TokenUsageRecord) string) []Bucket {
	index := make(map[string]*Bucket)
	var order []string
	for _, r := range records {
		key := keyFn(r)
		b, ok := index[key]
		if !ok {
			b = &Bucket{Key: key}
			index[key] = b
			order = append(order, key)
		}
		accumulate(b, r)
	}
	buckets := make([]Bucket, 0, len(order))
	for _, key := range order {
		buckets = append(buckets, *index[key])
	}
	return buckets
}

func accumulate(b *Bucket, r TokenUsageRecord) {
	b.RequestCount++
	b.PromptTokens += r.PromptTokens
	b.CompletionTokens += r.CompletionTokens
	b.TotalTokens += r.TotalTokens
	b.CostUSD += r.CostUSD
}
