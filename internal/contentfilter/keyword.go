package contentfilter

import (
	"context"
	"strings"
)

// KeywordFilter denies text containing any configured keyword
// (case-insensitive substring match), each tagged with a category for
// the Result's Categories field. Intended for local testing and
// simple deployments; production filters should implement
// ContentFilter against a real moderation API instead.
type KeywordFilter struct {
	// Keywords maps a lowercase keyword/phrase to the category it
	// belongs to (e.g. "self-harm", "violence").
	Keywords map[string]string
}

// NewKeywordFilter builds a KeywordFilter from a category -> keywords
// map, lowercasing all keywords for matching.
func NewKeywordFilter(byCategory map[string][]string) *KeywordFilter {
	f := &KeywordFilter{Keywords: make(map[string]string)}
	for category, words := range byCategory {
		for _, w := range words {
			f.Keywords[strings.ToLower(w)] = category
		}
	}
	return f
}

func (f *KeywordFilter) Check(ctx context.Context, text string, direction Direction) (Result, error) {
	lower := strings.ToLower(text)
	var categories []string
	scores := make(map[string]float64)
	seen := make(map[string]bool)

	for keyword, category := range f.Keywords {
		if strings.Contains(lower, keyword) {
			if !seen[category] {
				categories = append(categories, category)
				seen[category] = true
			}
			scores[category] = 1.0
		}
	}

	if len(categories) == 0 {
		return Result{Allowed: true}, nil
	}
	return Result{
		Allowed:    false,
		Reason:     "matched keyword filter category: " + strings.Join(categories, ", "),
		Categories: categories,
		Scores:     scores,
	}, nil
}
