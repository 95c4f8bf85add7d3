// Package contentfilter ports the gateway's pre/post content checks
// behind a single interface, grounded on the port-and-middleware shape
// of internal/apikey/middleware.go (a pluggable checker consulted
// inline, never owning the HTTP response itself).
package contentfilter

import "context"

// Direction distinguishes a pre-flight prompt check from a
// post-completion response check.
type Direction string

const (
	DirectionPrompt     Direction = "prompt"
	DirectionCompletion Direction = "completion"
)

// Result is a filter's verdict on one piece of text.
type Result struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason,omitempty"`
	Categories []string           `json:"categories,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// ContentFilter is the port the dispatcher consults once on the
// joined prompt text before dispatch and once on the completion text
// (or accumulated stream text, at stream end) after the response.
type ContentFilter interface {
	Check(ctx context.Context, text string, direction Direction) (Result, error)
}

// ContentBlockedError is returned when a filter denies a request or
// response. It is always terminal — a pre-flight block fails the
// request before dispatch; a post-completion block replaces the
// response, though tokens already consumed are still recorded by the
// cost pipeline.
type ContentBlockedError struct {
	Result Result
}

func (e *ContentBlockedError) Error() string {
	if e.Result.Reason != "" {
		return "content blocked: " + e.Result.Reason
	}
	return "content blocked"
}

// PermissiveFilter allows everything. It is the default when no
// filter is configured.
type PermissiveFilter struct{}

func (PermissiveFilter) Check(ctx context.Context, text string, direction Direction) (Result, error) {
	return Result{Allowed: true}, nil
}
