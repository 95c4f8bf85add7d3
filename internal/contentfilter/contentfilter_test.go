package contentfilter

import (
	"context"
	"testing"
)

func TestPermissiveFilter_AlwaysAllows(t *testing.T) {
	f := PermissiveFilter{}
	res, err := f.Check(context.Background(), "anything goes here", DirectionPrompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected permissive filter to allow")
	}
}

func TestKeywordFilter_BlocksMatchedCategory(t *testing.T) {
	f := NewKeywordFilter(map[string][]string{
		"violence": {"kill everyone"},
	})
	res, err := f.Check(context.Background(), "I will Kill Everyone at dawn", DirectionPrompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected block on matched keyword")
	}
	if len(res.Categories) != 1 || res.Categories[0] != "violence" {
		t.Errorf("expected violence category, got %v", res.Categories)
	}
}

func TestKeywordFilter_AllowsCleanText(t *testing.T) {
	f := NewKeywordFilter(map[string][]string{
		"violence": {"kill everyone"},
	})
	res, err := f.Check(context.Background(), "what's the weather like today?", DirectionCompletion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected clean text to be allowed")
	}
}

func TestContentBlockedError_Message(t *testing.T) {
	err := &ContentBlockedError{Result: Result{Reason: "matched policy X"}}
	if err.Error() != "content blocked: matched policy X" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}
