package chatwire

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// ShapeOutput applies OutputFormat transformations to a provider response.
// Returns the modified response.
func ShapeOutput(resp ProviderResponse, format OutputFormat) ProviderResponse {
	if format.Type == "" && !format.StripThink && format.MaxTokens == 0 {
		return resp // no shaping requested
	}

	content := ExtractContent(resp)
	if content == "" {
		return resp
	}

	if format.StripThink {
		content = thinkBlockRe.ReplaceAllString(content, "")
		content = strings.TrimSpace(content)
	}

	// Truncate by approximate token count (chars/4).
	if format.MaxTokens > 0 {
		maxChars := format.MaxTokens * 4
		if len(content) > maxChars {
			content = content[:maxChars] + "..."
		}
	}

	switch format.Type {
	case "json":
		content = extractJSON(content)
	case "markdown":
		content = strings.TrimSpace(content)
	case "text":
		content = stripMarkdown(content)
	}

	shaped := map[string]any{
		"choices": []map[string]any{
			{
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
			},
		},
	}
	result, _ := json.Marshal(shaped)
	return result
}

// extractJSON attempts to find a JSON block within the content.
func extractJSON(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		start := idx + 7
		if end := strings.Index(content[start:], "```"); end >= 0 {
			return strings.TrimSpace(content[start : start+end])
		}
	}
	content = strings.TrimSpace(content)
	if len(content) > 0 && (content[0] == '{' || content[0] == '[') {
		return content
	}
	return content
}

// stripMarkdown removes common markdown formatting.
func stripMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimLeft(line, "#")
		line = strings.TrimSpace(line)
		line = strings.ReplaceAll(line, "**", "")
		line = strings.ReplaceAll(line, "*", "")
		line = strings.ReplaceAll(line, "`", "")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
