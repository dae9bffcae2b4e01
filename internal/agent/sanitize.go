package agent

import (
	"regexp"
	"strings"
)

// CleanReply normalizes a model reply before delivery: reasoning tags go,
// wrapper tags go, repeated paragraphs collapse, surrounding whitespace is
// trimmed. The NO_REPLY token is left intact for IsSilentReply.
func CleanReply(content string) string {
	if content == "" {
		return content
	}
	content = stripThinkingTags(content)
	content = stripFinalTags(content)
	content = collapseDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

// Reasoning models leak <think> blocks into text content when the serving
// layer does not separate them. Go regexp has no backreferences, so each
// tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	result := content
	for _, pat := range thinkingTagPatterns {
		result = pat.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}

// finalTagPattern matches <final> wrappers some models emit around their
// answer. The tags are removed, the content kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// collapseDuplicateBlocks removes consecutively repeated paragraphs, a
// failure mode of smaller models on long digest inputs.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}

// IsSilentReply reports whether text is the NO_REPLY token, possibly with
// punctuation or explanation attached. The relay drops such replies instead
// of posting them.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
