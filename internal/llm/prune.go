package llm

import "strings"

// reasoning markers emitted by chain-of-thought models; content between an
// open marker and its close is never shown to downstream parsers.
var reasoningMarkers = [][2]string{
	{"<think>", "</think>"},
	{"<thinking>", "</thinking>"},
	{"[thought]", "[/thought]"},
}

// PruneReasoning strips embedded reasoning blocks from a model reply. An
// unclosed opening marker drops everything from the marker to the end of the
// string.
func PruneReasoning(s string) string {
	for _, m := range reasoningMarkers {
		opener, closer := m[0], m[1]
		for {
			i := strings.Index(s, opener)
			if i < 0 {
				break
			}
			j := strings.Index(s[i+len(opener):], closer)
			if j < 0 {
				s = s[:i]
				break
			}
			s = s[:i] + s[i+len(opener)+j+len(closer):]
		}
	}
	return strings.TrimSpace(s)
}

// StripCodeFences removes a leading ```json / ``` fence pair so fenced JSON
// replies parse like bare ones.
func StripCodeFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// ExtractFirstJSON attempts to find the first top-level JSON object in a string
func ExtractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
