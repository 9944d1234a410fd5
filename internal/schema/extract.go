package schema

import (
	"encoding/json"
	"strings"

	"github.com/rapportlabs/rapport/internal/fault"
)

// plainTextWrapLimit is the longest raw reply that the extractor will accept
// as plain text and wrap into a single-suggestion payload. Longer output with
// no recoverable JSON is treated as garbage.
const plainTextWrapLimit = 500

// errPreviewLen bounds the amount of raw model output echoed into error
// messages and logs.
const errPreviewLen = 200

// Extract recovers a syntactically valid JSON document from raw LLM output.
//
// Strategies, in order:
//  1. parse the text as-is
//  2. repair common damage (markdown fences, smart quotes, comments,
//     trailing commas, unbalanced braces) and parse
//  3. cut from the first '{' to the last '}' and parse, repaired if needed
//  4. scan for every balanced {...} substring and parse each until one succeeds
//  5. wrap short plain text into a single-reply payload with strategy
//     "direct_response"
//
// The returned bytes always unmarshal cleanly. Failure is classified as
// reply_parse_failed and carries a bounded preview of the raw text.
func Extract(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.New(fault.KindReplyParseFailed, "empty model output")
	}

	if b, ok := tryParse(trimmed); ok {
		return b, nil
	}

	repaired := Repair(trimmed)
	if b, ok := tryParse(repaired); ok {
		return b, nil
	}

	if cut, ok := outerBraceCut(repaired); ok {
		if b, ok := tryParse(cut); ok {
			return b, nil
		}
		if b, ok := tryParse(Repair(cut)); ok {
			return b, nil
		}
	}

	for _, cand := range balancedObjects(repaired) {
		if b, ok := tryParse(cand); ok {
			return b, nil
		}
	}

	if len([]rune(trimmed)) < plainTextWrapLimit && !strings.Contains(trimmed, "{") {
		return wrapPlainText(trimmed), nil
	}

	return nil, fault.Newf(fault.KindReplyParseFailed, "no JSON in model output: %q", preview(trimmed))
}

// tryParse validates s as a JSON document and returns its bytes.
func tryParse(s string) ([]byte, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	// Scalars are never a useful payload; require an object or array.
	switch v.(type) {
	case map[string]any, []any:
		return []byte(s), true
	}
	return nil, false
}

// Repair applies best-effort fixes for the JSON damage LLMs most often
// produce. The result is not guaranteed to parse.
func Repair(s string) string {
	s = stripFences(strings.TrimSpace(s))
	s = normalizeQuotes(s)
	s = stripComments(s)
	s = stripTrailingCommas(s)
	s = closeOpenBrackets(s)
	return s
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "javascript", or empty).
		first := strings.TrimSpace(s[:i])
		if len(first) <= 12 && !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, // left double quotation mark
	"”", `"`, // right double quotation mark
	"„", `"`,
	"‘", "'",
	"’", "'",
)

// normalizeQuotes replaces typographic quotes with ASCII ones. JSON with
// smart quotes never parses anyway, so a global replace is safe here.
func normalizeQuotes(s string) string {
	return quoteReplacer.Replace(s)
}

// stripComments removes // line comments and /* */ block comments that occur
// outside string literals.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the closing '/'
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stripTrailingCommas drops commas that directly precede a closing brace or
// bracket, outside string literals.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeOpenBrackets appends the closing braces and brackets a truncated
// document is missing. An unterminated string literal is closed first.
func closeOpenBrackets(s string) string {
	var stack []byte
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inStr {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// outerBraceCut returns the substring from the first '{' through the last '}'.
func outerBraceCut(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// balancedObjects returns every balanced {...} substring of s, outermost
// first, skipping braces inside string literals.
func balancedObjects(s string) []string {
	var out []string
	var starts []int
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			starts = append(starts, i)
		case '}':
			if len(starts) > 0 {
				start := starts[len(starts)-1]
				starts = starts[:len(starts)-1]
				out = append(out, s[start:i+1])
			}
		}
	}
	// Innermost objects close first; order by start position so callers try
	// the outermost candidate before its fragments.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// wrapPlainText converts a bare-text model reply into a single-suggestion
// payload so downstream parsing stays uniform.
func wrapPlainText(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"replies": []map[string]any{{
			"text":      text,
			"strategy":  "direct_response",
			"reasoning": "model returned plain text; wrapped verbatim",
		}},
	})
	return b
}

// preview returns at most errPreviewLen runes of s for error messages.
func preview(s string) string {
	r := []rune(s)
	if len(r) <= errPreviewLen {
		return s
	}
	return string(r[:errPreviewLen]) + "…"
}
