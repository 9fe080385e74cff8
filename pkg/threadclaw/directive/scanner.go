// Package directive extracts embedded JSON directives from assistant text.
// A directive is a tagged JSON object (discriminated by "type") emitted by
// the model either inside a fenced ```json block or as a raw top-level
// object. Parsing failures are silent: malformed candidates stay in the text
// as-is.
package directive

import (
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// candidate is one JSON object found in text, with enough position info to
// strip it afterwards.
type candidate struct {
	// raw is the JSON substring to unmarshal.
	raw string
	// span is the full region to remove from the text, fence included.
	start, end int
	fenced     bool
}

// scanBalanced returns the end index (exclusive) of the balanced top-level
// object starting at text[start] ('{'), tracking strings and escapes. ok is
// false when the object never closes.
func scanBalanced(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// findCandidates lists JSON object candidates in precedence order: fenced
// blocks first, then raw top-level objects outside fences.
func findCandidates(text string) []candidate {
	var out []candidate

	fences := fencedJSONRe.FindAllStringSubmatchIndex(text, -1)
	for _, idx := range fences {
		inner := strings.TrimSpace(text[idx[2]:idx[3]])
		if strings.HasPrefix(inner, "{") {
			out = append(out, candidate{
				raw:    inner,
				start:  idx[0],
				end:    idx[1],
				fenced: true,
			})
		}
	}

	inFence := func(i int) bool {
		for _, idx := range fences {
			if i >= idx[0] && i < idx[1] {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' || inFence(i) {
			continue
		}
		// Top-level only: the brace must start a line or follow whitespace.
		if i > 0 {
			prev := text[i-1]
			if prev != '\n' && prev != ' ' && prev != '\t' && prev != '\r' {
				continue
			}
		}
		// An unbalanced candidate must not hide later well-formed objects.
		end, ok := scanBalanced(text, i)
		if !ok {
			continue
		}
		out = append(out, candidate{raw: text[i:end], start: i, end: end})
		i = end - 1
	}
	return out
}

// FirstObject returns the first balanced top-level JSON object in text,
// preferring fenced ```json blocks, or "" when none is found. Callers
// unmarshal and validate the result themselves.
func FirstObject(text string) string {
	candidates := findCandidates(text)
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].raw
}

// Objects returns every balanced top-level JSON object in text, fenced
// blocks first.
func Objects(text string) []string {
	var out []string
	for _, c := range findCandidates(text) {
		out = append(out, c.raw)
	}
	return out
}

// strip removes the candidate region from text and tidies leftover blank
// runs.
func strip(text string, c candidate) string {
	cleaned := text[:c.start] + text[c.end:]
	cleaned = regexp.MustCompile(`\n{3,}`).ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
