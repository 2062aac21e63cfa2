// Package jsonutil digs JSON payloads out of freeform agent output. AI
// CLIs wrap their structured results in prose, markdown code fences, and
// ANSI color codes; callers that asked for JSON still need the document.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxInputBytes caps how much text is scanned; anything larger is rejected
// rather than buffered.
const maxInputBytes = 10 * 1024 * 1024

var (
	ansiRe  = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)
	fenceRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(.*?)\n```")
)

// Extract returns the first valid JSON object or array in text, looking
// inside markdown code fences first, then at top-level brace/bracket
// spans in the surrounding prose.
func Extract(text string) (json.RawMessage, error) {
	if len(text) > maxInputBytes {
		return nil, fmt.Errorf("jsonutil: input exceeds %d bytes", maxInputBytes)
	}
	text = strings.TrimPrefix(text, "\xef\xbb\xbf")
	text = ansiRe.ReplaceAllString(text, "")

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		inner := strings.TrimSpace(m[1])
		if inner != "" && json.Valid([]byte(inner)) {
			return json.RawMessage(inner), nil
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := matchingDelimiter(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, fmt.Errorf("jsonutil: no valid JSON found in text")
}

// ExtractInto extracts the first JSON document in text and unmarshals it
// into target.
func ExtractInto(text string, target any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("jsonutil: decoding extracted JSON: %w", err)
	}
	return nil
}

// matchingDelimiter finds the index of the bracket closing the one at
// start, tracking nesting and skipping string literals (with escapes) so a
// brace inside a quoted value never closes the document.
func matchingDelimiter(text string, start int) int {
	open := text[start]
	var closing byte = '}'
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
