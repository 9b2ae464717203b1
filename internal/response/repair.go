package response

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/zjrosen/maestro/internal/log"
)

// decodeTolerant unmarshals src into out, escalating through recovery
// strategies before giving up:
//  1. strict decode as-is;
//  2. repaired decode (trailing commas, unquoted keys, single quotes, bare
//     identifiers, comments);
//  3. largest balanced {...} substring, strict then repaired.
func decodeTolerant(src string, out any) error {
	var firstErr error

	if err := json.Unmarshal([]byte(src), out); err == nil {
		return nil
	} else {
		firstErr = err
	}

	if fixed, err := jsonrepair.JSONRepair(src); err == nil {
		if err := json.Unmarshal([]byte(fixed), out); err == nil {
			log.Debug(log.CatParser, "recovered malformed JSON via repair")
			return nil
		}
	}

	if obj := largestObject(src); obj != "" && obj != src {
		if err := json.Unmarshal([]byte(obj), out); err == nil {
			log.Debug(log.CatParser, "recovered JSON from embedded object")
			return nil
		}
		if fixed, err := jsonrepair.JSONRepair(obj); err == nil {
			if err := json.Unmarshal([]byte(fixed), out); err == nil {
				log.Debug(log.CatParser, "recovered JSON from repaired embedded object")
				return nil
			}
		}
	}

	return firstErr
}

// largestObject returns the largest brace-balanced {...} substring of s,
// ignoring braces inside double-quoted strings. Returns "" when no balanced
// object exists.
func largestObject(s string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := s[start : i+1]
					if len(candidate) > len(best) {
						best = candidate
					}
				}
			}
		}
	}
	return strings.TrimSpace(best)
}
