package response

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/maestro/internal/log"
)

// Sentinels delimiting structured blocks in assistant text.
const (
	StartSentinel = "<<<ORCHESTRATOR_RESPONSE>>>"
	EndSentinel   = "<<<END_ORCHESTRATOR_RESPONSE>>>"
)

// ParseResult is the outcome for one structured block.
//
// Found means a start sentinel was located; Err is set when the block could
// not be decoded or validated, in which case Phase/Payload may be partial.
// BeforeText and AfterText carry the prose surrounding the block so callers
// can surface human-readable preambles.
type ParseResult struct {
	Found      bool
	Phase      Phase
	Payload    Payload
	BeforeText string
	AfterText  string
	Err        error
}

// envelope is the outer block shape: a phase tag plus a data object.
type envelope struct {
	Phase string          `json:"phase"`
	Data  json.RawMessage `json:"data"`
}

// Parse extracts the first structured block from text. When no block exists
// the result has Found=false and callers may fall back to DetectFallback.
func Parse(text string) ParseResult {
	results := ParseMultiple(text)
	if len(results) == 0 {
		return ParseResult{Found: false}
	}
	return results[0]
}

// ParseMultiple extracts every structured block in order of appearance. The
// last result carries the prose before its block and all trailing prose.
func ParseMultiple(text string) []ParseResult {
	var results []ParseResult
	rest := text

	for {
		start := strings.Index(rest, StartSentinel)
		if start < 0 {
			break
		}
		before := rest[:start]
		body := rest[start+len(StartSentinel):]

		end := strings.Index(body, EndSentinel)
		if end < 0 {
			results = append(results, ParseResult{
				Found:      true,
				BeforeText: strings.TrimSpace(before),
				AfterText:  "",
				Err:        &MissingEndError{},
			})
			return results
		}

		block := strings.TrimSpace(body[:end])
		rest = body[end+len(EndSentinel):]

		result := parseBlock(block)
		result.BeforeText = strings.TrimSpace(before)
		results = append(results, result)
	}

	if len(results) > 0 {
		results[len(results)-1].AfterText = strings.TrimSpace(rest)
	}
	return results
}

// parseBlock decodes a single delimited block body.
func parseBlock(block string) ParseResult {
	var env envelope
	if err := decodeTolerant(block, &env); err != nil {
		log.Warn(log.CatParser, "unparseable response block", "error", err, "len", len(block))
		return ParseResult{Found: true, Err: &ParseError{Stage: "envelope", Cause: err}}
	}
	if env.Phase == "" {
		return ParseResult{Found: true, Err: &MissingFieldError{Field: "phase"}}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ParseResult{Found: true, Phase: Phase(env.Phase), Err: &MissingFieldError{Field: "data"}}
	}

	payload, err := decodePayload(Phase(env.Phase), env.Data)
	if err != nil {
		return ParseResult{Found: true, Phase: Phase(env.Phase), Payload: payload, Err: err}
	}
	return ParseResult{Found: true, Phase: Phase(env.Phase), Payload: payload}
}

// Serialize renders a payload as a canonical delimited block. Inverse of
// Parse for schema-conforming payloads.
func Serialize(payload Payload) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("response: serialize payload: %w", err)
	}
	env := struct {
		Phase Phase           `json:"phase"`
		Data  json.RawMessage `json:"data"`
	}{Phase: payload.PayloadPhase(), Data: data}

	body, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("response: serialize envelope: %w", err)
	}
	return StartSentinel + "\n" + string(body) + "\n" + EndSentinel, nil
}
