package response

import "regexp"

// FallbackResult is a keyword-based guess at what an unstructured assistant
// message was trying to report. Confidence is bounded to [0.1, 0.9]: the
// heuristic is never certain either way.
type FallbackResult struct {
	Detected      bool
	ProbablePhase Phase
	Confidence    float64
}

// phaseHints maps each phase to keyword patterns suggesting it.
var phaseHints = map[Phase][]*regexp.Regexp{
	PhaseAnalysis: {
		regexp.MustCompile(`(?i)\banaly[sz]ed?\b`),
		regexp.MustCompile(`(?i)\bcodebase\b`),
		regexp.MustCompile(`(?i)\brecommend(ed)?\s+split`),
		regexp.MustCompile(`(?i)\bcomplexity\b`),
	},
	PhaseTaskList: {
		regexp.MustCompile(`(?i)\btask\s*(list|breakdown|plan)\b`),
		regexp.MustCompile(`(?i)\bsub-?tasks?\b`),
		regexp.MustCompile(`(?i)^\s*\d+[.)]\s+\S`),
	},
	PhaseProgress: {
		regexp.MustCompile(`(?i)\bprogress\b`),
		regexp.MustCompile(`(?i)\b\d{1,3}\s*%`),
		regexp.MustCompile(`(?i)\b(working on|currently|in progress)\b`),
	},
	PhaseCompletion: {
		regexp.MustCompile(`(?i)\b(completed?|finished|done)\b`),
		regexp.MustCompile(`(?i)\btask\s+\S+\s+(succeeded|failed)\b`),
		regexp.MustCompile(`(?i)\ball\s+(tests?|checks?)\s+pass`),
	},
	PhaseAggregation: {
		regexp.MustCompile(`(?i)\b(aggregat|merged?|combined?)\b`),
		regexp.MustCompile(`(?i)\bfinal\s+(summary|result)\b`),
		regexp.MustCompile(`(?i)\bconflicts?\b`),
	},
}

// DetectFallback applies per-phase keyword heuristics to text that carried
// no structured block. Callers decide whether to act on low-confidence hits.
func DetectFallback(text string) FallbackResult {
	if text == "" {
		return FallbackResult{}
	}

	// Fixed evaluation order keeps ties deterministic.
	order := []Phase{PhaseCompletion, PhaseProgress, PhaseTaskList, PhaseAggregation, PhaseAnalysis}

	var bestPhase Phase
	bestHits := 0
	for _, phase := range order {
		hits := 0
		for _, p := range phaseHints[phase] {
			if p.MatchString(text) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestPhase = phase
		}
	}

	if bestHits == 0 {
		return FallbackResult{}
	}

	// One hit is a weak signal; each further hit adds confidence up to the
	// 0.9 ceiling.
	confidence := 0.1 + 0.25*float64(bestHits)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return FallbackResult{Detected: true, ProbablePhase: bestPhase, Confidence: confidence}
}
