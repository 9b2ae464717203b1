package response

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFallback(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		detected bool
		phase    Phase
	}{
		{
			name: "empty text",
		},
		{
			name: "no hints",
			text: "the weather is nice today",
		},
		{
			name:     "completion language",
			text:     "I have completed the refactor and all tests pass.",
			detected: true,
			phase:    PhaseCompletion,
		},
		{
			name:     "progress language",
			text:     "Currently working on the parser, about 60% through.",
			detected: true,
			phase:    PhaseProgress,
		},
		{
			name:     "task list language",
			text:     "Here is the task breakdown into sub-tasks.",
			detected: true,
			phase:    PhaseTaskList,
		},
		{
			name:     "analysis language",
			text:     "I analyzed the codebase; complexity is moderate.",
			detected: true,
			phase:    PhaseAnalysis,
		},
		{
			name:     "aggregation language",
			text:     "Merged both branches; final summary attached, no conflicts.",
			detected: true,
			phase:    PhaseAggregation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DetectFallback(tt.text)
			require.Equal(t, tt.detected, result.Detected)
			if !tt.detected {
				require.Zero(t, result.Confidence)
				return
			}
			require.Equal(t, tt.phase, result.ProbablePhase)
			require.GreaterOrEqual(t, result.Confidence, 0.1)
			require.LessOrEqual(t, result.Confidence, 0.9)
		})
	}
}

func TestDetectFallback_ConfidenceScalesWithHits(t *testing.T) {
	weak := DetectFallback("done")
	strong := DetectFallback("Task t1 succeeded: everything is done, finished, and all tests pass.")

	require.True(t, weak.Detected)
	require.True(t, strong.Detected)
	require.Greater(t, strong.Confidence, weak.Confidence)
}

func TestDetectFallback_ConfidenceCeiling(t *testing.T) {
	// Hits across every pattern of a phase still cap at 0.9.
	text := "Task t9 succeeded. The work is completed, finished, done; all tests pass and all checks pass."
	result := DetectFallback(text)
	require.True(t, result.Detected)
	require.LessOrEqual(t, result.Confidence, 0.9)
}
