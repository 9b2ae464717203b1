package response

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func block(body string) string {
	return StartSentinel + "\n" + body + "\n" + EndSentinel
}

func TestParse_NoBlock(t *testing.T) {
	result := Parse("just some prose without any structured content")
	require.False(t, result.Found)
	require.NoError(t, result.Err)
}

func TestParse_Analysis(t *testing.T) {
	text := "Here is my analysis.\n" + block(`{
		"phase": "analysis",
		"data": {"summary": "three services, shared db", "recommended_splits": 3}
	}`) + "\nLet me know."

	result := Parse(text)
	require.True(t, result.Found)
	require.NoError(t, result.Err)
	require.Equal(t, PhaseAnalysis, result.Phase)
	require.Equal(t, "Here is my analysis.", result.BeforeText)
	require.Equal(t, "Let me know.", result.AfterText)

	analysis, ok := result.Payload.(Analysis)
	require.True(t, ok)
	require.Equal(t, "three services, shared db", analysis.Summary)
	require.Equal(t, 3, analysis.RecommendedSplits)
}

func TestParse_MissingEndSentinel(t *testing.T) {
	text := "preamble\n" + StartSentinel + "\n{\"phase\": \"analysis\""

	result := Parse(text)
	require.True(t, result.Found)

	var missingEnd *MissingEndError
	require.ErrorAs(t, result.Err, &missingEnd)
	require.Equal(t, "preamble", result.BeforeText)
}

func TestParse_EnvelopeFieldErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing phase", `{"data": {"summary": "x"}}`, "phase"},
		{"missing data", `{"phase": "analysis"}`, "data"},
		{"null data", `{"phase": "analysis", "data": null}`, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse(block(tt.body))
			require.True(t, result.Found)

			var missing *MissingFieldError
			require.ErrorAs(t, result.Err, &missing)
			require.Equal(t, tt.field, missing.Field)
		})
	}
}

func TestParse_UnknownPhase(t *testing.T) {
	result := Parse(block(`{"phase": "deploy", "data": {"x": 1}}`))
	require.True(t, result.Found)

	var unknown *UnknownPhaseError
	require.ErrorAs(t, result.Err, &unknown)
	require.Equal(t, "deploy", unknown.Phase)
}

func TestParse_PayloadValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			"analysis without summary",
			`{"phase": "analysis", "data": {"recommended_splits": 2}}`,
			"summary",
		},
		{
			"analysis with zero splits",
			`{"phase": "analysis", "data": {"summary": "s", "recommended_splits": 0}}`,
			"recommended_splits",
		},
		{
			"task list without tasks",
			`{"phase": "task_list", "data": {"tasks": []}}`,
			"tasks",
		},
		{
			"task without description",
			`{"phase": "task_list", "data": {"tasks": [{"id": "t1", "title": "a"}]}}`,
			"tasks[0].description",
		},
		{
			"progress out of range",
			`{"phase": "progress", "data": {"task_id": "t1", "status": "working", "progress_percent": 120}}`,
			"progress_percent",
		},
		{
			"completion with unknown status",
			`{"phase": "completion", "data": {"task_id": "t1", "status": "maybe"}}`,
			"status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse(block(tt.body))
			require.True(t, result.Found)

			var fieldErr *FieldError
			require.ErrorAs(t, result.Err, &fieldErr)
			require.Equal(t, tt.field, fieldErr.Field)
		})
	}
}

func TestParse_RepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes both survive repair.
	result := Parse(block(`{'phase': 'progress', 'data': {'task_id': 't1', 'status': 'working',}}`))
	require.True(t, result.Found)
	require.NoError(t, result.Err)

	progress, ok := result.Payload.(Progress)
	require.True(t, ok)
	require.Equal(t, "t1", progress.TaskID)
}

func TestParse_RecoversEmbeddedObject(t *testing.T) {
	body := `The result is below:
	{"phase": "completion", "data": {"task_id": "t2", "status": "success", "summary": "done"}}
	hope that helps`

	result := Parse(block(body))
	require.True(t, result.Found)
	require.NoError(t, result.Err)

	completion, ok := result.Payload.(Completion)
	require.True(t, ok)
	require.Equal(t, CompletionSuccess, completion.Status)
}

func TestParse_Unparseable(t *testing.T) {
	result := Parse(block("not structured in any way"))
	require.True(t, result.Found)

	var parseErr *ParseError
	require.ErrorAs(t, result.Err, &parseErr)
	require.Equal(t, "envelope", parseErr.Stage)
	require.NotNil(t, errors.Unwrap(result.Err))
}

func TestParseMultiple_OrderAndProse(t *testing.T) {
	text := "first\n" +
		block(`{"phase": "progress", "data": {"task_id": "t1", "status": "working"}}`) +
		"\nbetween\n" +
		block(`{"phase": "completion", "data": {"task_id": "t1", "status": "success"}}`) +
		"\ntrailing"

	results := ParseMultiple(text)
	require.Len(t, results, 2)

	require.Equal(t, PhaseProgress, results[0].Phase)
	require.Equal(t, "first", results[0].BeforeText)
	require.Empty(t, results[0].AfterText)

	require.Equal(t, PhaseCompletion, results[1].Phase)
	require.Equal(t, "between", results[1].BeforeText)
	require.Equal(t, "trailing", results[1].AfterText)
}

func TestParseMultiple_MixedValidity(t *testing.T) {
	text := block(`{"phase": "progress", "data": {"task_id": "t1"}}`) + "\n" +
		block(`{"phase": "progress", "data": {"task_id": "t1", "status": "working"}}`)

	results := ParseMultiple(text)
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
}

func TestParseMultiple_MissingEndStopsScan(t *testing.T) {
	text := block(`{"phase": "progress", "data": {"task_id": "t1", "status": "working"}}`) +
		"\n" + StartSentinel + "\n{\"phase\":"

	results := ParseMultiple(text)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)

	var missingEnd *MissingEndError
	require.ErrorAs(t, results[1].Err, &missingEnd)
}

func TestSerialize_RoundTrip(t *testing.T) {
	pct := 42.5
	payloads := []Payload{
		Analysis{Summary: "summary", RecommendedSplits: 2, KeyFiles: []string{"a.go"}},
		TaskList{Tasks: []TaskSpec{{ID: "t1", Title: "title", Description: "desc"}}},
		Progress{TaskID: "t1", Status: "working", ProgressPercent: &pct},
		Completion{TaskID: "t1", Status: CompletionPartial, Summary: "half done"},
		Aggregation{Status: "success", Summary: "merged"},
	}
	for _, payload := range payloads {
		t.Run(string(payload.PayloadPhase()), func(t *testing.T) {
			text, err := Serialize(payload)
			require.NoError(t, err)

			result := Parse(text)
			require.True(t, result.Found)
			require.NoError(t, result.Err)
			require.Equal(t, payload.PayloadPhase(), result.Phase)
			require.Equal(t, payload, result.Payload)
		})
	}
}

func TestSerialize_ParseRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := Progress{
			TaskID:        rapid.StringMatching(`t[0-9]{1,4}`).Draw(t, "taskID"),
			Status:        rapid.SampledFrom([]string{"working", "blocked", "reviewing"}).Draw(t, "status"),
			CurrentAction: rapid.StringN(0, 64, 64).Draw(t, "action"),
		}
		if rapid.Bool().Draw(t, "hasPct") {
			pct := rapid.Float64Range(0, 100).Draw(t, "pct")
			payload.ProgressPercent = &pct
		}

		prose := rapid.StringN(0, 32, 32).Filter(func(s string) bool {
			return !strings.Contains(s, StartSentinel) && !strings.Contains(s, EndSentinel)
		}).Draw(t, "prose")

		text, err := Serialize(payload)
		require.NoError(t, err)

		result := Parse(prose + "\n" + text)
		require.True(t, result.Found)
		require.NoError(t, result.Err)
		require.Equal(t, payload, result.Payload)
	})
}
