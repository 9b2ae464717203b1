package subsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/response"
)

type fakeRuntime struct {
	mu          sync.Mutex
	sessions    []adapter.Session
	transcripts map[string][]adapter.TranscriptEntry
	messages    map[string][]string
	listErr     error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		transcripts: make(map[string][]adapter.TranscriptEntry),
		messages:    make(map[string][]string),
	}
}

func (f *fakeRuntime) Evaluate(context.Context, string) (json.RawMessage, error) { return nil, nil }

func (f *fakeRuntime) ListSessions(context.Context, adapter.ListOptions) ([]adapter.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]adapter.Session(nil), f.sessions...), nil
}

func (f *fakeRuntime) GetTranscript(_ context.Context, sessionID string) ([]adapter.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.TranscriptEntry(nil), f.transcripts[sessionID]...), nil
}

func (f *fakeRuntime) SendMessage(_ context.Context, sessionID, text string, _ []adapter.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[sessionID] = append(f.messages[sessionID], text)
	return nil
}

func (f *fakeRuntime) StartSessionWithMessage(context.Context, string, string, adapter.StartOptions) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeRuntime) ArchiveSession(context.Context, string) error        { return nil }
func (f *fakeRuntime) DeleteSession(context.Context, string) error         { return nil }
func (f *fakeRuntime) SwitchSession(context.Context, string) error         { return nil }
func (f *fakeRuntime) GetCurrentSessionID(context.Context) (string, error) { return "", nil }

func (f *fakeRuntime) GetPendingPermissions(context.Context) ([]adapter.PermissionRequest, error) {
	return nil, nil
}

func (f *fakeRuntime) RespondToPermission(context.Context, string, adapter.PermissionDecision, map[string]any) error {
	return nil
}

func (f *fakeRuntime) GetPendingQuestions(context.Context) ([]adapter.Question, error) {
	return nil, nil
}

func (f *fakeRuntime) RespondToQuestion(context.Context, string, []string) error { return nil }
func (f *fakeRuntime) Close() error                                              { return nil }

func (f *fakeRuntime) setSessions(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = f.sessions[:0]
	for _, id := range ids {
		f.sessions = append(f.sessions, adapter.Session{SessionID: id, Title: id})
	}
}

func (f *fakeRuntime) setTranscript(sessionID string, entries ...adapter.TranscriptEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[sessionID] = entries
}

func (f *fakeRuntime) messagesFor(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[sessionID]...)
}

func spawnEntry(tool string) adapter.TranscriptEntry {
	return adapter.TranscriptEntry{
		Type:    "assistant",
		Content: json.RawMessage(fmt.Sprintf(`[{"type": "tool_use", "name": %q, "input": {}}]`, tool)),
	}
}

func completionEntry(t *testing.T, taskID, summary string) adapter.TranscriptEntry {
	t.Helper()
	text, err := response.Serialize(response.Completion{
		TaskID: taskID, Status: response.CompletionSuccess, Summary: summary,
	})
	require.NoError(t, err)
	content, err := json.Marshal(text)
	require.NoError(t, err)
	return adapter.TranscriptEntry{Type: "assistant", Content: content}
}

func newTestTracker(t *testing.T, rt *fakeRuntime, cfg Config) *Tracker {
	t.Helper()
	disp := dispatcher.New()
	t.Cleanup(disp.Close)
	tr, err := New(rt, disp, cfg)
	require.NoError(t, err)
	return tr
}

// registerChild drives the attribution flow: the parent uses a spawn tool,
// then a new session appears.
func registerChild(t *testing.T, rt *fakeRuntime, tr *Tracker, parent, child string) {
	t.Helper()
	ctx := context.Background()

	rt.setSessions(parent)
	rt.setTranscript(parent, spawnEntry("Task"))
	tr.Watch(parent)
	tr.sweep(ctx)

	rt.setSessions(parent, child)
	tr.sweep(ctx)

	rels := tr.ChildrenOf(parent)
	require.Len(t, rels, 1)
	require.Equal(t, child, rels[0].ChildSessionID)
	require.Equal(t, StatusActive, rels[0].Status)
}

func TestTracker_AttributesNewSessionInsideWindow(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())

	registerChild(t, rt, tr, "p1", "c1")

	rels := tr.Relations()
	require.Len(t, rels, 1)
	require.Equal(t, "p1", rels[0].ParentSessionID)
	require.False(t, rels[0].CreatedAt.IsZero())
}

func TestTracker_NoAttributionWithoutSpawnTool(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	rt.setSessions("p1")
	rt.setTranscript("p1", adapter.TranscriptEntry{
		Type:    "assistant",
		Content: json.RawMessage(`[{"type": "tool_use", "name": "Read", "input": {}}]`),
	})
	tr.Watch("p1")
	tr.sweep(ctx)

	rt.setSessions("p1", "c1")
	tr.sweep(ctx)

	require.Empty(t, tr.Relations(), "no spawn tool, no attribution")
}

func TestTracker_NoAttributionAfterWindowCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttributionWindow = time.Millisecond
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, cfg)
	ctx := context.Background()

	rt.setSessions("p1")
	rt.setTranscript("p1", spawnEntry("Task"))
	tr.Watch("p1")
	tr.sweep(ctx)

	time.Sleep(10 * time.Millisecond)
	rt.setSessions("p1", "c1")
	tr.sweep(ctx)

	require.Empty(t, tr.Relations())
}

func TestTracker_ChildHasOneParent(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	rt.setSessions("p1", "p2")
	rt.setTranscript("p1", spawnEntry("Task"))
	rt.setTranscript("p2", spawnEntry("agent_run"))
	tr.Watch("p1")
	tr.Watch("p2")
	tr.sweep(ctx)

	rt.setSessions("p1", "p2", "c1")
	tr.sweep(ctx)

	require.Len(t, tr.Relations(), 1, "both windows open, exactly one claim")
}

func TestTracker_IdleTransition(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")

	// Backdate activity past the idle threshold; the child transcript has
	// not grown.
	tr.mu.Lock()
	tr.children["c1"].rel.LastActivityAt = time.Now().Add(-time.Minute)
	tr.mu.Unlock()

	tr.sweep(ctx)

	rels := tr.ChildrenOf("p1")
	require.Len(t, rels, 1)
	require.Equal(t, StatusIdle, rels[0].Status)
}

func TestTracker_TranscriptGrowthReactivates(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")
	tr.mu.Lock()
	tr.children["c1"].rel.Status = StatusIdle
	tr.mu.Unlock()

	rt.setTranscript("c1", adapter.TranscriptEntry{
		Type: "assistant", Content: json.RawMessage(`"still working"`),
	})
	tr.sweep(ctx)

	rels := tr.ChildrenOf("p1")
	require.Equal(t, StatusActive, rels[0].Status)
	require.Equal(t, 1, rels[0].MessageCount)
}

func TestTracker_ReturnedResultForwardedToParent(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")

	rt.setTranscript("c1", completionEntry(t, "t1", "child finished the refactor"))
	tr.sweep(ctx)

	rels := tr.ChildrenOf("p1")
	require.Len(t, rels, 1)
	require.Equal(t, StatusReturned, rels[0].Status)
	require.Equal(t, "child finished the refactor", rels[0].ReturnedResult)

	msgs := rt.messagesFor("p1")
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "[Subsession c1 returned]")
	require.Contains(t, msgs[0], "child finished the refactor")

	// Returned is terminal: further sweeps leave it alone.
	tr.sweep(ctx)
	require.Len(t, rt.messagesFor("p1"), 1)
}

func TestTracker_ForwardDisabled(t *testing.T) {
	off := false
	cfg := DefaultConfig()
	cfg.ForwardResults = &off

	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, cfg)
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")
	rt.setTranscript("c1", completionEntry(t, "t1", "done"))
	tr.sweep(ctx)

	rels := tr.ChildrenOf("p1")
	require.Equal(t, StatusReturned, rels[0].Status)
	require.Empty(t, rt.messagesFor("p1"), "forwarding disabled")
}

func TestTracker_OrphansChildrenOfVanishedParent(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")

	// Parent disappears; the first miss only starts the clock.
	rt.setSessions("c1")
	tr.sweep(ctx)
	require.Equal(t, StatusActive, tr.ChildrenOf("p1")[0].Status)

	// Backdate the miss beyond the orphan threshold.
	tr.mu.Lock()
	past := time.Now().Add(-2 * time.Minute)
	tr.parents["p1"].unreachableSince = &past
	tr.mu.Unlock()

	tr.sweep(ctx)
	require.Equal(t, StatusOrphaned, tr.ChildrenOf("p1")[0].Status)
}

func TestTracker_ReturnedChildNotOrphaned(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())
	ctx := context.Background()

	registerChild(t, rt, tr, "p1", "c1")
	rt.setTranscript("c1", completionEntry(t, "t1", "done"))
	tr.sweep(ctx)

	rt.setSessions("c1")
	tr.mu.Lock()
	past := time.Now().Add(-2 * time.Minute)
	tr.parents["p1"].unreachableSince = &past
	tr.mu.Unlock()
	tr.sweep(ctx)

	require.Equal(t, StatusReturned, tr.ChildrenOf("p1")[0].Status)
}

func TestTracker_UnwatchKeepsRelations(t *testing.T) {
	rt := newFakeRuntime()
	tr := newTestTracker(t, rt, DefaultConfig())

	registerChild(t, rt, tr, "p1", "c1")
	tr.Unwatch("p1")

	require.Len(t, tr.ChildrenOf("p1"), 1)
}

func TestNew_InvalidSpawnPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpawnToolPattern = "("

	_, err := New(newFakeRuntime(), dispatcher.New(), cfg)
	require.Error(t, err)
}

func TestConfig_ForwardEnabled(t *testing.T) {
	require.True(t, Config{}.ForwardEnabled())
	on, off := true, false
	require.True(t, Config{ForwardResults: &on}.ForwardEnabled())
	require.False(t, Config{ForwardResults: &off}.ForwardEnabled())
}
