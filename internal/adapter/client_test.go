package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeHost emulates the host app's remote-debugging surface: a /json/list
// discovery endpoint plus a websocket speaking Runtime.evaluate.
type fakeHost struct {
	srv   *httptest.Server
	title string

	// eval maps an evaluated expression to a JSON value or an exception
	// description. nil reply means never answer.
	eval func(expr string) (json.RawMessage, string)

	mu    sync.Mutex
	exprs []string
}

func newFakeHost(t *testing.T, title string, eval func(expr string) (json.RawMessage, string)) *fakeHost {
	t.Helper()
	h := &fakeHost{title: title, eval: eval}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		targets := []map[string]string{{
			"title":                h.title,
			"type":                 "page",
			"url":                  "app://host",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/ws",
		}}
		_ = json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			var req struct {
				ID     int64          `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			expr, _ := req.Params["expression"].(string)
			h.mu.Lock()
			h.exprs = append(h.exprs, expr)
			h.mu.Unlock()

			value, exception := h.eval(expr)
			if value == nil && exception == "" {
				continue // simulate a hung call
			}

			reply := map[string]any{"id": req.ID}
			if exception != "" {
				reply["result"] = map[string]any{
					"result":           map[string]any{"type": "object"},
					"exceptionDetails": map[string]any{"text": exception},
				}
			} else {
				reply["result"] = map[string]any{
					"result": map[string]any{"type": "object", "value": json.RawMessage(value)},
				}
			}
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
		}
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHost) endpoint() string {
	return strings.TrimPrefix(h.srv.URL, "http://")
}

func (h *fakeHost) evaluated() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.exprs...)
}

func (h *fakeHost) client() *Client {
	return NewClient(Config{Endpoint: h.endpoint(), TargetFilter: "claude"})
}

func TestClient_Evaluate(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return json.RawMessage(`{"ok": true}`), ""
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	value, err := client.Evaluate(context.Background(), "1 + 1")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok": true}`, string(value))
	require.Equal(t, []string{"1 + 1"}, host.evaluated())
}

func TestClient_Evaluate_RuntimeException(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return nil, "ReferenceError: nope is not defined"
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	_, err := client.Evaluate(context.Background(), "nope()")

	var fault *ExecutionFault
	require.ErrorAs(t, err, &fault)
	require.Contains(t, fault.Description, "ReferenceError")
}

func TestClient_Evaluate_ContextDeadline(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return nil, "" // never reply
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Evaluate(ctx, "slow()")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClient_Discovery_NoMatchingTarget(t *testing.T) {
	host := newFakeHost(t, "Some Other App", nil)
	client := host.client()

	_, err := client.Evaluate(context.Background(), "1")
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestClient_Discovery_EndpointDown(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", nil)
	host.srv.Close()
	client := host.client()

	_, err := client.Evaluate(context.Background(), "1")
	require.ErrorIs(t, err, ErrNotAvailable)
}

func sessionsJSON(sessions []Session) json.RawMessage {
	data, _ := json.Marshal(sessions)
	return data
}

func TestClient_ListSessions_FiltersHidden(t *testing.T) {
	all := []Session{
		{SessionID: "s1", Title: "main work"},
		{SessionID: "s2", Title: "__orch_o1_worker_t1"},
	}
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return sessionsJSON(all), ""
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	visible, err := client.ListSessions(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "s1", visible[0].SessionID)

	everything, err := client.ListSessions(context.Background(), ListOptions{IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, everything, 2)
}

func TestClient_ListSessions_Caching(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return sessionsJSON([]Session{{SessionID: "s1"}}), ""
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	_, err := client.ListSessions(ctx, ListOptions{})
	require.NoError(t, err)
	_, err = client.ListSessions(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, host.evaluated(), 1, "second call should hit the cache")

	_, err = client.ListSessions(ctx, ListOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Len(t, host.evaluated(), 2, "force refresh bypasses the cache")
}

func TestClient_StartSessionWithMessage(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		if strings.Contains(expr, ".start(") {
			return json.RawMessage(`{"sessionId": "new-1"}`), ""
		}
		return json.RawMessage(`true`), ""
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	id, err := client.StartSessionWithMessage(context.Background(), "/work", "do the thing",
		StartOptions{Name: "__orch_o1_worker_t1"})
	require.NoError(t, err)
	require.Equal(t, "new-1", id)

	exprs := host.evaluated()
	require.Len(t, exprs, 2)
	require.Contains(t, exprs[0], `window.appBridge.sessions.start(`)
	require.Contains(t, exprs[0], `"__orch_o1_worker_t1"`)
	require.Contains(t, exprs[0], `"/work"`)
	require.Contains(t, exprs[1], `window.appBridge.sessions.sendMessage("new-1", "do the thing"`)
}

func TestClient_GetTranscript(t *testing.T) {
	host := newFakeHost(t, "Claude Desktop", func(expr string) (json.RawMessage, string) {
		return json.RawMessage(`[
			{"type": "user", "content": "hello"},
			{"type": "assistant", "content": [{"type": "text", "text": "hi "}, {"type": "text", "text": "there"}]}
		]`), ""
	})
	client := host.client()
	defer func() { _ = client.Close() }()

	entries, err := client.GetTranscript(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[0].Text())
	require.Equal(t, "hi there", entries[1].Text())
}

func TestClient_RespondToPermission_InvalidDecision(t *testing.T) {
	client := NewClient(Config{})
	err := client.RespondToPermission(context.Background(), "r1", PermissionDecision("shrug"), nil)
	require.ErrorContains(t, err, "invalid permission decision")
}

func TestTranscriptEntry_ToolUses(t *testing.T) {
	entry := TranscriptEntry{
		Type: "assistant",
		Content: json.RawMessage(`[
			{"type": "text", "text": "let me check"},
			{"type": "tool_use", "name": "Read", "input": {"path": "a.go"}},
			{"type": "tool_use", "name": "Task", "input": {}}
		]`),
	}
	require.Equal(t, []string{"Read", "Task"}, entry.ToolUses())
	require.Equal(t, "let me check", entry.Text())
}

func TestSession_Busy(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		busy    bool
	}{
		{"idle", Session{}, false},
		{"generating", Session{IsGenerating: true}, true},
		{"streaming", Session{IsStreaming: true}, true},
		{"busy flag", Session{IsBusy: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.busy, tt.session.Busy())
		})
	}
}

func TestSession_Hidden(t *testing.T) {
	hidden := Session{SessionID: "x", Title: fmt.Sprintf("__orch_%s_worker_%s", "o1", "t1")}
	require.True(t, hidden.Hidden())
	require.False(t, Session{SessionID: "s", Title: "regular"}.Hidden())
}
