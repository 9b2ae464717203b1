package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/maestro/internal/log"
)

const (
	discoveryTimeout = 5 * time.Second
	evaluateTimeout  = 30 * time.Second
)

// debugTarget is one entry from the host's /json/list endpoint.
type debugTarget struct {
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discoverTarget lists the host's debug targets and returns the websocket
// URL of the first target matching the filter. Returns ErrNotAvailable when
// the endpoint is unreachable or no target matches.
func discoverTarget(ctx context.Context, endpoint, filter string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/json/list", nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn(log.CatAdapter, "debug endpoint unreachable", "endpoint", endpoint, "error", err)
		return "", ErrNotAvailable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: discovery returned %d", ErrNotAvailable, resp.StatusCode)
	}

	var targets []debugTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode discovery response: %w", err)
	}

	for _, t := range targets {
		if t.WebSocketDebuggerURL == "" {
			continue
		}
		if filter == "" || containsFold(t.URL, filter) || containsFold(t.Title, filter) {
			log.Debug(log.CatAdapter, "selected debug target", "title", t.Title, "url", t.URL)
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("%w: no target matching %q among %d targets", ErrNotAvailable, filter, len(targets))
}

// cdpRequest is an outbound protocol message.
type cdpRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// cdpMessage is an inbound protocol message: either a reply (ID set) or an
// async event (Method set, no ID).
type cdpMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// conn is a single duplex protocol connection. Requests are correlated to
// replies by monotonic id; a read loop fans replies out to per-call slots.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[int64]chan cdpMessage

	nextID    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once

	// onEvent receives async protocol events. Called from the read loop;
	// must not block.
	onEvent func(method string, params json.RawMessage)
}

// dial connects to the websocket debugger URL and starts the read loop.
func dial(ctx context.Context, wsURL string, onEvent func(method string, params json.RawMessage)) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotAvailable, wsURL, err)
	}

	c := &conn{
		ws:      ws,
		pending: make(map[int64]chan cdpMessage),
		closed:  make(chan struct{}),
		onEvent: onEvent,
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug(log.CatAdapter, "read loop terminated", "error", err)
			c.close()
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn(log.CatAdapter, "malformed protocol message", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.pendMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		if msg.Method != "" && c.onEvent != nil {
			c.onEvent(msg.Method, msg.Params)
		}
	}
}

// call sends one request and waits for its correlated reply. In-flight
// requests fail fast with ErrClosed when the connection drops.
func (c *conn) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	reply := make(chan cdpMessage, 1)

	c.pendMu.Lock()
	c.pending[id] = reply
	c.pendMu.Unlock()

	payload, err := json.Marshal(cdpRequest{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		c.close()
		return nil, ErrClosed
	}

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return nil, fmt.Errorf("adapter: protocol error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		return msg.Result, nil
	case <-c.closed:
		c.dropPending(id)
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropPending(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *conn) dropPending(id int64) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

// close tears down the socket. Waiters unblock via the closed channel.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		c.pendMu.Lock()
		c.pending = make(map[int64]chan cdpMessage)
		c.pendMu.Unlock()
	})
}

func (c *conn) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
