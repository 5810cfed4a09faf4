package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

// Detach reasons reported on Event.Reason.
const (
	ReasonTargetClosed   = "target_closed"
	ReasonConnectionLost = "connection_lost"
)

var (
	eventTargetCreated     = string(cdproto.EventTargetTargetCreated)
	eventTargetInfoChanged = string(cdproto.EventTargetTargetInfoChanged)
	eventTargetDestroyed   = string(cdproto.EventTargetTargetDestroyed)
)

// Chrome drives a browser through its browser-level DevTools WebSocket. Each
// attached tab is a flattened session; tab handles are small integers local to
// this adapter.
type Chrome struct {
	httpBase string
	client   *http.Client

	conn atomic.Pointer[wsconn.Conn]
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan cdpReply

	mu         sync.Mutex
	nextTab    int
	targets    map[int]*target.Info
	byTarget   map[target.ID]int
	sessions   map[int]string
	bySession  map[string]int
	childOwner map[string]int
	detaching  map[string]struct{}

	events *EventQueue
}

type cdpReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	closed bool
}

type cdpMessage struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewChrome returns an adapter for the DevTools HTTP endpoint at httpBase,
// e.g. "http://127.0.0.1:9222".
func NewChrome(httpBase string) *Chrome {
	return &Chrome{
		httpBase:   strings.TrimRight(httpBase, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		pending:    make(map[int64]chan cdpReply),
		targets:    make(map[int]*target.Info),
		byTarget:   make(map[target.ID]int),
		sessions:   make(map[int]string),
		bySession:  make(map[string]int),
		childOwner: make(map[string]int),
		detaching:  make(map[string]struct{}),
		events:     NewEventQueue(),
	}
}

// Connect dials the browser and starts target discovery.
func (c *Chrome) Connect(ctx context.Context) error {
	if c.conn.Load() != nil {
		return nil
	}
	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("debugger: browser ws url: %w", err)
	}

	slog.Debug("debugger connecting", "ws_url", wsURL)
	conn, err := wsconn.Dial(ctx, wsURL, wsconn.DialOptions{WriteTimeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}
	c.conn.Store(conn)
	go c.readLoop(conn)

	if _, err := c.call(ctx, "", target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true)); err != nil {
		c.Close()
		return fmt.Errorf("debugger: discover targets: %w", err)
	}
	raw, err := c.call(ctx, "", target.CommandGetTargets, target.GetTargets())
	if err != nil {
		c.Close()
		return fmt.Errorf("debugger: get targets: %w", err)
	}
	var res target.GetTargetsReturns
	if err := json.Unmarshal(raw, &res); err != nil {
		c.Close()
		return fmt.Errorf("debugger: decode targets: %w", err)
	}
	c.mu.Lock()
	for _, info := range res.TargetInfos {
		c.trackLocked(info)
	}
	c.mu.Unlock()
	return nil
}

// Close drops the browser connection. Attached tabs are reported detached.
func (c *Chrome) Close() {
	if conn := c.conn.Swap(nil); conn != nil {
		conn.Close()
	}
}

// Events implements Adapter.
func (c *Chrome) Events() <-chan Event { return c.events.C() }

// Attach implements Adapter.
func (c *Chrome) Attach(ctx context.Context, tabID int) error {
	c.mu.Lock()
	info, ok := c.targets[tabID]
	_, attached := c.sessions[tabID]
	c.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeAttach, "no tab with id %d", tabID)
	}
	if attached {
		return protocol.Errorf(protocol.CodeAttach, "another debugger is already attached to tab %d", tabID)
	}

	raw, err := c.call(ctx, "", target.CommandAttachToTarget, target.AttachToTarget(info.TargetID).WithFlatten(true))
	if err != nil {
		return protocol.NewError(protocol.CodeAttach, fmt.Sprintf("attach tab %d", tabID), err)
	}
	var res target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &res); err != nil || res.SessionID == "" {
		return protocol.Errorf(protocol.CodeAttach, "attach tab %d: no session id", tabID)
	}

	c.mu.Lock()
	c.sessions[tabID] = string(res.SessionID)
	c.bySession[string(res.SessionID)] = tabID
	c.mu.Unlock()
	return nil
}

// Detach implements Adapter. No detach event is reported for a detach the
// caller asked for.
func (c *Chrome) Detach(ctx context.Context, tabID int) error {
	c.mu.Lock()
	sessionID, ok := c.sessions[tabID]
	if ok {
		c.dropSessionLocked(tabID, sessionID)
		c.detaching[sessionID] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.call(ctx, "", target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(target.SessionID(sessionID)))
	if err != nil {
		c.mu.Lock()
		delete(c.detaching, sessionID)
		c.mu.Unlock()
	}
	return err
}

// Send implements Adapter.
func (c *Chrome) Send(ctx context.Context, d Debuggee, method string, params json.RawMessage) (json.RawMessage, error) {
	sessionID := d.SessionID
	c.mu.Lock()
	if sessionID == "" {
		sessionID = c.sessions[d.TabID]
	} else if owner, ok := c.childOwner[sessionID]; !ok || owner != d.TabID {
		sessionID = ""
	}
	c.mu.Unlock()
	if sessionID == "" {
		return nil, protocol.Errorf(protocol.CodeAttach, "debugger is not attached to tab %d", d.TabID)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return c.call(ctx, sessionID, method, params)
}

// CreateTab implements Adapter.
func (c *Chrome) CreateTab(ctx context.Context, url string) (int, error) {
	if url == "" {
		url = "about:blank"
	}
	raw, err := c.call(ctx, "", target.CommandCreateTarget, target.CreateTarget(url))
	if err != nil {
		return 0, err
	}
	var res target.CreateTargetReturns
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("debugger: decode createTarget: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(&target.Info{TargetID: res.TargetID, Type: "page", URL: url}), nil
}

// CloseTab implements Adapter.
func (c *Chrome) CloseTab(ctx context.Context, tabID int) error {
	c.mu.Lock()
	info, ok := c.targets[tabID]
	c.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeRouting, "no tab with id %d", tabID)
	}
	_, err := c.call(ctx, "", target.CommandCloseTarget, target.CloseTarget(info.TargetID))
	return err
}

// TabExists implements Adapter.
func (c *Chrome) TabExists(_ context.Context, tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.targets[tabID]
	return ok
}

// Tabs implements Adapter.
func (c *Chrome) Tabs(context.Context) ([]Tab, error) {
	c.mu.Lock()
	out := make([]Tab, 0, len(c.targets))
	for id, info := range c.targets {
		_, attached := c.sessions[id]
		out = append(out, Tab{TabID: id, TargetID: info.TargetID, URL: info.URL, Title: info.Title, Attached: attached})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// trackLocked assigns a handle to a page target, returning the existing one if
// the target is already known.
func (c *Chrome) trackLocked(info *target.Info) int {
	if info == nil || info.Type != "page" {
		return 0
	}
	if id, ok := c.byTarget[info.TargetID]; ok {
		c.targets[id] = info
		return id
	}
	c.nextTab++
	c.targets[c.nextTab] = info
	c.byTarget[info.TargetID] = c.nextTab
	return c.nextTab
}

func (c *Chrome) dropSessionLocked(tabID int, sessionID string) {
	delete(c.sessions, tabID)
	delete(c.bySession, sessionID)
	for child, owner := range c.childOwner {
		if owner == tabID {
			delete(c.childOwner, child)
		}
	}
}

func (c *Chrome) readLoop(conn *wsconn.Conn) {
	for {
		data, op, err := conn.Read()
		if err != nil {
			slog.Debug("debugger read loop exit", "error", err)
			c.conn.CompareAndSwap(conn, nil)
			c.closeAllPending()
			c.detachAll(ReasonConnectionLost)
			return
		}
		if op != ws.OpText {
			continue
		}

		var msg cdpMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- cdpReply{Result: msg.Result, Error: msg.Error}
			}
			continue
		}
		if msg.Method == "" {
			continue
		}
		if msg.SessionID == "" {
			c.handleBrowserEvent(msg.Method, msg.Params)
		} else {
			c.handleSessionEvent(msg.SessionID, msg.Method, msg.Params)
		}
	}
}

func (c *Chrome) handleBrowserEvent(method string, params json.RawMessage) {
	switch method {
	case eventTargetCreated, eventTargetInfoChanged:
		var ev struct {
			TargetInfo *target.Info `json:"targetInfo"`
		}
		if json.Unmarshal(params, &ev) == nil {
			c.mu.Lock()
			c.trackLocked(ev.TargetInfo)
			c.mu.Unlock()
		}
	case eventTargetDestroyed:
		var ev struct {
			TargetID target.ID `json:"targetId"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		c.mu.Lock()
		tabID, ok := c.byTarget[ev.TargetID]
		sessionID, attached := c.sessions[tabID]
		if ok {
			delete(c.byTarget, ev.TargetID)
			delete(c.targets, tabID)
			if attached {
				c.dropSessionLocked(tabID, sessionID)
			}
		}
		c.mu.Unlock()
		if ok && attached {
			c.events.Push(Event{Debuggee: Debuggee{TabID: tabID}, Detached: true, Reason: ReasonTargetClosed})
		}
	case protocol.EventDetachedFromTarget:
		var ev protocol.DetachedFromTargetParams
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		c.mu.Lock()
		_, requested := c.detaching[ev.SessionID]
		delete(c.detaching, ev.SessionID)
		tabID, ok := c.bySession[ev.SessionID]
		if ok {
			c.dropSessionLocked(tabID, ev.SessionID)
		}
		c.mu.Unlock()
		if ok && !requested {
			c.events.Push(Event{Debuggee: Debuggee{TabID: tabID}, Detached: true, Reason: ReasonTargetClosed})
		}
	}
}

func (c *Chrome) handleSessionEvent(sessionID, method string, params json.RawMessage) {
	c.mu.Lock()
	tabID, isTab := c.bySession[sessionID]
	child := ""
	if !isTab {
		owner, ok := c.childOwner[sessionID]
		if !ok {
			c.mu.Unlock()
			return
		}
		tabID, child = owner, sessionID
	}
	switch method {
	case protocol.EventAttachedToTarget:
		var ev protocol.AttachedToTargetParams
		if json.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			c.childOwner[ev.SessionID] = tabID
		}
	case protocol.EventDetachedFromTarget:
		var ev protocol.DetachedFromTargetParams
		if json.Unmarshal(params, &ev) == nil {
			delete(c.childOwner, ev.SessionID)
		}
	}
	c.mu.Unlock()

	c.events.Push(Event{Debuggee: Debuggee{TabID: tabID, SessionID: child}, Method: method, Params: params})
}

func (c *Chrome) detachAll(reason string) {
	c.mu.Lock()
	tabs := make([]int, 0, len(c.sessions))
	for tabID, sessionID := range c.sessions {
		tabs = append(tabs, tabID)
		c.dropSessionLocked(tabID, sessionID)
	}
	c.mu.Unlock()
	sort.Ints(tabs)
	for _, tabID := range tabs {
		c.events.Push(Event{Debuggee: Debuggee{TabID: tabID}, Detached: true, Reason: reason})
	}
}

func (c *Chrome) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- cdpReply{closed: true}
		delete(c.pending, id)
	}
}

// call sends a command, on a flattened session when sessionID is set, and
// waits for its result.
func (c *Chrome) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, protocol.Errorf(protocol.CodeTransport, "debugger: not connected")
	}

	id := c.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "marshal "+method, err)
	}

	ch := make(chan cdpReply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := conn.WriteText(data); err != nil {
		c.deletePending(id)
		return nil, protocol.NewError(protocol.CodeTransport, "debugger: send", err)
	}
	Dispatched(ctx)

	select {
	case reply := <-ch:
		if reply.closed {
			return nil, protocol.Errorf(protocol.CodeTransport, "debugger: connection closed")
		}
		if reply.Error != nil {
			return nil, protocol.Errorf(protocol.CodeUpstream, "%s", reply.Error.Message)
		}
		if len(reply.Result) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return reply.Result, nil
	case <-ctx.Done():
		c.deletePending(id)
		return nil, protocol.NewError(protocol.CodeTimeout, method, ctx.Err())
	}
}

func (c *Chrome) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *Chrome) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

var _ Adapter = (*Chrome)(nil)
