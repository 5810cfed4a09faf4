package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/recording"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

const waitTimeout = 3 * time.Second

type frame struct {
	op   ws.OpCode
	data []byte
}

// peer is a raw socket to the hub, standing in for an agent or a client.
type peer struct {
	t      *testing.T
	conn   *wsconn.Conn
	frames chan frame
	closed chan struct{}
	err    error
}

type rig struct {
	hub *Hub
	srv *httptest.Server
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	store, err := recording.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	opts := Options{CommandTimeout: 2 * time.Second, PingInterval: time.Hour, Store: store}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
		srv.Close()
	})
	return &rig{hub: h, srv: srv}
}

func (r *rig) dial(t *testing.T, path string, header http.Header) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, err := wsconn.Dial(ctx, config.WSURL(r.srv.URL, path), wsconn.DialOptions{Header: header})
	if err != nil {
		t.Fatalf("dial %s error = %v", path, err)
	}
	p := &peer{t: t, conn: conn, frames: make(chan frame, 1024), closed: make(chan struct{})}
	go func() {
		defer close(p.closed)
		for {
			data, op, err := conn.Read()
			if err != nil {
				p.err = err
				return
			}
			p.frames <- frame{op: op, data: data}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

// agent dials /extension and waits for the hub to take it as the active agent.
func (r *rig) agent(t *testing.T) *peer {
	t.Helper()
	p := r.dial(t, "/extension", nil)
	waitFor(t, "agent active", func() bool { return r.hub.Status().Connected })
	return p
}

func (r *rig) client(t *testing.T) *peer {
	t.Helper()
	before := r.hub.ClientCount()
	p := r.dial(t, "/cdp", nil)
	waitFor(t, "client registered", func() bool { return r.hub.ClientCount() > before })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (p *peer) next() frame {
	p.t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-p.closed:
		select {
		case f := <-p.frames:
			return f
		default:
		}
		p.t.Fatalf("peer closed: %v", p.err)
	case <-time.After(waitTimeout):
		p.t.Fatal("timed out waiting for a frame")
	}
	return frame{}
}

func (p *peer) nextMessage() protocol.Message {
	p.t.Helper()
	f := p.next()
	if f.op != ws.OpText {
		p.t.Fatalf("frame op = %v; want text", f.op)
	}
	msg, err := protocol.Decode(f.data)
	if err != nil {
		p.t.Fatalf("decode %s: %v", f.data, err)
	}
	return msg
}

// quiet asserts nothing arrives for a short while.
func (p *peer) quiet(d time.Duration) {
	p.t.Helper()
	select {
	case f := <-p.frames:
		p.t.Fatalf("unexpected frame %s", f.data)
	case <-time.After(d):
	}
}

func (p *peer) closeCode() uint16 {
	p.t.Helper()
	select {
	case <-p.closed:
	case <-time.After(waitTimeout):
		p.t.Fatal("timed out waiting for close")
	}
	var closed wsutil.ClosedError
	if !errors.As(p.err, &closed) {
		p.t.Fatalf("peer error = %v; want a close frame", p.err)
	}
	return uint16(closed.Code)
}

func (p *peer) write(msg protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if err := p.conn.WriteText(data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) request(id int64, sessionID, method string, params any) {
	p.t.Helper()
	msg, err := protocol.Request(id, method, params)
	if err != nil {
		p.t.Fatalf("request: %v", err)
	}
	msg.SessionID = sessionID
	p.write(msg)
}

func (p *peer) notify(method string, params any) {
	p.t.Helper()
	msg, err := protocol.Notification(method, params)
	if err != nil {
		p.t.Fatalf("notification: %v", err)
	}
	p.write(msg)
}

func (p *peer) reply(id int64, result any) {
	p.t.Helper()
	msg, err := protocol.Response(id, "", result)
	if err != nil {
		p.t.Fatalf("response: %v", err)
	}
	p.write(msg)
}

func (p *peer) response(id int64) protocol.Message {
	p.t.Helper()
	for {
		msg := p.nextMessage()
		if msg.IsResponse() && msg.ID == id {
			return msg
		}
	}
}

// forwarded reads the next request from the hub, which must be method.
func (p *peer) forwarded(method string) (protocol.Message, protocol.ForwardCDPCommandParams) {
	p.t.Helper()
	for {
		msg := p.nextMessage()
		if msg.Method == protocol.MethodNamePing {
			continue
		}
		if msg.Method != method {
			p.t.Fatalf("agent got %s; want %s", msg.Method, method)
		}
		var fwd protocol.ForwardCDPCommandParams
		if method == protocol.MethodNameForwardCDPCommand {
			if err := json.Unmarshal(msg.Params, &fwd); err != nil {
				p.t.Fatalf("forwardCDPCommand params: %v", err)
			}
		}
		return msg, fwd
	}
}

func info(tabID int) *target.Info {
	return &target.Info{TargetID: target.ID(fmt.Sprintf("T%d", tabID)), Type: "page", URL: "https://example.com"}
}

// announceTab sends the agent's attachedToTarget for a tab and waits for the
// hub to register it.
func announceTab(t *testing.T, r *rig, agent *peer, tabID int, sessionID string) {
	t.Helper()
	before := r.hub.Status().ActiveTargets
	params, _ := json.Marshal(protocol.AttachedToTargetParams{SessionID: sessionID, TargetInfo: info(tabID)})
	agent.notify(protocol.MethodNameForwardCDPEvent, protocol.ForwardCDPEventParams{
		Method: protocol.EventAttachedToTarget, Params: params, TabID: tabID,
	})
	waitFor(t, "tab registered", func() bool { return r.hub.Status().ActiveTargets > before })
}

func announceChild(t *testing.T, r *rig, agent *peer, tabID int, parent, child string) {
	t.Helper()
	params, _ := json.Marshal(protocol.AttachedToTargetParams{
		SessionID:  child,
		TargetInfo: &target.Info{TargetID: target.ID("C-" + child), Type: "iframe"},
	})
	agent.notify(protocol.MethodNameForwardCDPEvent, protocol.ForwardCDPEventParams{
		Method: protocol.EventAttachedToTarget, Params: params, SessionID: parent, TabID: tabID,
	})
	waitFor(t, "child registered", func() bool {
		r.hub.mu.Lock()
		defer r.hub.mu.Unlock()
		_, ok := r.hub.sessions.children[child]
		return ok
	})
}

func detachedSessionOf(t *testing.T, msg protocol.Message) string {
	t.Helper()
	if msg.Method != protocol.EventDetachedFromTarget {
		t.Fatalf("message = %s %s; want detachedFromTarget", msg.Method, msg.Params)
	}
	var d protocol.DetachedFromTargetParams
	if err := json.Unmarshal(msg.Params, &d); err != nil {
		t.Fatalf("detach params: %v", err)
	}
	return d.SessionID
}

func TestBusyAgentKeepsSlot(t *testing.T) {
	r := newRig(t, nil)
	first := r.agent(t)
	announceTab(t, r, first, 1, "pw-tab-1")

	second := r.dial(t, "/extension", nil)
	if code := second.closeCode(); code != protocol.CloseInUse {
		t.Fatalf("newcomer close code = %d; want %d", code, protocol.CloseInUse)
	}
	st := r.hub.Status()
	if !st.Connected || st.ActiveTargets != 1 {
		t.Fatalf("Status() = %+v; want the first agent still active", st)
	}

	c := r.client(t)
	c.request(1, "pw-tab-1", "Page.reload", nil)
	msg, fwd := first.forwarded(protocol.MethodNameForwardCDPCommand)
	if fwd.SessionID != "pw-tab-1" {
		t.Fatalf("forwarded session = %q", fwd.SessionID)
	}
	first.reply(msg.ID, nil)
	if resp := c.response(1); resp.Error != nil {
		t.Fatalf("response error = %+v", resp.Error)
	}
}

func TestIdleAgentReplaced(t *testing.T) {
	r := newRig(t, nil)
	first := r.agent(t)
	r.hub.mu.Lock()
	firstEpoch := r.hub.epoch
	r.hub.mu.Unlock()

	second := r.dial(t, "/extension", nil)
	if code := first.closeCode(); code != protocol.CloseReplaced {
		t.Fatalf("old agent close code = %d; want %d", code, protocol.CloseReplaced)
	}
	waitFor(t, "new epoch", func() bool {
		r.hub.mu.Lock()
		defer r.hub.mu.Unlock()
		return r.hub.epoch == firstEpoch+1 && r.hub.agent != nil
	})

	announceTab(t, r, second, 4, "pw-tab-9")
	c := r.client(t)
	c.request(2, "pw-tab-9", "Page.reload", nil)
	msg, _ := second.forwarded(protocol.MethodNameForwardCDPCommand)
	second.reply(msg.ID, nil)
	c.response(2)
}

func TestStaleEpochResponseIgnored(t *testing.T) {
	h, err := New(Options{Store: mustStore(t)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	called := 0
	h.pending[7] = &pendingRequest{epoch: 1, timer: time.NewTimer(time.Hour), done: func(json.RawMessage, error) { called++ }}

	h.resolve(2, 7, json.RawMessage(`{}`), nil)
	if called != 0 {
		t.Fatal("response from a later epoch resolved an older request")
	}
	if _, ok := h.pending[7]; !ok {
		t.Fatal("pending request removed by a stale response")
	}
	h.resolve(1, 7, json.RawMessage(`{}`), nil)
	if called != 1 {
		t.Fatalf("done called %d times; want 1", called)
	}
}

func TestAgentLossFailsPendingAndDetachesChildrenFirst(t *testing.T) {
	r := newRig(t, nil)
	a := r.agent(t)
	announceTab(t, r, a, 1, "pw-tab-1")
	announceChild(t, r, a, 1, "pw-tab-1", "CHILD-A")
	announceChild(t, r, a, 1, "pw-tab-1", "CHILD-B")

	c := r.client(t)
	c.request(5, "pw-tab-1", "Runtime.evaluate", map[string]string{"expression": "1"})
	a.forwarded(protocol.MethodNameForwardCDPCommand)
	a.conn.Close()

	var detached []string
	var resp *protocol.Message
	for len(detached) < 3 || resp == nil {
		msg := c.nextMessage()
		if msg.IsResponse() {
			m := msg
			resp = &m
			continue
		}
		detached = append(detached, detachedSessionOf(t, msg))
	}
	if resp.Error == nil || resp.Error.Data != protocol.CodeTransport {
		t.Fatalf("pending response = %+v; want TRANSPORT", resp)
	}
	want := []string{"CHILD-A", "CHILD-B", "pw-tab-1"}
	for i := range want {
		if detached[i] != want[i] {
			t.Fatalf("detach order = %v; want %v", detached, want)
		}
	}
	if st := r.hub.Status(); st.Connected || st.ActiveTargets != 0 {
		t.Fatalf("Status() after loss = %+v", st)
	}
}

func TestChildDetachKeepsParent(t *testing.T) {
	r := newRig(t, nil)
	a := r.agent(t)
	announceTab(t, r, a, 1, "pw-tab-1")
	announceChild(t, r, a, 1, "pw-tab-1", "CHILD-A")

	params, _ := json.Marshal(protocol.DetachedFromTargetParams{SessionID: "CHILD-A"})
	a.notify(protocol.MethodNameForwardCDPEvent, protocol.ForwardCDPEventParams{
		Method: protocol.EventDetachedFromTarget, Params: params, SessionID: "pw-tab-1", TabID: 1,
	})
	waitFor(t, "child removed", func() bool {
		r.hub.mu.Lock()
		defer r.hub.mu.Unlock()
		return len(r.hub.sessions.children) == 0
	})
	if st := r.hub.Status(); st.ActiveTargets != 1 {
		t.Fatalf("ActiveTargets = %d; want 1", st.ActiveTargets)
	}
}

func TestHubPingsAgent(t *testing.T) {
	r := newRig(t, func(o *Options) { o.PingInterval = 20 * time.Millisecond })
	a := r.agent(t)
	if msg := a.nextMessage(); msg.Method != protocol.MethodNamePing || msg.ID != 0 {
		t.Fatalf("message = %+v; want ping notification", msg)
	}
	a.notify(protocol.MethodNamePong, nil)
}

func TestCommandTimeout(t *testing.T) {
	r := newRig(t, func(o *Options) { o.CommandTimeout = 50 * time.Millisecond })
	a := r.agent(t)
	announceTab(t, r, a, 1, "pw-tab-1")
	c := r.client(t)
	c.request(3, "pw-tab-1", "Page.reload", nil)
	msg, _ := a.forwarded(protocol.MethodNameForwardCDPCommand)
	if resp := c.response(3); resp.Error == nil || resp.Error.Data != protocol.CodeTimeout {
		t.Fatalf("response = %+v; want TIMEOUT", resp)
	}
	// A late answer resolves nothing.
	a.reply(msg.ID, nil)
	c.quiet(50 * time.Millisecond)
}

func mustStore(t *testing.T) *recording.Store {
	t.Helper()
	s, err := recording.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}
