package debugger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

// fakeBrowser speaks just enough DevTools protocol to exercise Chrome.
type fakeBrowser struct {
	srv *httptest.Server

	mu   sync.Mutex
	seen []cdpMessage
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/abc"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/abc", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	send := func(v any) {
		b, _ := json.Marshal(v)
		_ = conn.WriteText(b)
	}
	for {
		data, _, err := conn.Read()
		if err != nil {
			return
		}
		var msg cdpMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		fb.mu.Lock()
		fb.seen = append(fb.seen, msg)
		fb.mu.Unlock()

		reply := map[string]any{"id": msg.ID, "result": map[string]any{}}
		if msg.SessionID != "" {
			reply["sessionId"] = msg.SessionID
		}
		switch msg.Method {
		case "Target.getTargets":
			reply["result"] = map[string]any{"targetInfos": []map[string]any{
				{"targetId": "P1", "type": "page", "title": "one", "url": "https://example.com/", "attached": false, "canAccessOpener": false},
				{"targetId": "W1", "type": "service_worker", "title": "", "url": "https://example.com/sw.js", "attached": false, "canAccessOpener": false},
			}}
		case "Target.attachToTarget":
			reply["result"] = map[string]any{"sessionId": "S1"}
		case "Runtime.evaluate":
			reply["result"] = map[string]any{"result": map[string]any{"type": "number", "value": 2}}
		case "Page.boom":
			delete(reply, "result")
			reply["error"] = map[string]any{"code": -32601, "message": "'Page.boom' wasn't found"}
		case "Target.setAutoAttach":
			send(reply)
			send(map[string]any{
				"method":    "Target.attachedToTarget",
				"sessionId": "S1",
				"params": map[string]any{
					"sessionId":          "C1",
					"targetInfo":         map[string]any{"targetId": "F1", "type": "iframe", "title": "", "url": "", "attached": true, "canAccessOpener": false},
					"waitingForDebugger": false,
				},
			})
			continue
		case "Browser.close":
			return
		case "Test.crash":
			send(reply)
			send(map[string]any{"method": "Target.detachedFromTarget", "params": map[string]any{"sessionId": "S1", "targetId": "P1"}})
			continue
		case "Target.detachFromTarget":
			send(reply)
			var p struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			send(map[string]any{"method": "Target.detachedFromTarget", "params": map[string]any{"sessionId": p.SessionID}})
			continue
		}
		send(reply)
	}
}

func (fb *fakeBrowser) lastSeen(method string) (cdpMessage, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := len(fb.seen) - 1; i >= 0; i-- {
		if fb.seen[i].Method == method {
			return fb.seen[i], true
		}
	}
	return cdpMessage{}, false
}

func connectChrome(t *testing.T) (*Chrome, *fakeBrowser) {
	t.Helper()
	fb := newFakeBrowser(t)
	c := NewChrome(fb.srv.URL + "/")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c, fb
}

func nextEvent(t *testing.T, c *Chrome) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestChromeTracksPageTargetsOnly(t *testing.T) {
	c, _ := connectChrome(t)
	tabs, err := c.Tabs(context.Background())
	if err != nil {
		t.Fatalf("Tabs() error = %v", err)
	}
	if len(tabs) != 1 || tabs[0].TargetID != "P1" || tabs[0].Attached {
		t.Fatalf("Tabs() = %+v; want one unattached page P1", tabs)
	}
	if !c.TabExists(context.Background(), tabs[0].TabID) {
		t.Fatal("TabExists() = false for listed tab")
	}
}

func TestChromeSendUsesFlatSession(t *testing.T) {
	c, fb := connectChrome(t)
	ctx := context.Background()

	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Runtime.evaluate", nil); protocol.CodeOf(err) != protocol.CodeAttach {
		t.Fatalf("Send() before attach error = %v; want ATTACH", err)
	}
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := c.Attach(ctx, 1); protocol.CodeOf(err) != protocol.CodeAttach {
		t.Fatalf("second Attach() error = %v; want ATTACH", err)
	}

	res, err := c.Send(ctx, Debuggee{TabID: 1}, "Runtime.evaluate", json.RawMessage(`{"expression":"1+1"}`))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(string(res), `"value":2`) {
		t.Fatalf("Send() result = %s", res)
	}
	seen, ok := fb.lastSeen("Runtime.evaluate")
	if !ok || seen.SessionID != "S1" {
		t.Fatalf("browser saw %+v; want sessionId S1", seen)
	}

	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Page.boom", nil); protocol.CodeOf(err) != protocol.CodeUpstream {
		t.Fatalf("Send(Page.boom) error = %v; want UPSTREAM", err)
	}
}

func TestChromeTracksChildSessions(t *testing.T) {
	c, fb := connectChrome(t)
	ctx := context.Background()
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Target.setAutoAttach", json.RawMessage(`{"autoAttach":true,"flatten":true}`)); err != nil {
		t.Fatalf("Send(setAutoAttach) error = %v", err)
	}

	ev := nextEvent(t, c)
	if ev.Method != protocol.EventAttachedToTarget || ev.TabID != 1 || ev.SessionID != "" {
		t.Fatalf("event = %+v; want attachedToTarget on tab 1", ev)
	}

	if _, err := c.Send(ctx, Debuggee{TabID: 1, SessionID: "C1"}, "Runtime.evaluate", nil); err != nil {
		t.Fatalf("Send() to child error = %v", err)
	}
	seen, _ := fb.lastSeen("Runtime.evaluate")
	if seen.SessionID != "C1" {
		t.Fatalf("child command sessionId = %q; want C1", seen.SessionID)
	}
	if _, err := c.Send(ctx, Debuggee{TabID: 2, SessionID: "C1"}, "Runtime.evaluate", nil); err == nil {
		t.Fatal("Send() to child under wrong tab = nil error")
	}
}

func TestChromeReportsUnrequestedDetach(t *testing.T) {
	c, _ := connectChrome(t)
	ctx := context.Background()
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Test.crash", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ev := nextEvent(t, c)
	if !ev.Detached || ev.TabID != 1 || ev.Reason != ReasonTargetClosed {
		t.Fatalf("event = %+v; want detach of tab 1", ev)
	}
	tabs, _ := c.Tabs(ctx)
	if tabs[0].Attached {
		t.Fatal("tab still attached after detach event")
	}
}

func TestChromeRequestedDetachIsSilent(t *testing.T) {
	c, _ := connectChrome(t)
	ctx := context.Background()
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := c.Detach(ctx, 1); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	// Re-attach and crash: the only event must be the crash detach.
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Test.crash", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ev := nextEvent(t, c)
	if !ev.Detached || ev.Reason != ReasonTargetClosed {
		t.Fatalf("first event = %+v; want the crash detach", ev)
	}
}

func TestChromeConnectionLossDetachesTabs(t *testing.T) {
	c, _ := connectChrome(t)
	ctx := context.Background()
	if err := c.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := c.call(ctx, "", "Browser.close", nil); protocol.CodeOf(err) != protocol.CodeTransport {
		t.Fatalf("call(Browser.close) error = %v; want TRANSPORT", err)
	}

	ev := nextEvent(t, c)
	if !ev.Detached || ev.Reason != ReasonConnectionLost {
		t.Fatalf("event = %+v; want connection_lost detach", ev)
	}
	if _, err := c.Send(ctx, Debuggee{TabID: 1}, "Runtime.evaluate", nil); err == nil {
		t.Fatal("Send() after connection loss = nil error")
	}
}
