package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/debugger/debuggertest"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

func connectedAgent(t *testing.T, fake *debuggertest.Adapter) (*Agent, *hubSide) {
	t.Helper()
	hub := newFakeHub(t)
	a := startAgent(t, fake, testOptions(hub))
	side := hub.accept(t)
	waitState(t, a, StateConnected)
	return a, side
}

func TestForwardCommandRoundTrip(t *testing.T) {
	fake := debuggertest.New()
	tabID := fake.AddTab("https://example.com")
	fake.Handle("Runtime.evaluate", func(d debugger.Debuggee, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"result":{"type":"number","value":2}}`), nil
	})
	a, side := connectedAgent(t, fake)
	session := attachTab(t, a, side, tabID)

	side.command(t, 7, session, "Runtime.evaluate", map[string]string{"expression": "1+1"})
	resp := side.response(t, 7)
	if resp.Error != nil {
		t.Fatalf("response error = %+v", resp.Error)
	}
	if !bytes.Contains(resp.Result, []byte(`"value":2`)) {
		t.Fatalf("result = %s; want the browser's answer", resp.Result)
	}
	calls := fake.CallsFor("Runtime.evaluate")
	if len(calls) != 1 || calls[0].Debuggee.TabID != tabID || calls[0].Debuggee.SessionID != "" {
		t.Fatalf("Runtime.evaluate calls = %+v", calls)
	}

	side.command(t, 8, "pw-tab-999", "Runtime.evaluate", nil)
	if resp := side.response(t, 8); resp.Error == nil || resp.Error.Data != protocol.CodeRouting {
		t.Fatalf("unknown session response = %+v; want ROUTING", resp)
	}
}

func TestRuntimeEnableDisablesFirst(t *testing.T) {
	fake := debuggertest.New()
	tabID := fake.AddTab("https://example.com")
	a, side := connectedAgent(t, fake)
	session := attachTab(t, a, side, tabID)

	side.command(t, 3, session, "Runtime.enable", nil)
	side.response(t, 3)

	var seq []string
	for _, c := range fake.Calls() {
		if c.Method == "Runtime.enable" || c.Method == "Runtime.disable" {
			seq = append(seq, c.Method)
		}
	}
	if len(seq) != 2 || seq[0] != "Runtime.disable" || seq[1] != "Runtime.enable" {
		t.Fatalf("runtime calls = %v; want [Runtime.disable Runtime.enable]", seq)
	}
}

func TestCommandsOnOneTabRunInOrder(t *testing.T) {
	fake := debuggertest.New()
	tabID := fake.AddTab("https://example.com")
	a, side := connectedAgent(t, fake)
	session := attachTab(t, a, side, tabID)

	for i := int64(1); i <= 20; i++ {
		side.command(t, 100+i, session, "Test.step", map[string]int64{"n": i})
	}
	side.responses(t, 101, 120)
	calls := fake.CallsFor("Test.step")
	if len(calls) != 20 {
		t.Fatalf("calls = %d; want 20", len(calls))
	}
	for i, c := range calls {
		want := fmt.Sprintf(`{"n":%d}`, i+1)
		if string(c.Params) != want {
			t.Fatalf("call %d params = %s; want %s", i, c.Params, want)
		}
	}
}

func TestSlowCommandDoesNotBlockLaterOnes(t *testing.T) {
	fake := debuggertest.New()
	tabID := fake.AddTab("https://example.com")
	navigated := make(chan struct{})
	fake.Handle("Runtime.evaluate", func(debugger.Debuggee, json.RawMessage) (json.RawMessage, error) {
		select {
		case <-navigated:
			return json.RawMessage(`{"result":{"type":"boolean","value":true}}`), nil
		case <-time.After(time.Second):
			return nil, fmt.Errorf("awaitPromise never resolved")
		}
	})
	fake.Handle("Page.navigate", func(debugger.Debuggee, json.RawMessage) (json.RawMessage, error) {
		close(navigated)
		return json.RawMessage(`{"frameId":"F1"}`), nil
	})
	a, side := connectedAgent(t, fake)
	session := attachTab(t, a, side, tabID)

	side.command(t, 1, session, "Runtime.evaluate", map[string]any{"expression": "loaded", "awaitPromise": true})
	side.command(t, 2, session, "Page.navigate", map[string]string{"url": "https://example.com/next"})

	got := side.responses(t, 1, 2)
	if got[1].Error != nil || !bytes.Contains(got[1].Result, []byte(`"value":true`)) {
		t.Fatalf("evaluate response = %+v", got[1])
	}
	if got[2].Error != nil {
		t.Fatalf("navigate response error = %+v", got[2].Error)
	}

	var seq []string
	for _, c := range fake.Calls() {
		if c.Method == "Runtime.evaluate" || c.Method == "Page.navigate" {
			seq = append(seq, c.Method)
		}
	}
	if len(seq) != 2 || seq[0] != "Runtime.evaluate" {
		t.Fatalf("dispatch order = %v; want evaluate first", seq)
	}
}

func emitChild(fake *debuggertest.Adapter, tabID int, sessionID string) {
	params, _ := json.Marshal(map[string]any{
		"sessionId":          sessionID,
		"targetInfo":         map[string]any{"targetId": "T-" + sessionID, "type": "iframe", "title": "", "url": "about:blank", "attached": true, "canAccessOpener": false},
		"waitingForDebugger": false,
	})
	fake.Emit(debugger.Event{
		Debuggee: debugger.Debuggee{TabID: tabID},
		Method:   protocol.EventAttachedToTarget,
		Params:   params,
	})
}

func TestChildSessionsDetachBeforeParent(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("children=%d", n), func(t *testing.T) {
			fake := debuggertest.New()
			tabID := fake.AddTab("https://example.com")
			a, side := connectedAgent(t, fake)
			session := attachTab(t, a, side, tabID)

			for i := 0; i < n; i++ {
				child := fmt.Sprintf("CHILD-%d", i)
				emitChild(fake, tabID, child)
				ev := side.event(t, protocol.EventAttachedToTarget)
				if ev.SessionID != session || attachedSession(t, ev) != child {
					t.Fatalf("child announcement = %+v", ev)
				}
			}
			if n > 0 {
				side.command(t, 9, "CHILD-0", "DOM.getDocument", nil)
				side.response(t, 9)
				calls := fake.CallsFor("DOM.getDocument")
				if len(calls) != 1 || calls[0].Debuggee.SessionID != "CHILD-0" || calls[0].Debuggee.TabID != tabID {
					t.Fatalf("child command routed as %+v", calls)
				}
			}

			fake.EmitDetach(tabID, debugger.ReasonTargetClosed)
			for i := 0; i < n; i++ {
				msg := side.nextMessage(t)
				if got, want := detachedSession(t, msg), fmt.Sprintf("CHILD-%d", i); got != want {
					t.Fatalf("detach %d = %q; want %q", i, got, want)
				}
			}
			if got := detachedSession(t, side.nextMessage(t)); got != session {
				t.Fatalf("last detach = %q; want parent %q", got, session)
			}
		})
	}
}

func TestAutoAttachPolicyAppliedToLaterTabs(t *testing.T) {
	fake := debuggertest.New()
	first := fake.AddTab("https://a.example")
	second := fake.AddTab("https://b.example")
	a, side := connectedAgent(t, fake)
	attachTab(t, a, side, first)

	policy := map[string]bool{"autoAttach": true, "waitForDebuggerOnStart": false, "flatten": true}
	side.command(t, 4, "", "Target.setAutoAttach", policy)
	if resp := side.response(t, 4); resp.Error != nil {
		t.Fatalf("setAutoAttach error = %+v", resp.Error)
	}
	attachTab(t, a, side, second)

	calls := fake.CallsFor("Target.setAutoAttach")
	if len(calls) != 2 {
		t.Fatalf("setAutoAttach calls = %+v; want one per tab", calls)
	}
	if calls[0].Debuggee.TabID != first || calls[1].Debuggee.TabID != second {
		t.Fatalf("setAutoAttach order = %+v", calls)
	}
	var got map[string]bool
	if err := json.Unmarshal(calls[1].Params, &got); err != nil || !got["autoAttach"] || !got["flatten"] {
		t.Fatalf("policy on later tab = %s", calls[1].Params)
	}
}

func TestCreateInitialTabSuppressesAnnouncement(t *testing.T) {
	fake := debuggertest.New()
	_, side := connectedAgent(t, fake)

	side.send(t, 21, protocol.MethodNameCreateInitialTab, protocol.CreateInitialTabParams{URL: "https://example.com"})
	msg := side.nextMessage(t)
	if !msg.IsResponse() || msg.ID != 21 {
		t.Fatalf("first message = %+v; want the createInitialTab response", msg)
	}
	var res protocol.CreateInitialTabResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.SessionID != "pw-tab-1" || res.TargetInfo == nil || res.TargetInfo.URL != "https://example.com" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCreateTargetAnnouncesBeforeResponse(t *testing.T) {
	fake := debuggertest.New()
	_, side := connectedAgent(t, fake)

	side.command(t, 31, "", "Target.createTarget", map[string]string{"url": "https://new.example"})
	first := side.nextMessage(t)
	if attachedSession(t, eventParams(t, first)) != "pw-tab-1" {
		t.Fatalf("first message = %+v; want attachedToTarget", first)
	}
	resp := side.nextMessage(t)
	var res protocol.CreateTargetResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.TargetID != debuggertest.TargetID(res.TabID) {
		t.Fatalf("createTarget response = %+v", resp)
	}
}

func TestCloseTargetDetachesTab(t *testing.T) {
	fake := debuggertest.New()
	tabID := fake.AddTab("https://example.com")
	a, side := connectedAgent(t, fake)
	session := attachTab(t, a, side, tabID)

	side.command(t, 41, "", "Target.closeTarget", map[string]string{"targetId": string(debuggertest.TargetID(tabID))})
	detach := side.waitMessage(t, func(m protocol.Message) bool {
		return m.Method == protocol.MethodNameForwardCDPEvent && eventParams(t, m).Method == protocol.EventDetachedFromTarget
	})
	if got := detachedSession(t, detach); got != session {
		t.Fatalf("detached session = %q; want %q", got, session)
	}
	if fake.TabExists(context.Background(), tabID) {
		t.Fatal("tab still open")
	}

	side.command(t, 42, "", "Target.closeTarget", map[string]string{"targetId": "NOPE"})
	if resp := side.response(t, 42); resp.Error == nil || resp.Error.Data != protocol.CodeRouting {
		t.Fatalf("unknown target response = %+v; want ROUTING", resp)
	}
}

func TestGhostBrowserPassthrough(t *testing.T) {
	fake := debuggertest.New()
	_, side := connectedAgent(t, fake)

	side.send(t, 51, protocol.MethodNameGhostBrowser, map[string]string{"op": "x"})
	if resp := side.response(t, 51); resp.Error == nil || resp.Error.Data != protocol.CodeUpstream {
		t.Fatalf("ghost-browser without backend = %+v; want UPSTREAM", resp)
	}
}

type echoGhost struct{}

func (echoGhost) Call(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func TestGhostBrowserForwardsToBackend(t *testing.T) {
	hub := newFakeHub(t)
	opts := testOptions(hub)
	opts.Ghost = echoGhost{}
	startAgent(t, debuggertest.New(), opts)
	side := hub.accept(t)

	side.send(t, 52, protocol.MethodNameGhostBrowser, map[string]string{"op": "x"})
	resp := side.response(t, 52)
	if resp.Error != nil || string(resp.Result) != `{"op":"x"}` {
		t.Fatalf("ghost-browser response = %+v", resp)
	}
}
