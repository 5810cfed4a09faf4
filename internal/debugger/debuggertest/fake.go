// Package debuggertest provides an in-memory debugger.Adapter for tests.
package debuggertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// HandlerFunc answers one command sent through the fake.
type HandlerFunc func(d debugger.Debuggee, params json.RawMessage) (json.RawMessage, error)

// Call is one recorded Send.
type Call struct {
	Debuggee debugger.Debuggee
	Method   string
	Params   json.RawMessage
}

type fakeTab struct {
	tab      debugger.Tab
	attached bool
}

// Adapter is a scriptable debugger.Adapter.
type Adapter struct {
	mu         sync.Mutex
	nextTab    int
	tabs       map[int]*fakeTab
	calls      []Call
	handlers   map[string]HandlerFunc
	attachErrs map[int]error
	attaches   []int
	detaches   []int

	events *debugger.EventQueue
}

// New returns an empty fake browser.
func New() *Adapter {
	return &Adapter{
		tabs:       make(map[int]*fakeTab),
		handlers:   make(map[string]HandlerFunc),
		attachErrs: make(map[int]error),
		events:     debugger.NewEventQueue(),
	}
}

// Close stops event delivery.
func (a *Adapter) Close() { a.events.Close() }

// AddTab opens a tab and returns its handle.
func (a *Adapter) AddTab(url string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addTabLocked(url)
}

func (a *Adapter) addTabLocked(url string) int {
	a.nextTab++
	id := a.nextTab
	a.tabs[id] = &fakeTab{tab: debugger.Tab{
		TabID:    id,
		TargetID: TargetID(id),
		URL:      url,
	}}
	return id
}

// TargetID is the target id the fake assigns to a tab handle.
func TargetID(tabID int) target.ID {
	return target.ID(fmt.Sprintf("TARGET-%d", tabID))
}

// Handle installs a responder for method, replacing the default.
func (a *Adapter) Handle(method string, fn HandlerFunc) {
	a.mu.Lock()
	a.handlers[method] = fn
	a.mu.Unlock()
}

// FailAttach makes the next attaches to tabID fail with err. A nil err clears it.
func (a *Adapter) FailAttach(tabID int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.attachErrs, tabID)
		return
	}
	a.attachErrs[tabID] = err
}

// Emit pushes an event as though the browser sent it.
func (a *Adapter) Emit(e debugger.Event) { a.events.Push(e) }

// EmitDetach simulates the browser dropping the debugger from a tab.
func (a *Adapter) EmitDetach(tabID int, reason string) {
	a.mu.Lock()
	if t, ok := a.tabs[tabID]; ok {
		t.attached = false
	}
	a.mu.Unlock()
	a.events.Push(debugger.Event{Debuggee: debugger.Debuggee{TabID: tabID}, Detached: true, Reason: reason})
}

// RemoveTab closes a tab without any event, as if it vanished while no one
// was looking.
func (a *Adapter) RemoveTab(tabID int) {
	a.mu.Lock()
	delete(a.tabs, tabID)
	a.mu.Unlock()
}

// Calls returns every Send so far.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallsFor returns the Sends of one method.
func (a *Adapter) CallsFor(method string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Attached reports whether the fake debugger holds tabID.
func (a *Adapter) Attached(tabID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tabs[tabID]
	return ok && t.attached
}

// Attaches returns the tab handles passed to Attach, in order.
func (a *Adapter) Attaches() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.attaches...)
}

// Detaches returns the tab handles passed to Detach, in order.
func (a *Adapter) Detaches() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.detaches...)
}

// Attach implements debugger.Adapter.
func (a *Adapter) Attach(_ context.Context, tabID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attaches = append(a.attaches, tabID)
	t, ok := a.tabs[tabID]
	if !ok {
		return protocol.Errorf(protocol.CodeAttach, "no tab with id %d", tabID)
	}
	if err := a.attachErrs[tabID]; err != nil {
		return err
	}
	if t.attached {
		return protocol.Errorf(protocol.CodeAttach, "another debugger is already attached to tab %d", tabID)
	}
	t.attached = true
	return nil
}

// Detach implements debugger.Adapter.
func (a *Adapter) Detach(_ context.Context, tabID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detaches = append(a.detaches, tabID)
	if t, ok := a.tabs[tabID]; ok {
		t.attached = false
	}
	return nil
}

// Send implements debugger.Adapter. Target.getTargetInfo is answered from the
// tab table unless a handler overrides it; other methods return {}.
func (a *Adapter) Send(ctx context.Context, d debugger.Debuggee, method string, params json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, Call{Debuggee: d, Method: method, Params: append(json.RawMessage(nil), params...)})
	t, ok := a.tabs[d.TabID]
	attached := ok && t.attached
	var info debugger.Tab
	if ok {
		info = t.tab
	}
	fn := a.handlers[method]
	a.mu.Unlock()

	if !attached {
		return nil, protocol.Errorf(protocol.CodeAttach, "debugger is not attached to tab %d", d.TabID)
	}
	debugger.Dispatched(ctx)
	if fn != nil {
		return fn(d, params)
	}
	if method == target.CommandGetTargetInfo {
		return json.Marshal(target.GetTargetInfoReturns{TargetInfo: &target.Info{
			TargetID: info.TargetID,
			Type:     "page",
			URL:      info.URL,
			Attached: true,
		}})
	}
	return json.RawMessage(`{}`), nil
}

// CreateTab implements debugger.Adapter.
func (a *Adapter) CreateTab(_ context.Context, url string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addTabLocked(url), nil
}

// CloseTab implements debugger.Adapter. A closed attached tab reports a
// detach, as a browser would.
func (a *Adapter) CloseTab(_ context.Context, tabID int) error {
	a.mu.Lock()
	t, ok := a.tabs[tabID]
	if ok {
		delete(a.tabs, tabID)
	}
	a.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeRouting, "no tab with id %d", tabID)
	}
	if t.attached {
		a.events.Push(debugger.Event{Debuggee: debugger.Debuggee{TabID: tabID}, Detached: true, Reason: debugger.ReasonTargetClosed})
	}
	return nil
}

// TabExists implements debugger.Adapter.
func (a *Adapter) TabExists(_ context.Context, tabID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tabs[tabID]
	return ok
}

// Tabs implements debugger.Adapter.
func (a *Adapter) Tabs(context.Context) ([]debugger.Tab, error) {
	a.mu.Lock()
	out := make([]debugger.Tab, 0, len(a.tabs))
	for _, t := range a.tabs {
		tab := t.tab
		tab.Attached = t.attached
		out = append(out, tab)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// Events implements debugger.Adapter.
func (a *Adapter) Events() <-chan debugger.Event { return a.events.C() }

var _ debugger.Adapter = (*Adapter)(nil)
