// Package registry holds the agent's table of attached tabs and their child
// sessions. A Registry has no locking: it is owned by the agent's event loop and
// must only be touched from that goroutine.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chromedp/cdproto/target"
)

// State is the per-tab lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

const sessionPrefix = "pw-tab-"

// RecordingHandle marks a tab as being recorded.
type RecordingHandle struct {
	StreamID  string
	StartedAt time.Time
	Stopping  bool
}

// TabSession is one attached tab.
type TabSession struct {
	TabID       int
	SessionID   string
	TargetID    target.ID
	TargetInfo  *target.Info
	State       State
	AttachOrder uint64
	Err         string
	Recording   *RecordingHandle

	children []string
}

// ChildSession is an auto-attached sub-target (frame, worker) of a tab.
type ChildSession struct {
	SessionID   string
	ParentTabID int
	TargetID    target.ID
}

// Detached describes one synthetic Target.detachedFromTarget to emit.
type Detached struct {
	SessionID string
	TargetID  target.ID
	Child     bool
}

// Registry maps tab handles to sessions.
type Registry struct {
	tabs        map[int]*TabSession
	bySession   map[string]int
	children    map[string]*ChildSession
	nextSession uint64
	nextOrder   uint64
	autoAttach  json.RawMessage
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tabs:      make(map[int]*TabSession),
		bySession: make(map[string]int),
		children:  make(map[string]*ChildSession),
	}
}

// Begin puts a tab into the connecting state, creating it if needed. Any
// session id the tab held is retired.
func (r *Registry) Begin(tabID int) *TabSession {
	tab, ok := r.tabs[tabID]
	if !ok {
		tab = &TabSession{TabID: tabID}
		r.tabs[tabID] = tab
	}
	if tab.SessionID != "" {
		delete(r.bySession, tab.SessionID)
		tab.SessionID = ""
	}
	tab.State = StateConnecting
	tab.Err = ""
	return tab
}

// Complete finishes an attach: the tab gets a fresh session id and attach order.
func (r *Registry) Complete(tabID int, info *target.Info) (*TabSession, error) {
	tab, ok := r.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("registry: tab %d not pending", tabID)
	}
	if tab.State != StateConnecting {
		return nil, fmt.Errorf("registry: tab %d is %s, not connecting", tabID, tab.State)
	}
	r.nextSession++
	r.nextOrder++
	tab.SessionID = fmt.Sprintf("%s%d", sessionPrefix, r.nextSession)
	tab.AttachOrder = r.nextOrder
	tab.State = StateConnected
	if info != nil {
		tab.TargetInfo = info
		tab.TargetID = info.TargetID
	}
	r.bySession[tab.SessionID] = tabID
	return tab, nil
}

// Fail marks a tab as errored. Its session id, if any, is retired.
func (r *Registry) Fail(tabID int, err error) {
	tab, ok := r.tabs[tabID]
	if !ok {
		return
	}
	if tab.SessionID != "" {
		delete(r.bySession, tab.SessionID)
		tab.SessionID = ""
	}
	tab.State = StateError
	if err != nil {
		tab.Err = err.Error()
	}
}

// Remove deletes a tab and returns the detach notifications to emit: every
// child first, in attach order, then the tab's own session.
func (r *Registry) Remove(tabID int) []Detached {
	tab, ok := r.tabs[tabID]
	if !ok {
		return nil
	}
	out := r.dropChildren(tab)
	if tab.SessionID != "" {
		out = append(out, Detached{SessionID: tab.SessionID, TargetID: tab.TargetID})
		delete(r.bySession, tab.SessionID)
	}
	delete(r.tabs, tabID)
	return out
}

// ReleaseChildren forgets every child of a tab, returning their detach notices.
// Used when the native attachment is dropped but the tab itself is kept.
func (r *Registry) ReleaseChildren(tabID int) []Detached {
	tab, ok := r.tabs[tabID]
	if !ok {
		return nil
	}
	return r.dropChildren(tab)
}

func (r *Registry) dropChildren(tab *TabSession) []Detached {
	out := make([]Detached, 0, len(tab.children)+1)
	for _, id := range tab.children {
		child, ok := r.children[id]
		if !ok {
			continue
		}
		out = append(out, Detached{SessionID: child.SessionID, TargetID: child.TargetID, Child: true})
		delete(r.children, id)
	}
	tab.children = nil
	return out
}

// AddChild records a child session under a tab.
func (r *Registry) AddChild(parentTabID int, sessionID string, targetID target.ID) error {
	if sessionID == "" {
		return fmt.Errorf("registry: empty child session id")
	}
	tab, ok := r.tabs[parentTabID]
	if !ok {
		return fmt.Errorf("registry: parent tab %d not found", parentTabID)
	}
	if _, dup := r.children[sessionID]; dup {
		return nil
	}
	r.children[sessionID] = &ChildSession{SessionID: sessionID, ParentTabID: parentTabID, TargetID: targetID}
	tab.children = append(tab.children, sessionID)
	return nil
}

// RemoveChild forgets a single child session.
func (r *Registry) RemoveChild(sessionID string) (*ChildSession, bool) {
	child, ok := r.children[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.children, sessionID)
	if tab, ok := r.tabs[child.ParentTabID]; ok {
		for i, id := range tab.children {
			if id == sessionID {
				tab.children = append(tab.children[:i], tab.children[i+1:]...)
				break
			}
		}
	}
	return child, true
}

// Children returns a tab's child sessions in attach order.
func (r *Registry) Children(tabID int) []*ChildSession {
	tab, ok := r.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]*ChildSession, 0, len(tab.children))
	for _, id := range tab.children {
		if c, ok := r.children[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Resolve finds the tab owning a session id. For a child session the child is
// returned too.
func (r *Registry) Resolve(sessionID string) (*TabSession, *ChildSession, bool) {
	if tabID, ok := r.bySession[sessionID]; ok {
		return r.tabs[tabID], nil, true
	}
	if child, ok := r.children[sessionID]; ok {
		tab, ok := r.tabs[child.ParentTabID]
		return tab, child, ok
	}
	return nil, nil, false
}

// ByTarget finds a tab by its target id.
func (r *Registry) ByTarget(targetID target.ID) (*TabSession, bool) {
	for _, tab := range r.tabs {
		if tab.TargetID == targetID {
			return tab, true
		}
	}
	return nil, false
}

// Tab returns a tab by handle.
func (r *Registry) Tab(tabID int) (*TabSession, bool) {
	tab, ok := r.tabs[tabID]
	return tab, ok
}

// Tabs returns every tab ordered by attach order, pending tabs last.
func (r *Registry) Tabs() []*TabSession {
	out := make([]*TabSession, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].AttachOrder, out[j].AttachOrder
		if a == 0 || b == 0 {
			if a == b {
				return out[i].TabID < out[j].TabID
			}
			return b == 0
		}
		return a < b
	})
	return out
}

// InState returns the tabs currently in state s, in attach order.
func (r *Registry) InState(s State) []*TabSession {
	var out []*TabSession
	for _, tab := range r.Tabs() {
		if tab.State == s {
			out = append(out, tab)
		}
	}
	return out
}

// ConnectedCount returns how many tabs hold a live session.
func (r *Registry) ConnectedCount() int {
	n := 0
	for _, tab := range r.tabs {
		if tab.State == StateConnected {
			n++
		}
	}
	return n
}

// SetAutoAttach stores the last browser-level Target.setAutoAttach params.
func (r *Registry) SetAutoAttach(params json.RawMessage) {
	r.autoAttach = append(json.RawMessage(nil), params...)
}

// AutoAttach returns the stored auto-attach params, or nil.
func (r *Registry) AutoAttach() json.RawMessage {
	return r.autoAttach
}
