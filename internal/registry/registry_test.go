package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/target"
)

func attach(t *testing.T, r *Registry, tabID int) *TabSession {
	t.Helper()
	r.Begin(tabID)
	tab, err := r.Complete(tabID, &target.Info{TargetID: target.ID(fmt.Sprintf("T%d", tabID)), Type: "page"})
	if err != nil {
		t.Fatalf("Complete(%d) error = %v", tabID, err)
	}
	return tab
}

func TestCompleteAssignsIncreasingSessionIDs(t *testing.T) {
	r := New()
	a := attach(t, r, 10)
	b := attach(t, r, 11)
	if a.SessionID != "pw-tab-1" || b.SessionID != "pw-tab-2" {
		t.Fatalf("session ids = %q, %q; want pw-tab-1, pw-tab-2", a.SessionID, b.SessionID)
	}
	if a.AttachOrder >= b.AttachOrder {
		t.Fatalf("attach order not increasing: %d then %d", a.AttachOrder, b.AttachOrder)
	}
	if a.TargetID != "T10" {
		t.Fatalf("TargetID = %q; want T10", a.TargetID)
	}
}

func TestReattachRetiresOldSessionID(t *testing.T) {
	r := New()
	first := attach(t, r, 1).SessionID

	r.Begin(1)
	if _, _, ok := r.Resolve(first); ok {
		t.Fatalf("Resolve(%q) succeeded after Begin; want retired", first)
	}
	tab, err := r.Complete(1, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if tab.SessionID == first {
		t.Fatalf("re-attach reused session id %q", first)
	}
	if tab.TargetID != "T1" {
		t.Fatalf("TargetID lost across re-attach: %q", tab.TargetID)
	}
}

func TestCompleteRequiresConnecting(t *testing.T) {
	r := New()
	if _, err := r.Complete(5, nil); err == nil {
		t.Fatal("Complete() on unknown tab = nil error")
	}
	attach(t, r, 5)
	if _, err := r.Complete(5, nil); err == nil {
		t.Fatal("Complete() on connected tab = nil error")
	}
}

func TestRemoveEmitsChildrenBeforeParent(t *testing.T) {
	for n := 0; n <= 4; n++ {
		r := New()
		tab := attach(t, r, 1)
		for i := 0; i < n; i++ {
			if err := r.AddChild(1, fmt.Sprintf("child-%d", i), target.ID(fmt.Sprintf("C%d", i))); err != nil {
				t.Fatalf("AddChild() error = %v", err)
			}
		}

		got := r.Remove(1)
		if len(got) != n+1 {
			t.Fatalf("n=%d: Remove() returned %d notices; want %d", n, len(got), n+1)
		}
		for i := 0; i < n; i++ {
			if !got[i].Child || got[i].SessionID != fmt.Sprintf("child-%d", i) {
				t.Fatalf("n=%d: notice[%d] = %+v; want child-%d", n, i, got[i], i)
			}
		}
		last := got[n]
		if last.Child || last.SessionID != tab.SessionID {
			t.Fatalf("n=%d: final notice = %+v; want parent %q", n, last, tab.SessionID)
		}
		if _, _, ok := r.Resolve("child-0"); ok {
			t.Fatalf("n=%d: child still resolvable after Remove", n)
		}
	}
}

func TestResolveChildReturnsParent(t *testing.T) {
	r := New()
	tab := attach(t, r, 3)
	if err := r.AddChild(3, "iframe-1", "F1"); err != nil {
		t.Fatalf("AddChild() error = %v", err)
	}

	got, child, ok := r.Resolve("iframe-1")
	if !ok || got.TabID != tab.TabID {
		t.Fatalf("Resolve(iframe-1) = %v, %v; want tab 3", got, ok)
	}
	if child == nil || child.TargetID != "F1" {
		t.Fatalf("Resolve(iframe-1) child = %+v", child)
	}

	if _, ok := r.RemoveChild("iframe-1"); !ok {
		t.Fatal("RemoveChild() = false")
	}
	if len(r.Children(3)) != 0 {
		t.Fatalf("Children(3) = %v; want empty", r.Children(3))
	}
}

func TestAddChildRequiresParent(t *testing.T) {
	r := New()
	if err := r.AddChild(99, "s", "t"); err == nil {
		t.Fatal("AddChild() with unknown parent = nil error")
	}
}

func TestFailRetiresSession(t *testing.T) {
	r := New()
	tab := attach(t, r, 2)
	sessionID := tab.SessionID
	r.Fail(2, errors.New("target gone"))
	if tab.State != StateError || tab.Err != "target gone" {
		t.Fatalf("tab after Fail = %+v", tab)
	}
	if _, _, ok := r.Resolve(sessionID); ok {
		t.Fatal("failed tab still resolvable")
	}
	if r.ConnectedCount() != 0 {
		t.Fatalf("ConnectedCount() = %d; want 0", r.ConnectedCount())
	}
}

func TestTabsOrderedByAttachOrder(t *testing.T) {
	r := New()
	attach(t, r, 30)
	attach(t, r, 10)
	r.Begin(20)
	tabs := r.Tabs()
	if len(tabs) != 3 || tabs[0].TabID != 30 || tabs[1].TabID != 10 || tabs[2].TabID != 20 {
		ids := make([]int, 0, len(tabs))
		for _, tab := range tabs {
			ids = append(ids, tab.TabID)
		}
		t.Fatalf("Tabs() order = %v; want [30 10 20]", ids)
	}
}

func TestByTarget(t *testing.T) {
	r := New()
	attach(t, r, 4)
	tab, ok := r.ByTarget("T4")
	if !ok || tab.TabID != 4 {
		t.Fatalf("ByTarget(T4) = %v, %v", tab, ok)
	}
	if _, ok := r.ByTarget("nope"); ok {
		t.Fatal("ByTarget(nope) = true")
	}
}

func TestAutoAttachIsCopied(t *testing.T) {
	r := New()
	params := json.RawMessage(`{"autoAttach":true,"flatten":true}`)
	r.SetAutoAttach(params)
	params[1] = 'X'
	if string(r.AutoAttach()) != `{"autoAttach":true,"flatten":true}` {
		t.Fatalf("AutoAttach() = %s; stored params aliased caller buffer", r.AutoAttach())
	}
}
