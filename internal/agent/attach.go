package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/registry"
)

// pinHookScript remembers the element under the last context-menu click so a
// client can pick it up with Runtime.evaluate.
const pinHookScript = `(() => {
  if (window.__tabRelayPinHook) return;
  window.__tabRelayPinHook = true;
  document.addEventListener('contextmenu', (e) => { window.__tabRelayPinned = e.target; }, true);
})();`

// ReasonDetached is logged when a tab is detached on request.
const ReasonDetached = "detached"

type attachOpts struct {
	emit     bool
	reattach bool
	done     func(*registry.TabSession, error)
}

// attach starts attaching tabID. done runs on the loop once the tab is
// connected or the attach has been rolled back.
func (a *Agent) attach(tabID int, o attachOpts) {
	if o.done == nil {
		o.done = func(*registry.TabSession, error) {}
	}
	if tab, ok := a.reg.Tab(tabID); ok {
		switch {
		case tab.State == registry.StateConnecting:
			o.done(nil, protocol.Errorf(protocol.CodeAttach, "tab %d attach already in progress", tabID))
			return
		case tab.State == registry.StateConnected && !o.reattach:
			o.done(tab, nil)
			return
		}
	}

	keepNative := o.reattach && a.native[tabID]
	if !keepNative {
		for _, child := range a.reg.ReleaseChildren(tabID) {
			delete(a.childInfo, child.SessionID)
		}
	}
	a.reg.Begin(tabID)
	policy := a.reg.AutoAttach()
	a.worker(tabID).submit(func() {
		info, err := a.runAttach(tabID, policy, keepNative)
		a.post(func() { a.finishAttach(tabID, info, err, keepNative, o) })
	})
}

// runAttach performs the native attach sequence. It runs on the tab's worker
// and must not touch loop state.
func (a *Agent) runAttach(tabID int, policy json.RawMessage, keepNative bool) (*target.Info, error) {
	ctx, cancel := a.commandContext()
	defer cancel()

	if !keepNative {
		if err := a.adapter.Attach(ctx, tabID); err != nil {
			if protocol.CodeOf(err) == protocol.CodeAttach {
				return nil, err
			}
			return nil, protocol.NewError(protocol.CodeAttach, "attach debugger", err)
		}
	}

	d := debugger.Debuggee{TabID: tabID}
	steps := []struct {
		method string
		params any
	}{
		{page.CommandEnable, nil},
		{page.CommandSetLifecycleEventsEnabled, page.SetLifecycleEventsEnabled(true)},
	}
	if policy != nil {
		steps = append(steps, struct {
			method string
			params any
		}{target.CommandSetAutoAttach, policy})
	}
	steps = append(steps, struct {
		method string
		params any
	}{page.CommandAddScriptToEvaluateOnNewDocument, page.AddScriptToEvaluateOnNewDocument(pinHookScript)})

	for _, step := range steps {
		if _, err := a.sendParams(ctx, d, step.method, step.params); err != nil {
			a.rollbackAttach(tabID)
			return nil, protocol.NewError(protocol.CodeAttach, step.method, err)
		}
	}

	raw, err := a.adapter.Send(ctx, d, target.CommandGetTargetInfo, nil)
	if err != nil {
		a.rollbackAttach(tabID)
		return nil, protocol.NewError(protocol.CodeAttach, target.CommandGetTargetInfo, err)
	}
	var res target.GetTargetInfoReturns
	if err := json.Unmarshal(raw, &res); err != nil || res.TargetInfo == nil {
		a.rollbackAttach(tabID)
		return nil, protocol.Errorf(protocol.CodeAttach, "tab %d returned no target info", tabID)
	}
	return res.TargetInfo, nil
}

func (a *Agent) rollbackAttach(tabID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.adapter.Detach(ctx, tabID); err != nil {
		slog.Debug("agent rollback detach failed", "tab_id", tabID, "error", err)
	}
}

func (a *Agent) sendParams(ctx context.Context, d debugger.Debuggee, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := params.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeValidation, "marshal "+method, err)
		}
		raw = b
	}
	return a.adapter.Send(ctx, d, method, raw)
}

func (a *Agent) finishAttach(tabID int, info *target.Info, err error, keptNative bool, o attachOpts) {
	tab, ok := a.reg.Tab(tabID)
	if !ok || tab.State != registry.StateConnecting {
		delete(a.pending, tabID)
		if err == nil {
			go a.rollbackAttach(tabID)
			err = protocol.Errorf(protocol.CodeAttach, "tab %d went away during attach", tabID)
		}
		o.done(nil, err)
		return
	}
	if err != nil {
		delete(a.pending, tabID)
		a.native[tabID] = false
		a.reg.ReleaseChildren(tabID)
		a.reg.Fail(tabID, err)
		slog.Warn("agent attach failed", "tab_id", tabID, "error", err)
		o.done(nil, err)
		return
	}

	a.native[tabID] = true
	tab, cerr := a.reg.Complete(tabID, info)
	if cerr != nil {
		o.done(nil, protocol.NewError(protocol.CodeAttach, "complete attach", cerr))
		return
	}
	slog.Info("agent tab attached", "tab_id", tabID, "session_id", tab.SessionID, "target_id", tab.TargetID)
	if o.emit {
		a.emitAttached(tab)
	}
	if keptNative {
		for _, child := range a.reg.Children(tabID) {
			if params, ok := a.childInfo[child.SessionID]; ok {
				a.forwardEvent(tab, debugger.Event{
					Debuggee: debugger.Debuggee{TabID: tabID},
					Method:   protocol.EventAttachedToTarget,
					Params:   params,
				})
			}
		}
	}
	queued := a.pending[tabID]
	delete(a.pending, tabID)
	for _, ev := range queued {
		a.dispatchEvent(tab, ev)
	}
	o.done(tab, nil)
}

func (a *Agent) emitAttached(tab *registry.TabSession) {
	a.notify(protocol.MethodNameForwardCDPEvent, protocol.ForwardCDPEventParams{
		Method: protocol.EventAttachedToTarget,
		Params: mustJSON(protocol.AttachedToTargetParams{
			SessionID:  tab.SessionID,
			TargetInfo: tab.TargetInfo,
		}),
		TabID: tab.TabID,
	})
}

// reattachAll re-attaches every connected tab with a fresh session id. Tabs
// whose handle is gone are dropped without notice.
func (a *Agent) reattachAll() {
	for _, tab := range a.reg.InState(registry.StateConnected) {
		tabID := tab.TabID
		if !a.adapter.TabExists(a.ctx, tabID) {
			slog.Info("agent dropped vanished tab", "tab_id", tabID)
			a.forgetTab(tabID)
			continue
		}
		a.attach(tabID, attachOpts{emit: true, reattach: true})
	}
}

// releaseAll gives up native debugger access while tabs are preserved for a
// later reconnect.
func (a *Agent) releaseAll() {
	for _, tab := range a.reg.Tabs() {
		tabID := tab.TabID
		if tab.Recording != nil {
			a.abandonRecording(tabID, "replaced")
		}
		for _, child := range a.reg.ReleaseChildren(tabID) {
			delete(a.childInfo, child.SessionID)
		}
		if !a.native[tabID] {
			continue
		}
		a.native[tabID] = false
		a.worker(tabID).submit(func() {
			ctx, cancel := a.commandContext()
			defer cancel()
			if err := a.adapter.Detach(ctx, tabID); err != nil {
				slog.Debug("agent release detach failed", "tab_id", tabID, "error", err)
			}
		})
	}
}

// dropTab removes a tab and tells the hub: every child detach first, then the
// tab's own, queued back to back.
func (a *Agent) dropTab(tabID int, reason string, releaseNative bool) {
	tab, ok := a.reg.Tab(tabID)
	if !ok {
		return
	}
	if tab.Recording != nil {
		a.abandonRecording(tabID, reason)
	}
	tabSession := tab.SessionID
	for _, d := range a.reg.Remove(tabID) {
		params := mustJSON(protocol.DetachedFromTargetParams{SessionID: d.SessionID, TargetID: d.TargetID})
		ev := protocol.ForwardCDPEventParams{Method: protocol.EventDetachedFromTarget, Params: params, TabID: tabID}
		if d.Child {
			delete(a.childInfo, d.SessionID)
			ev.SessionID = tabSession
		}
		a.notify(protocol.MethodNameForwardCDPEvent, ev)
	}
	held := a.native[tabID]
	a.forgetTab(tabID)
	if releaseNative && held {
		go a.rollbackAttach(tabID)
	}
	slog.Info("agent tab detached", "tab_id", tabID, "session_id", tabSession, "reason", reason)
}

// forgetTab clears every loop-side trace of a tab without emitting anything.
func (a *Agent) forgetTab(tabID int) {
	for _, child := range a.reg.Children(tabID) {
		delete(a.childInfo, child.SessionID)
	}
	a.reg.Remove(tabID)
	delete(a.native, tabID)
	delete(a.pending, tabID)
	if w, ok := a.workers[tabID]; ok {
		w.close()
		delete(a.workers, tabID)
	}
}

func (a *Agent) handleEvent(ev debugger.Event) {
	if ev.Detached {
		a.onNativeDetach(ev.TabID, ev.Reason)
		return
	}
	if a.recorder != nil && a.recorder.HandleEvent(ev) {
		return
	}
	tab, ok := a.reg.Tab(ev.TabID)
	if !ok {
		return
	}
	switch tab.State {
	case registry.StateConnecting:
		a.pending[ev.TabID] = append(a.pending[ev.TabID], ev)
	case registry.StateConnected:
		a.dispatchEvent(tab, ev)
	}
}

func (a *Agent) onNativeDetach(tabID int, reason string) {
	if _, ok := a.reg.Tab(tabID); !ok {
		return
	}
	a.native[tabID] = false
	if a.preserve {
		for _, child := range a.reg.ReleaseChildren(tabID) {
			delete(a.childInfo, child.SessionID)
		}
		slog.Debug("agent native detach kept tab", "tab_id", tabID, "reason", reason)
		return
	}
	a.dropTab(tabID, reason, false)
}

// dispatchEvent records child sessions, then forwards the event.
func (a *Agent) dispatchEvent(tab *registry.TabSession, ev debugger.Event) {
	switch ev.Method {
	case protocol.EventAttachedToTarget:
		var p protocol.AttachedToTargetParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.SessionID != "" {
			var targetID target.ID
			if p.TargetInfo != nil {
				targetID = p.TargetInfo.TargetID
			}
			if err := a.reg.AddChild(tab.TabID, p.SessionID, targetID); err != nil {
				slog.Warn("agent child session not recorded", "tab_id", tab.TabID, "session_id", p.SessionID, "error", err)
			} else {
				a.childInfo[p.SessionID] = append(json.RawMessage(nil), ev.Params...)
			}
		}
	case protocol.EventDetachedFromTarget:
		var p protocol.DetachedFromTargetParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.SessionID != "" {
			a.reg.RemoveChild(p.SessionID)
			delete(a.childInfo, p.SessionID)
		}
	}
	a.forwardEvent(tab, ev)
}

func (a *Agent) forwardEvent(tab *registry.TabSession, ev debugger.Event) {
	sessionID := tab.SessionID
	if ev.SessionID != "" {
		sessionID = ev.SessionID
	}
	a.notify(protocol.MethodNameForwardCDPEvent, protocol.ForwardCDPEventParams{
		Method:    ev.Method,
		Params:    ev.Params,
		SessionID: sessionID,
		TabID:     tab.TabID,
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
