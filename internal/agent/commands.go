package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/registry"
)

const defaultTabURL = "about:blank"

// handleHubMessage dispatches one hub message. It runs on the loop; anything
// that blocks is moved to a worker and answers by posting back.
func (a *Agent) handleHubMessage(l *link, msg protocol.Message) {
	if l != a.link {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent handler panic", "method", msg.Method, "panic", r)
			if msg.IsRequest() {
				a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeProtocol, "internal error handling %s", msg.Method))
			}
		}
	}()

	if msg.IsResponse() {
		slog.Debug("agent unexpected response from hub", "id", msg.ID)
		return
	}

	switch msg.Kind {
	case protocol.Ping:
		a.notify(protocol.MethodNamePong, nil)
		if msg.IsRequest() {
			a.reply(l, msg.ID, nil, nil)
		}
	case protocol.Pong:
	case protocol.ForwardCDPCommand:
		a.forwardCommand(l, msg)
	case protocol.CreateInitialTab:
		a.createInitialTab(l, msg)
	case protocol.StartRecording:
		a.startRecording(l, msg)
	case protocol.StopRecording:
		a.stopRecording(l, msg)
	case protocol.CancelRecording:
		a.cancelRecording(l, msg)
	case protocol.IsRecording:
		a.isRecording(l, msg)
	case protocol.GhostBrowser:
		a.ghostBrowser(l, msg)
	default:
		if msg.IsRequest() {
			a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeProtocol, "unknown method %q", msg.Method))
			return
		}
		slog.Warn("agent dropped unknown notification", "method", msg.Method)
	}
}

func (a *Agent) forwardCommand(l *link, msg protocol.Message) {
	var p protocol.ForwardCDPCommandParams
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	if p.Method == "" {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeValidation, "forwardCDPCommand without method"))
		return
	}

	switch protocol.ParseMethod(p.Method) {
	case protocol.SetAutoAttach:
		if p.SessionID == "" {
			a.broadcastAutoAttach(l, msg.ID, p.Params)
			return
		}
		if tab, child, ok := a.reg.Resolve(p.SessionID); ok && child == nil && tab.State == registry.StateConnected {
			a.reg.SetAutoAttach(p.Params)
		}
	case protocol.CreateTarget:
		if p.SessionID == "" {
			a.createTarget(l, msg.ID, p.Params)
			return
		}
	case protocol.CloseTarget:
		if p.SessionID == "" {
			a.closeTarget(l, msg.ID, p)
			return
		}
	}

	if p.SessionID == "" {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRouting, "%s needs a session", p.Method))
		return
	}
	tab, child, ok := a.reg.Resolve(p.SessionID)
	if !ok || tab.State != registry.StateConnected {
		a.reply(l, msg.ID, nil, errUnknownSession(p.SessionID))
		return
	}
	if p.TabID != 0 && p.TabID != tab.TabID {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRouting, "session %q does not belong to tab %d", p.SessionID, p.TabID))
		return
	}

	d := debugger.Debuggee{TabID: tab.TabID}
	if child != nil {
		d.SessionID = child.SessionID
	}
	id := msg.ID
	ok = a.worker(tab.TabID).submit(func() {
		a.execute(d, p.Method, p.Params, func(res json.RawMessage, err error) {
			a.post(func() { a.reply(l, id, res, err) })
		})
	})
	if !ok {
		a.reply(l, id, nil, errUnknownSession(p.SessionID))
	}
}

// execute runs on a tab's worker and returns once the command has been
// dispatched; done receives the response later. Commands therefore reach the
// browser in send order while many may be in flight. Runtime.enable is
// preceded by Runtime.disable and a short settle, as one ordered unit, so the
// client sees a fresh set of executionContextCreated events.
func (a *Agent) execute(d debugger.Debuggee, method string, params json.RawMessage, done func(json.RawMessage, error)) {
	ctx, cancel := a.commandContext()
	if method == runtime.CommandEnable {
		if _, err := a.adapter.Send(ctx, d, runtime.CommandDisable, nil); err != nil {
			slog.Debug("agent runtime disable failed", "tab_id", d.TabID, "error", err)
		}
		if a.opts.RuntimeSettle > 0 && !sleepCtx(ctx, a.opts.RuntimeSettle) {
			cancel()
			done(nil, protocol.NewError(protocol.CodeTimeout, method, ctx.Err()))
			return
		}
	}

	sent := make(chan struct{})
	var once sync.Once
	markSent := func() { once.Do(func() { close(sent) }) }
	go func() {
		defer cancel()
		res, err := a.adapter.Send(debugger.WithDispatched(ctx, markSent), d, method, params)
		markSent()
		if err != nil && ctx.Err() == context.DeadlineExceeded && protocol.CodeOf(err) == "" {
			err = protocol.NewError(protocol.CodeTimeout, method, err)
		}
		done(res, err)
	}()
	<-sent
}

// broadcastAutoAttach stores the policy and applies it to every connected tab.
// The reply goes out once every tab has answered.
func (a *Agent) broadcastAutoAttach(l *link, id int64, params json.RawMessage) {
	a.reg.SetAutoAttach(params)
	tabs := a.reg.InState(registry.StateConnected)
	if len(tabs) == 0 {
		a.reply(l, id, nil, nil)
		return
	}
	remaining := len(tabs)
	for _, tab := range tabs {
		tabID := tab.TabID
		done := func() {
			remaining--
			if remaining == 0 {
				a.reply(l, id, nil, nil)
			}
		}
		ok := a.worker(tabID).submit(func() {
			ctx, cancel := a.commandContext()
			_, err := a.adapter.Send(ctx, debugger.Debuggee{TabID: tabID}, target.CommandSetAutoAttach, params)
			cancel()
			if err != nil {
				slog.Warn("agent auto-attach apply failed", "tab_id", tabID, "error", err)
			}
			a.post(done)
		})
		if !ok {
			done()
		}
	}
}

func (a *Agent) createTarget(l *link, id int64, raw json.RawMessage) {
	var p target.CreateTargetParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			a.reply(l, id, nil, protocol.NewError(protocol.CodeValidation, "invalid Target.createTarget params", err))
			return
		}
	}
	a.openTab(p.URL, true, func(tab *registry.TabSession, err error) {
		if err != nil {
			a.reply(l, id, nil, err)
			return
		}
		a.reply(l, id, protocol.CreateTargetResult{TargetID: tab.TargetID, TabID: tab.TabID}, nil)
	})
}

func (a *Agent) closeTarget(l *link, id int64, p protocol.ForwardCDPCommandParams) {
	var cp target.CloseTargetParams
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &cp); err != nil {
			a.reply(l, id, nil, protocol.NewError(protocol.CodeValidation, "invalid Target.closeTarget params", err))
			return
		}
	}
	tabID := p.TabID
	if tabID == 0 {
		if tab, ok := a.reg.ByTarget(cp.TargetID); ok {
			tabID = tab.TabID
		}
	}
	if tabID == 0 {
		a.reply(l, id, nil, protocol.Errorf(protocol.CodeRouting, "unknown target %q", cp.TargetID))
		return
	}
	go func() {
		ctx, cancel := a.commandContext()
		defer cancel()
		err := a.adapter.CloseTab(ctx, tabID)
		a.post(func() {
			if err != nil {
				a.reply(l, id, nil, err)
				return
			}
			a.reply(l, id, map[string]bool{"success": true}, nil)
		})
	}()
}

func (a *Agent) createInitialTab(l *link, msg protocol.Message) {
	var p protocol.CreateInitialTabParams
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	id := msg.ID
	a.openTab(p.URL, false, func(tab *registry.TabSession, err error) {
		if err != nil {
			a.reply(l, id, nil, err)
			return
		}
		a.reply(l, id, protocol.CreateInitialTabResult{
			TabID:      tab.TabID,
			SessionID:  tab.SessionID,
			TargetInfo: tab.TargetInfo,
		}, nil)
	})
}

// openTab creates a tab off the loop and attaches it. done runs on the loop.
func (a *Agent) openTab(url string, emit bool, done func(*registry.TabSession, error)) {
	if url == "" {
		url = defaultTabURL
	}
	go func() {
		ctx, cancel := a.commandContext()
		tabID, err := a.adapter.CreateTab(ctx, url)
		cancel()
		a.post(func() {
			if err != nil {
				done(nil, protocol.NewError(protocol.CodeUpstream, "create tab", err))
				return
			}
			a.attach(tabID, attachOpts{emit: emit, done: done})
		})
	}()
}

func (a *Agent) ghostBrowser(l *link, msg protocol.Message) {
	if a.ghost == nil {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeUpstream, "ghost-browser is not available"))
		return
	}
	id, params := msg.ID, msg.Params
	go func() {
		ctx, cancel := a.commandContext()
		defer cancel()
		res, err := a.ghost.Call(ctx, params)
		a.post(func() { a.reply(l, id, res, err) })
	}()
}

// lookupTab finds a tab by session id (tab or child) or by handle.
func (a *Agent) lookupTab(tabID int, sessionID string) (*registry.TabSession, bool) {
	if sessionID != "" {
		tab, _, ok := a.reg.Resolve(sessionID)
		return tab, ok
	}
	return a.reg.Tab(tabID)
}
