package hub

import (
	"encoding/json"
	"log/slog"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// handleClientFrame decodes one client message and dispatches it. Handler
// panics are answered with a PROTOCOL error.
func (h *Hub) handleClientFrame(c *clientConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if msg.HasZeroID() {
			slog.Warn("hub client message with id 0", "client_id", c.id, "method", msg.Method)
			if reply, rerr := protocol.EncodeErrorResponse(0, msg.SessionID, err); rerr == nil {
				c.w.Text(reply)
			}
			return
		}
		if msg.ID != 0 {
			c.send(protocol.ErrorResponse(msg.ID, msg.SessionID, err))
			return
		}
		slog.Warn("hub malformed client message", "client_id", c.id, "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hub client message handler panicked", "client_id", c.id, "method", msg.Method, "panic", r)
			if msg.ID != 0 {
				c.send(protocol.ErrorResponse(msg.ID, msg.SessionID, protocol.Errorf(protocol.CodeProtocol, "internal error handling %s", msg.Method)))
			}
		}
	}()
	if !msg.IsRequest() {
		slog.Warn("hub client message without id", "client_id", c.id, "method", msg.Method)
		return
	}
	h.handleClientMessage(c, msg)
}

func (h *Hub) handleClientMessage(c *clientConn, msg protocol.Message) {
	switch msg.Kind {
	case protocol.Ping:
		h.respond(c, msg, nil, nil)
	case protocol.SetAutoAttach:
		if msg.SessionID != "" {
			h.route(c, msg)
			return
		}
		h.setAutoAttach(c, msg)
	case protocol.CreateTarget:
		h.forwardAs(c, msg, protocol.ForwardCDPCommandParams{Method: msg.Method, Params: msg.Params})
	case protocol.CloseTarget:
		h.closeTarget(c, msg)
	case protocol.GetVersion:
		h.respond(c, msg, browserVersion(), nil)
	case protocol.GetTargets:
		h.respond(c, msg, map[string]any{"targetInfos": h.targetInfos()}, nil)
	case protocol.GetTargetInfo:
		h.getTargetInfo(c, msg)
	case protocol.AttachToTarget:
		h.attachToTarget(c, msg)
	case protocol.SetDiscoverTargets:
		h.setDiscoverTargets(c, msg)
	case protocol.CreateInitialTab:
		h.createInitialTab(c, msg)
	case protocol.StartRecording:
		h.startRecording(c, msg)
	case protocol.StopRecording:
		h.stopRecording(c, msg)
	case protocol.IsRecording:
		h.isRecording(c, msg)
	case protocol.CancelRecording:
		h.cancelRecording(c, msg)
	case protocol.GhostBrowser:
		h.request(protocol.MethodNameGhostBrowser, msg.Params, func(result json.RawMessage, err error) {
			h.respond(c, msg, result, err)
		})
	case protocol.Passthrough:
		h.route(c, msg)
	default:
		h.respond(c, msg, nil, protocol.Errorf(protocol.CodeValidation, "%s is not a client method", msg.Method))
	}
}

// respond answers a client request. A json.RawMessage result is sent as is.
func (h *Hub) respond(c *clientConn, msg protocol.Message, result any, err error) {
	if err != nil {
		c.send(protocol.ErrorResponse(msg.ID, msg.SessionID, err))
		return
	}
	resp, rerr := protocol.Response(msg.ID, msg.SessionID, result)
	if rerr != nil {
		c.send(protocol.ErrorResponse(msg.ID, msg.SessionID, rerr))
		return
	}
	c.send(resp)
}

// route forwards a CDP command by sessionId (tab, then child) and falls back
// to params.targetId. Unresolvable commands fail with ROUTING.
func (h *Hub) route(c *clientConn, msg protocol.Message) {
	fwd, err := h.resolveRoute(msg)
	if err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	h.forwardAs(c, msg, fwd)
}

func (h *Hub) resolveRoute(msg protocol.Message) (protocol.ForwardCDPCommandParams, error) {
	fwd := protocol.ForwardCDPCommandParams{Method: msg.Method, Params: msg.Params}
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.SessionID != "" {
		if t, ok := h.sessions.tabs[msg.SessionID]; ok {
			fwd.SessionID = t.SessionID
			return fwd, nil
		}
		if t, ok := h.sessions.children[msg.SessionID]; ok {
			fwd.SessionID = msg.SessionID
			fwd.TabID = t.TabID
			return fwd, nil
		}
		return fwd, protocol.Errorf(protocol.CodeRouting, "unknown session %q", msg.SessionID)
	}
	var ref protocol.TargetRef
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &ref)
	}
	if ref.TargetID != "" {
		if t := h.sessions.byTarget(ref.TargetID); t != nil {
			fwd.SessionID = t.SessionID
			fwd.TabID = t.TabID
			return fwd, nil
		}
		return fwd, protocol.Errorf(protocol.CodeRouting, "unknown target %q", ref.TargetID)
	}
	return fwd, protocol.Errorf(protocol.CodeRouting, "%s names no session or target", msg.Method)
}

func (h *Hub) forwardAs(c *clientConn, msg protocol.Message, fwd protocol.ForwardCDPCommandParams) {
	h.request(protocol.MethodNameForwardCDPCommand, fwd, func(result json.RawMessage, err error) {
		h.respond(c, msg, result, err)
	})
}

// setAutoAttach applies the policy to every tab through the agent, then
// replays an attachedToTarget per known tab to the requester.
func (h *Hub) setAutoAttach(c *clientConn, msg protocol.Message) {
	fwd := protocol.ForwardCDPCommandParams{Method: msg.Method, Params: msg.Params}
	h.request(protocol.MethodNameForwardCDPCommand, fwd, func(result json.RawMessage, err error) {
		h.respond(c, msg, result, err)
		if err != nil {
			return
		}
		for _, ev := range h.attachedEvents() {
			c.send(ev)
		}
	})
}

func (h *Hub) attachedEvents() []protocol.Message {
	h.mu.Lock()
	tabs := h.sessions.ordered()
	out := make([]protocol.Message, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, attachedEvent(t))
	}
	h.mu.Unlock()
	return out
}

func attachedEvent(t *tabEntry) protocol.Message {
	params, _ := json.Marshal(protocol.AttachedToTargetParams{SessionID: t.SessionID, TargetInfo: t.TargetInfo})
	return protocol.Message{Method: protocol.EventAttachedToTarget, Params: params}
}

func (h *Hub) closeTarget(c *clientConn, msg protocol.Message) {
	var ref protocol.TargetRef
	if err := msg.DecodeParams(&ref); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	h.mu.Lock()
	t := h.sessions.byTarget(ref.TargetID)
	var tabID int
	if t != nil {
		tabID = t.TabID
	}
	h.mu.Unlock()
	if t == nil {
		h.respond(c, msg, nil, protocol.Errorf(protocol.CodeRouting, "unknown target %q", ref.TargetID))
		return
	}
	h.forwardAs(c, msg, protocol.ForwardCDPCommandParams{Method: msg.Method, Params: msg.Params, TabID: tabID})
}

func browserVersion() map[string]string {
	return map[string]string{
		"protocolVersion": "1.3",
		"product":         "Chrome/TabRelay",
		"revision":        "0",
		"userAgent":       "TabRelay",
		"jsVersion":       "V8",
	}
}

func (h *Hub) targetInfos() []*target.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	tabs := h.sessions.ordered()
	out := make([]*target.Info, 0, len(tabs))
	for _, t := range tabs {
		if t.TargetInfo != nil {
			out = append(out, t.TargetInfo)
		}
	}
	return out
}

// getTargetInfo answers from the session table. Child sessions are routed to
// the agent since the hub does not track their target details.
func (h *Hub) getTargetInfo(c *clientConn, msg protocol.Message) {
	var ref protocol.TargetRef
	_ = msg.DecodeParams(&ref)

	h.mu.Lock()
	var found *tabEntry
	switch {
	case ref.TargetID != "":
		found = h.sessions.byTarget(ref.TargetID)
	case msg.SessionID != "":
		found = h.sessions.tabs[msg.SessionID]
		if found == nil && h.sessions.children[msg.SessionID] != nil {
			h.mu.Unlock()
			h.route(c, msg)
			return
		}
	default:
		if tabs := h.sessions.ordered(); len(tabs) > 0 {
			found = tabs[0]
		}
	}
	var info *target.Info
	if found != nil {
		info = found.TargetInfo
	}
	h.mu.Unlock()

	if info == nil {
		h.respond(c, msg, nil, protocol.Errorf(protocol.CodeRouting, "no such target"))
		return
	}
	h.respond(c, msg, map[string]any{"targetInfo": info}, nil)
}

// attachToTarget returns the session the agent already holds for the target
// and then announces it to the requester.
func (h *Hub) attachToTarget(c *clientConn, msg protocol.Message) {
	var ref protocol.TargetRef
	if err := msg.DecodeParams(&ref); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	h.mu.Lock()
	t := h.sessions.byTarget(ref.TargetID)
	var ev protocol.Message
	if t != nil {
		ev = attachedEvent(t)
	}
	h.mu.Unlock()
	if t == nil {
		h.respond(c, msg, nil, protocol.Errorf(protocol.CodeRouting, "unknown target %q", ref.TargetID))
		return
	}
	h.respond(c, msg, map[string]string{"sessionId": t.SessionID}, nil)
	c.send(ev)
}

func (h *Hub) setDiscoverTargets(c *clientConn, msg protocol.Message) {
	var p struct {
		Discover bool `json:"discover"`
	}
	_ = msg.DecodeParams(&p)
	h.respond(c, msg, nil, nil)
	if !p.Discover {
		return
	}
	for _, info := range h.targetInfos() {
		params, _ := json.Marshal(map[string]any{"targetInfo": info})
		c.send(protocol.Message{Method: protocol.EventTargetCreated, Params: params})
	}
}

// createInitialTab registers the new tab from the agent's result, which is
// sent without an attachedToTarget announcement.
func (h *Hub) createInitialTab(c *clientConn, msg protocol.Message) {
	h.request(protocol.MethodNameCreateInitialTab, msg.Params, func(result json.RawMessage, err error) {
		if err == nil {
			var res protocol.CreateInitialTabResult
			if uerr := json.Unmarshal(result, &res); uerr != nil || res.SessionID == "" {
				err = protocol.Errorf(protocol.CodeProtocol, "malformed createInitialTab result")
			} else {
				h.mu.Lock()
				h.sessions.addTab(res.TabID, res.SessionID, res.TargetInfo)
				h.mu.Unlock()
			}
		}
		h.respond(c, msg, result, err)
	})
}

func targetIDOf(a protocol.AttachedToTargetParams) target.ID {
	if a.TargetInfo == nil {
		return ""
	}
	return a.TargetInfo.TargetID
}
