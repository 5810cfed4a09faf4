package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tab_relay/internal/events"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/storage"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

// readAgent consumes frames from the agent until the socket ends. A binary
// frame belongs to the tab named by the recordingData announcement right
// before it.
func (h *Hub) readAgent(ac *agentConn) {
	announced := 0
	reason := "closed"
	for {
		data, op, err := ac.conn.Read()
		if err != nil {
			if code, why, ok := wsconn.CloseCode(err); ok {
				reason = fmt.Sprintf("close %d %s", code, why)
			} else {
				reason = err.Error()
			}
			break
		}
		if op == ws.OpBinary {
			if announced == 0 {
				slog.Warn("hub binary frame without announcement", "epoch", ac.epoch, "bytes", len(data))
				continue
			}
			if err := h.relay.Chunk(announced, data); err != nil {
				slog.Warn("hub chunk dropped", "tab_id", announced, "error", err)
			}
			announced = 0
			continue
		}
		if announced != 0 {
			slog.Warn("hub announcement not followed by binary frame", "tab_id", announced, "epoch", ac.epoch)
			announced = 0
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("hub malformed agent message", "epoch", ac.epoch, "error", err)
			continue
		}
		announced = h.handleAgentMessage(ac, msg)
	}
	h.disconnectAgent(ac, reason)
}

// handleAgentMessage processes one JSON message from the agent and returns the
// tab id a following binary frame belongs to, or zero.
func (h *Hub) handleAgentMessage(ac *agentConn, msg protocol.Message) (announced int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hub agent message handler panicked", "method", msg.Method, "panic", r)
			announced = 0
		}
	}()

	if msg.IsResponse() {
		var err error
		if msg.Error != nil {
			err = msg.Error.Err()
		}
		h.resolve(ac.epoch, msg.ID, msg.Result, err)
		return 0
	}

	switch msg.Kind {
	case protocol.Pong:
	case protocol.Ping:
		if msg.ID != 0 {
			h.replyAgent(ac, msg.ID, nil)
		}
		pong, _ := protocol.Encode(protocol.Message{Method: protocol.MethodNamePong})
		ac.w.Text(pong)
	case protocol.ForwardCDPEvent:
		var p protocol.ForwardCDPEventParams
		if err := msg.DecodeParams(&p); err != nil {
			slog.Warn("hub bad forwardCDPEvent", "error", err)
			return 0
		}
		h.handleCDPEvent(p)
	case protocol.RecordingData:
		var p protocol.RecordingDataParams
		if err := msg.DecodeParams(&p); err != nil || p.TabID == 0 {
			slog.Warn("hub bad recordingData", "params", string(msg.Params))
			return 0
		}
		if p.Final {
			go h.relay.Final(p.TabID)
			return 0
		}
		return p.TabID
	case protocol.RecordingCancelled:
		var p protocol.RecordingCancelledParams
		if err := msg.DecodeParams(&p); err != nil {
			return 0
		}
		reason := p.Reason
		if reason == "" {
			reason = "cancelled by agent"
		}
		h.relay.Cancel(p.TabID, reason)
	case protocol.Log:
		var p protocol.LogParams
		if err := msg.DecodeParams(&p); err != nil {
			return 0
		}
		h.agentLog(p)
	default:
		slog.Warn("hub unexpected agent message", "method", msg.Method, "id", msg.ID)
		if msg.ID != 0 {
			ac.w.Text(mustEncode(protocol.ErrorResponse(msg.ID, "", protocol.Errorf(protocol.CodeProtocol, "unknown method %q", msg.Method))))
		}
	}
	return 0
}

// handleCDPEvent maintains the session tables and fans the event out to every
// client as a plain CDP event.
func (h *Hub) handleCDPEvent(p protocol.ForwardCDPEventParams) {
	switch p.Method {
	case protocol.EventAttachedToTarget:
		var a protocol.AttachedToTargetParams
		if err := json.Unmarshal(p.Params, &a); err != nil || a.SessionID == "" {
			slog.Warn("hub bad attachedToTarget", "params", string(p.Params))
			return
		}
		h.mu.Lock()
		var kind string
		if p.SessionID == "" {
			h.sessions.addTab(p.TabID, a.SessionID, a.TargetInfo)
			kind = "tab"
		} else if _, ok := h.sessions.addChild(p.SessionID, a.SessionID, targetIDOf(a)); ok {
			kind = "child"
		}
		h.mu.Unlock()
		if kind == "" {
			slog.Warn("hub child attached to unknown session", "session_id", p.SessionID, "child_session_id", a.SessionID)
		} else {
			h.opts.Journal.Record(storage.Entry{Kind: storage.KindTargetAttached, TabID: p.TabID, SessionID: a.SessionID, TargetID: string(targetIDOf(a)), Detail: kind})
			h.opts.Broker.PublishJSON(events.FeedTarget, map[string]any{"event": "attached", "kind": kind, "tab_id": p.TabID, "session_id": a.SessionID})
		}
	case protocol.EventDetachedFromTarget:
		var d protocol.DetachedFromTargetParams
		if err := json.Unmarshal(p.Params, &d); err == nil && d.SessionID != "" {
			h.mu.Lock()
			_, wasTab := h.sessions.remove(d.SessionID)
			h.mu.Unlock()
			h.opts.Journal.Record(storage.Entry{Kind: storage.KindTargetDetached, TabID: p.TabID, SessionID: d.SessionID, TargetID: string(d.TargetID)})
			h.opts.Broker.PublishJSON(events.FeedTarget, map[string]any{"event": "detached", "tab": wasTab, "tab_id": p.TabID, "session_id": d.SessionID})
		}
	}
	h.broadcast(protocol.Message{Method: p.Method, Params: p.Params, SessionID: p.SessionID})
}

func (h *Hub) agentLog(p protocol.LogParams) {
	msg := "agent log"
	var fields map[string]any
	if len(p.Args) > 0 {
		if s, ok := p.Args[0].(string); ok {
			msg = s
		}
	}
	if len(p.Args) > 1 {
		fields, _ = p.Args[1].(map[string]any)
	}
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "source", "agent")
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(p.Level))
	slog.Log(context.Background(), level, msg, attrs...)
	h.opts.Broker.PublishJSON(events.FeedLog, map[string]any{"level": p.Level, "message": msg, "fields": fields})
}

// request sends a relay request to the active agent. done runs exactly once:
// with the agent's answer, a TRANSPORT error when the agent goes away, or a
// TIMEOUT error when the command timeout passes.
func (h *Hub) request(method string, params any, done func(json.RawMessage, error)) {
	msg, err := protocol.Request(0, method, params)
	if err != nil {
		done(nil, err)
		return
	}
	h.mu.Lock()
	ac := h.agent
	if ac == nil {
		h.mu.Unlock()
		done(nil, protocol.Errorf(protocol.CodeTransport, "no agent connected"))
		return
	}
	h.nextID++
	id := h.nextID
	msg.ID = id
	p := &pendingRequest{epoch: ac.epoch, method: method, sentAt: time.Now(), done: done}
	p.timer = time.AfterFunc(h.opts.CommandTimeout, func() {
		h.resolve(p.epoch, id, nil, protocol.Errorf(protocol.CodeTimeout, "%s timed out after %s", method, h.opts.CommandTimeout))
	})
	h.pending[id] = p
	h.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err == nil && ac.w.Text(data) {
		return
	}
	if err == nil {
		err = protocol.Errorf(protocol.CodeTransport, "agent connection closed")
	}
	h.resolve(ac.epoch, id, nil, err)
}

// call is the blocking form of request.
func (h *Hub) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	type answer struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan answer, 1)
	h.request(method, params, func(result json.RawMessage, err error) {
		ch <- answer{result, err}
	})
	select {
	case a := <-ch:
		return a.result, a.err
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.CodeTimeout, method, ctx.Err())
	}
}

// resolve completes pending request id. Answers from another epoch are ignored.
func (h *Hub) resolve(epoch uint64, id int64, result json.RawMessage, err error) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok || p.epoch != epoch {
		h.mu.Unlock()
		if !ok {
			slog.Debug("hub response for unknown request", "id", id, "epoch", epoch)
		}
		return
	}
	delete(h.pending, id)
	h.mu.Unlock()
	p.timer.Stop()
	p.done(result, err)
}

// takePendingLocked removes every pending request of epoch. h.mu must be held.
func (h *Hub) takePendingLocked(epoch uint64) []*pendingRequest {
	var out []*pendingRequest
	for id, p := range h.pending {
		if p.epoch == epoch {
			out = append(out, p)
			delete(h.pending, id)
		}
	}
	return out
}

func failPending(ps []*pendingRequest, err error) {
	for _, p := range ps {
		p.timer.Stop()
		p.done(nil, err)
	}
}

func (h *Hub) replyAgent(ac *agentConn, id int64, result any) {
	msg, err := protocol.Response(id, "", result)
	if err != nil {
		msg = protocol.ErrorResponse(id, "", err)
	}
	ac.w.Text(mustEncode(msg))
}

func mustEncode(msg protocol.Message) []byte {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}
