package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/events"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/storage"
)

// recordingTab resolves the tab a recording request addresses.
func (h *Hub) recordingTab(ref protocol.TabRef) (int, error) {
	if ref.SessionID == "" {
		if ref.TabID == 0 {
			return 0, protocol.Errorf(protocol.CodeRecording, "tabId or sessionId is required")
		}
		return ref.TabID, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.sessions.owner(ref.SessionID)
	if t == nil {
		return 0, protocol.Errorf(protocol.CodeRecording, "unknown session %q", ref.SessionID)
	}
	return t.TabID, nil
}

func (h *Hub) startRecording(c *clientConn, msg protocol.Message) {
	var p protocol.StartRecordingParams
	if err := msg.DecodeParams(&p); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	tabID, err := h.recordingTab(protocol.TabRef{TabID: p.TabID, SessionID: p.SessionID})
	if err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	if err := h.relay.Begin(tabID, p.Label, p.OutputPath); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	p.TabID, p.SessionID = tabID, ""
	h.request(protocol.MethodNameStartRecording, p, func(result json.RawMessage, err error) {
		if err != nil {
			h.relay.Abort(tabID)
			slog.Warn("hub recording start failed", "tab_id", tabID, "error", err)
			h.respond(c, msg, nil, err)
			return
		}
		var res protocol.StartRecordingResult
		if err := json.Unmarshal(result, &res); err == nil && res.StartedAt > 0 {
			h.relay.Started(tabID, time.UnixMilli(res.StartedAt))
		}
		slog.Info("hub recording started", "tab_id", tabID, "output_path", p.OutputPath)
		h.opts.Journal.Record(storage.Entry{Kind: storage.KindRecordingStarted, TabID: tabID, Detail: p.OutputPath})
		h.opts.Broker.PublishJSON(events.FeedRecording, map[string]any{"event": "started", "tab_id": tabID, "label": p.Label})
		h.respond(c, msg, result, nil)
	})
}

// stopRecording asks the agent to finish and resolves once the final chunk is
// saved, the recording is cancelled, or the stop timeout passes.
func (h *Hub) stopRecording(c *clientConn, msg protocol.Message) {
	var ref protocol.TabRef
	if err := msg.DecodeParams(&ref); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	tabID, err := h.recordingTab(ref)
	if err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	go func() {
		res := h.relay.Stop(context.Background(), tabID, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), h.opts.CommandTimeout)
			defer cancel()
			_, err := h.call(ctx, protocol.MethodNameStopRecording, protocol.TabRef{TabID: tabID})
			return err
		})
		h.respond(c, msg, res, nil)
	}()
}

func (h *Hub) isRecording(c *clientConn, msg protocol.Message) {
	var ref protocol.TabRef
	if err := msg.DecodeParams(&ref); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	tabID, err := h.recordingTab(ref)
	if err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	h.respond(c, msg, protocol.IsRecordingResult{IsRecording: h.relay.IsRecording(tabID)}, nil)
}

// cancelRecording discards the hub's chunks at once and tells the agent to stop
// capturing. It always succeeds.
func (h *Hub) cancelRecording(c *clientConn, msg protocol.Message) {
	var ref protocol.TabRef
	if err := msg.DecodeParams(&ref); err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	tabID, err := h.recordingTab(ref)
	if err != nil {
		h.respond(c, msg, nil, err)
		return
	}
	h.relay.Cancel(tabID, "")
	h.request(protocol.MethodNameCancelRecording, protocol.TabRef{TabID: tabID}, func(_ json.RawMessage, err error) {
		if err != nil {
			slog.Debug("hub agent cancelRecording failed", "tab_id", tabID, "error", err)
		}
		h.respond(c, msg, nil, nil)
	})
}

// recordingFinished is the relay listener.
func (h *Hub) recordingFinished(tabID int, res protocol.StopRecordingResult) {
	if h.opts.Notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.opts.Notifier.Recording(ctx, tabID, res); err != nil {
				slog.Warn("hub recording notification failed", "tab_id", tabID, "error", err)
			}
		}()
	}
	if res.Success {
		h.opts.Journal.Record(storage.Entry{Kind: storage.KindRecordingSaved, TabID: tabID, Detail: res.Path})
		h.opts.Broker.PublishJSON(events.FeedRecording, map[string]any{"event": "saved", "tab_id": tabID, "path": res.Path, "size": res.Size, "duration": res.Duration})
		return
	}
	h.opts.Journal.Record(storage.Entry{Kind: storage.KindRecordingFailed, TabID: tabID, Detail: res.Error})
	h.opts.Broker.PublishJSON(events.FeedRecording, map[string]any{"event": "failed", "tab_id": tabID, "error": res.Error})
}
