package agent

import (
	"log/slog"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/capture"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/registry"
)

// ReasonOverflow is sent in recordingCancelled when the offline chunk buffer
// overflowed.
const ReasonOverflow = "chunk buffer overflow"

type bufferedChunk struct {
	tabID     int
	data      []byte
	final     bool
	cancelled bool
	reason    string
}

// chunkBuffer holds recording traffic produced while the hub is unreachable.
type chunkBuffer struct {
	items []bufferedChunk
	bytes int
	max   int
}

func newChunkBuffer(max int) *chunkBuffer {
	return &chunkBuffer{max: max}
}

// push appends item and reports whether the buffer is still within its cap.
func (b *chunkBuffer) push(item bufferedChunk) bool {
	b.items = append(b.items, item)
	b.bytes += len(item.data)
	return b.bytes <= b.max
}

// dropTab discards every buffered item for tabID.
func (b *chunkBuffer) dropTab(tabID int) {
	kept := b.items[:0]
	for _, item := range b.items {
		if item.tabID == tabID {
			b.bytes -= len(item.data)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = bufferedChunk{}
	}
	b.items = kept
}

func (b *chunkBuffer) drain() []bufferedChunk {
	out := b.items
	b.items = nil
	b.bytes = 0
	return out
}

func (b *chunkBuffer) Len() int   { return len(b.items) }
func (b *chunkBuffer) Bytes() int { return b.bytes }

// writeChunk queues item on l. A data chunk and its announcement are one
// writer item, so nothing can land between them. It reports false when the
// writer no longer accepts frames.
func (a *Agent) writeChunk(l *link, item bufferedChunk) bool {
	switch {
	case item.cancelled:
		msg, _ := protocol.Notification(protocol.MethodNameRecordingCancelled, protocol.RecordingCancelledParams{TabID: item.tabID, Reason: item.reason})
		return l.send(msg)
	case item.final:
		msg, _ := protocol.Notification(protocol.MethodNameRecordingData, protocol.RecordingDataParams{TabID: item.tabID, Final: true})
		return l.send(msg)
	default:
		msg, _ := protocol.Notification(protocol.MethodNameRecordingData, protocol.RecordingDataParams{TabID: item.tabID})
		text, err := protocol.Encode(msg)
		if err != nil {
			slog.Error("agent encode recording announcement failed", "tab_id", item.tabID, "error", err)
			return true
		}
		return l.w.Pair(text, item.data)
	}
}

// deliverChunk sends item now, or buffers it while disconnected or while the
// link is failing. Overflow cancels the recording that pushed the buffer over
// its cap.
func (a *Agent) deliverChunk(item bufferedChunk) {
	if a.link != nil && a.writeChunk(a.link, item) {
		return
	}
	if a.chunks.push(item) {
		return
	}
	slog.Warn("agent chunk buffer overflow", "tab_id", item.tabID, "buffered_bytes", a.chunks.Bytes(), "max_bytes", a.chunks.max)
	if tab, ok := a.reg.Tab(item.tabID); ok && tab.Recording != nil {
		a.abandonRecording(item.tabID, ReasonOverflow)
		return
	}
	a.chunks.dropTab(item.tabID)
}

func (a *Agent) handleChunk(c capture.Chunk) {
	tab, ok := a.reg.Tab(c.TabID)
	if !ok || tab.Recording == nil {
		return
	}
	if c.Final {
		tab.Recording = nil
		slog.Info("agent recording finished", "tab_id", c.TabID)
	}
	a.deliverChunk(bufferedChunk{tabID: c.TabID, data: c.Data, final: c.Final})
}

// abandonRecording stops capture for tabID without a final chunk, drops what
// is buffered and tells the hub.
func (a *Agent) abandonRecording(tabID int, reason string) {
	if a.recorder != nil {
		a.recorder.Cancel(tabID)
	}
	a.chunks.dropTab(tabID)
	if tab, ok := a.reg.Tab(tabID); ok {
		tab.Recording = nil
	}
	slog.Info("agent recording cancelled", "tab_id", tabID, "reason", reason)
	a.deliverChunk(bufferedChunk{tabID: tabID, cancelled: true, reason: reason})
}

func (a *Agent) startRecording(l *link, msg protocol.Message) {
	var p protocol.StartRecordingParams
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	if a.recorder == nil {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRecording, "recording is not available"))
		return
	}
	tab, ok := a.lookupTab(p.TabID, p.SessionID)
	if !ok || tab.State != registry.StateConnected {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRecording, "tab is not connected"))
		return
	}
	if tab.Recording != nil {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRecording, "tab %d is already recording", tab.TabID))
		return
	}
	tabID, id := tab.TabID, msg.ID
	tab.Recording = &registry.RecordingHandle{}
	opts := capture.Options{Quality: p.Quality, MaxWidth: p.MaxWidth, MaxHeight: p.MaxHeight}
	a.worker(tabID).submit(func() {
		ctx, cancel := a.commandContext()
		streamID, err := a.recorder.Start(ctx, tabID, opts)
		cancel()
		startedAt := time.Now()
		a.post(func() {
			tab, ok := a.reg.Tab(tabID)
			if err != nil {
				if ok {
					tab.Recording = nil
				}
				a.reply(l, id, nil, err)
				return
			}
			if !ok || tab.Recording == nil {
				a.recorder.Cancel(tabID)
				a.reply(l, id, nil, protocol.Errorf(protocol.CodeRecording, "tab %d went away while starting", tabID))
				return
			}
			tab.Recording.StreamID = streamID
			tab.Recording.StartedAt = startedAt
			slog.Info("agent recording started", "tab_id", tabID, "stream_id", streamID)
			a.reply(l, id, protocol.StartRecordingResult{TabID: tabID, StartedAt: startedAt.UnixMilli()}, nil)
		})
	})
}

func (a *Agent) stopRecording(l *link, msg protocol.Message) {
	var p protocol.TabRef
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	tab, ok := a.lookupTab(p.TabID, p.SessionID)
	if !ok || tab.Recording == nil || a.recorder == nil {
		a.reply(l, msg.ID, nil, protocol.Errorf(protocol.CodeRecording, "tab is not recording"))
		return
	}
	if tab.Recording.Stopping {
		a.reply(l, msg.ID, nil, nil)
		return
	}
	tab.Recording.Stopping = true
	tabID, id := tab.TabID, msg.ID
	go func() {
		ctx, cancel := a.commandContext()
		err := a.recorder.Stop(ctx, tabID)
		cancel()
		a.post(func() { a.reply(l, id, nil, err) })
	}()
}

func (a *Agent) cancelRecording(l *link, msg protocol.Message) {
	var p protocol.TabRef
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	if tab, ok := a.lookupTab(p.TabID, p.SessionID); ok && tab.Recording != nil {
		a.abandonRecording(tab.TabID, "cancelled")
	}
	if msg.IsRequest() {
		a.reply(l, msg.ID, nil, nil)
	}
}

func (a *Agent) isRecording(l *link, msg protocol.Message) {
	var p protocol.TabRef
	if err := msg.DecodeParams(&p); err != nil {
		a.reply(l, msg.ID, nil, err)
		return
	}
	tab, ok := a.lookupTab(p.TabID, p.SessionID)
	a.reply(l, msg.ID, protocol.IsRecordingResult{IsRecording: ok && tab.Recording != nil}, nil)
}
