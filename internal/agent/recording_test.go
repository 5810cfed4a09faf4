package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tab_relay/internal/capture"
	"github.com/dgnsrekt/tab_relay/internal/debugger/debuggertest"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

type recordingRig struct {
	hub   *fakeHub
	fake  *debuggertest.Adapter
	rec   *fakeRecorder
	agent *Agent
	side  *hubSide
	tabID int
}

func newRecordingRig(t *testing.T, bufferBytes int) *recordingRig {
	t.Helper()
	r := &recordingRig{hub: newFakeHub(t), fake: debuggertest.New(), rec: newFakeRecorder()}
	r.tabID = r.fake.AddTab("https://example.com")
	opts := testOptions(r.hub)
	opts.Recorder = r.rec
	opts.ChunkBufferBytes = bufferBytes
	r.agent = startAgent(t, r.fake, opts)
	r.side = r.hub.accept(t)
	waitState(t, r.agent, StateConnected)
	attachTab(t, r.agent, r.side, r.tabID)

	r.side.send(t, 1, protocol.MethodNameStartRecording, protocol.StartRecordingParams{TabID: r.tabID, OutputPath: "out.mjpeg"})
	resp := r.side.response(t, 1)
	if resp.Error != nil {
		t.Fatalf("startRecording error = %+v", resp.Error)
	}
	var res protocol.StartRecordingResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.TabID != r.tabID || res.StartedAt == 0 {
		t.Fatalf("startRecording result = %s", resp.Result)
	}
	return r
}

// goOffline drops the hub connection and keeps the hub unreachable.
func (r *recordingRig) goOffline(t *testing.T) {
	t.Helper()
	r.hub.setDown(true)
	r.side.conn.Close()
	waitFor(t, "agent offline", func() bool {
		snap, err := r.agent.Snapshot(context.Background())
		return err == nil && snap.State != StateConnected
	})
}

func (r *recordingRig) buffered(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "buffered chunks", func() bool {
		snap, _ := r.agent.Snapshot(context.Background())
		return snap.BufferedChunks == n
	})
}

func expectAnnouncement(t *testing.T, side *hubSide, tabID int, final bool) {
	t.Helper()
	msg := side.nextMessage(t)
	if msg.Method != protocol.MethodNameRecordingData {
		t.Fatalf("message = %+v; want recordingData", msg)
	}
	var p protocol.RecordingDataParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.TabID != tabID || p.Final != final {
		t.Fatalf("recordingData params = %s; want tab %d final %v", msg.Params, tabID, final)
	}
}

func expectBinary(t *testing.T, side *hubSide, want string) {
	t.Helper()
	f := side.next(t)
	if f.op != ws.OpBinary || string(f.data) != want {
		t.Fatalf("frame = op %v %q; want binary %q", f.op, f.data, want)
	}
}

func TestChunksStreamAsAnnouncementThenBinary(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("frame-1")}
	expectAnnouncement(t, r.side, r.tabID, false)
	expectBinary(t, r.side, "frame-1")

	r.side.send(t, 2, protocol.MethodNameStopRecording, protocol.TabRef{TabID: r.tabID})
	var sawFinal, sawResponse bool
	for i := 0; i < 2; i++ {
		msg := r.side.nextMessage(t)
		switch {
		case msg.IsResponse() && msg.ID == 2:
			if msg.Error != nil {
				t.Fatalf("stopRecording error = %+v", msg.Error)
			}
			sawResponse = true
		case msg.Method == protocol.MethodNameRecordingData:
			var p protocol.RecordingDataParams
			_ = json.Unmarshal(msg.Params, &p)
			sawFinal = p.Final && p.TabID == r.tabID
		}
	}
	if !sawFinal || !sawResponse {
		t.Fatalf("final = %v, response = %v; want both", sawFinal, sawResponse)
	}

	r.side.send(t, 3, protocol.MethodNameIsRecording, protocol.TabRef{TabID: r.tabID})
	var res protocol.IsRecordingResult
	_ = json.Unmarshal(r.side.response(t, 3).Result, &res)
	if res.IsRecording {
		t.Fatal("isRecording = true after final chunk")
	}
}

func TestBufferedChunksFlushBeforeOtherTraffic(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.goOffline(t)

	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("AAAA")}
	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("BB")}
	r.buffered(t, 2)

	r.hub.setDown(false)
	side := r.hub.accept(t)
	expectAnnouncement(t, side, r.tabID, false)
	expectBinary(t, side, "AAAA")
	expectAnnouncement(t, side, r.tabID, false)
	expectBinary(t, side, "BB")
	ev := eventParams(t, side.nextMessage(t))
	if ev.Method != protocol.EventAttachedToTarget {
		t.Fatalf("first message after flush = %s; want re-attach announcement", ev.Method)
	}

	side.send(t, 4, protocol.MethodNameIsRecording, protocol.TabRef{TabID: r.tabID})
	var res protocol.IsRecordingResult
	_ = json.Unmarshal(side.response(t, 4).Result, &res)
	if !res.IsRecording {
		t.Fatal("recording lost across reconnect")
	}
}

func TestChunkOnFailedWriterIsFlushedOnNextLink(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.hub.setDown(true)
	err := r.agent.call(context.Background(), func() {
		r.agent.link.w.Stop()
		r.agent.handleChunk(capture.Chunk{TabID: r.tabID, Data: []byte("in-flight")})
	})
	if err != nil {
		t.Fatalf("call() error = %v", err)
	}
	r.buffered(t, 1)

	r.hub.setDown(false)
	side := r.hub.accept(t)
	expectAnnouncement(t, side, r.tabID, false)
	expectBinary(t, side, "in-flight")
}

func TestChunkBufferOverflowCancelsRecording(t *testing.T) {
	r := newRecordingRig(t, 10)
	r.goOffline(t)

	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("12345678")}
	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("12345678")}
	waitFor(t, "recorder cancel", func() bool { return len(r.rec.cancelled()) == 1 })
	snap, _ := r.agent.Snapshot(context.Background())
	if snap.BufferedChunks != 1 || snap.BufferedBytes != 0 {
		t.Fatalf("buffer after overflow = %d items, %d bytes; want only the cancel notice", snap.BufferedChunks, snap.BufferedBytes)
	}

	r.hub.setDown(false)
	side := r.hub.accept(t)
	msg := side.nextMessage(t)
	if msg.Method != protocol.MethodNameRecordingCancelled {
		t.Fatalf("first message = %+v; want recordingCancelled", msg)
	}
	var p protocol.RecordingCancelledParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.TabID != r.tabID || p.Reason != ReasonOverflow {
		t.Fatalf("recordingCancelled params = %s", msg.Params)
	}
}

func TestCancelRecordingNotifiesHub(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.side.send(t, 5, protocol.MethodNameCancelRecording, protocol.TabRef{TabID: r.tabID})
	msg := r.side.nextMessage(t)
	if msg.Method != protocol.MethodNameRecordingCancelled {
		t.Fatalf("message = %+v; want recordingCancelled", msg)
	}
	r.side.response(t, 5)
	if got := r.rec.cancelled(); len(got) != 1 || got[0] != r.tabID {
		t.Fatalf("recorder cancels = %v", got)
	}

	// Chunks produced after the cancel are not forwarded.
	r.rec.chunks <- capture.Chunk{TabID: r.tabID, Data: []byte("late")}
	r.side.send(t, 6, protocol.MethodNamePing, nil)
	if msg := r.side.nextMessage(t); msg.Method != protocol.MethodNamePong {
		t.Fatalf("message after cancel = %+v; want only pong", msg)
	}
}

func TestStartRecordingRejectsDuplicatesAndUnknownTabs(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.side.send(t, 7, protocol.MethodNameStartRecording, protocol.StartRecordingParams{TabID: r.tabID, OutputPath: "again.mjpeg"})
	if resp := r.side.response(t, 7); resp.Error == nil || resp.Error.Data != protocol.CodeRecording {
		t.Fatalf("duplicate start = %+v; want RECORDING", resp)
	}
	r.side.send(t, 8, protocol.MethodNameStartRecording, protocol.StartRecordingParams{TabID: 999, OutputPath: "x.mjpeg"})
	if resp := r.side.response(t, 8); resp.Error == nil || resp.Error.Data != protocol.CodeRecording {
		t.Fatalf("start on unknown tab = %+v; want RECORDING", resp)
	}
}

func TestDetachCancelsRecording(t *testing.T) {
	r := newRecordingRig(t, 0)
	r.fake.EmitDetach(r.tabID, "gone")
	msg := r.side.nextMessage(t)
	if msg.Method != protocol.MethodNameRecordingCancelled {
		t.Fatalf("first message = %+v; want recordingCancelled", msg)
	}
	detachedSession(t, r.side.nextMessage(t))
}

func TestChunkBufferDropTab(t *testing.T) {
	b := newChunkBuffer(100)
	b.push(bufferedChunk{tabID: 1, data: []byte("aaa")})
	b.push(bufferedChunk{tabID: 2, data: []byte("bb")})
	b.push(bufferedChunk{tabID: 1, data: []byte("c")})
	b.dropTab(1)
	if b.Len() != 1 || b.Bytes() != 2 {
		t.Fatalf("after dropTab: %d items, %d bytes; want 1, 2", b.Len(), b.Bytes())
	}
	if !b.push(bufferedChunk{tabID: 3, data: make([]byte, 98)}) {
		t.Fatal("push() at the cap = false")
	}
	if b.push(bufferedChunk{tabID: 3, data: []byte("x")}) {
		t.Fatal("push() over the cap = true")
	}
	if items := b.drain(); len(items) != 3 || b.Len() != 0 || b.Bytes() != 0 {
		t.Fatalf("drain() = %d items, buffer left %d/%d", len(items), b.Len(), b.Bytes())
	}
}
