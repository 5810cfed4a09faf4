// Package capture turns a tab's CDP screencast into a stream of recording
// chunks. Each chunk is one JPEG frame, so the concatenated stream is MJPEG.
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// Chunk is a piece of a recording. A Final chunk carries no data and ends the
// stream for its tab.
type Chunk struct {
	TabID int
	Data  []byte
	Final bool
}

// Options tune the screencast.
type Options struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

type frame struct {
	data  string
	ackID int64
}

type session struct {
	tabID    int
	streamID string
	frames   chan frame
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  atomic.Bool
}

// Screencast records tabs through Page.startScreencast.
type Screencast struct {
	adapter debugger.Adapter

	mu       sync.Mutex
	sessions map[int]*session
	chunks   chan Chunk
}

// NewScreencast returns a recorder driving adapter.
func NewScreencast(adapter debugger.Adapter) *Screencast {
	return &Screencast{
		adapter:  adapter,
		sessions: make(map[int]*session),
		chunks:   make(chan Chunk, 256),
	}
}

// Chunks delivers encoded data in production order per tab.
func (s *Screencast) Chunks() <-chan Chunk { return s.chunks }

// Recording reports whether tabID has an active screencast.
func (s *Screencast) Recording(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[tabID]
	return ok
}

// Start begins capturing tabID and returns the capture stream id.
func (s *Screencast) Start(ctx context.Context, tabID int, opts Options) (string, error) {
	s.mu.Lock()
	if _, ok := s.sessions[tabID]; ok {
		s.mu.Unlock()
		return "", protocol.Errorf(protocol.CodeRecording, "tab %d is already recording", tabID)
	}
	sess := &session{
		tabID:    tabID,
		streamID: uuid.NewString(),
		frames:   make(chan frame, 128),
		done:     make(chan struct{}),
	}
	s.sessions[tabID] = sess
	s.mu.Unlock()

	params := page.StartScreencast().WithFormat(page.ScreencastFormatJpeg).WithEveryNthFrame(1)
	if opts.Quality > 0 {
		params = params.WithQuality(int64(opts.Quality))
	}
	if opts.MaxWidth > 0 {
		params = params.WithMaxWidth(int64(opts.MaxWidth))
	}
	if opts.MaxHeight > 0 {
		params = params.WithMaxHeight(int64(opts.MaxHeight))
	}
	raw, err := json.Marshal(params)
	if err != nil {
		s.forget(tabID)
		return "", protocol.NewError(protocol.CodeRecording, "encode screencast params", err)
	}
	if _, err := s.adapter.Send(ctx, debugger.Debuggee{TabID: tabID}, page.CommandStartScreencast, raw); err != nil {
		s.forget(tabID)
		return "", protocol.NewError(protocol.CodeRecording, "start screencast", err)
	}

	sess.wg.Add(1)
	go s.writerLoop(sess)
	slog.Info("capture started", "tab_id", tabID, "stream_id", sess.streamID)
	return sess.streamID, nil
}

// HandleEvent consumes Page.screencastFrame events for recording tabs and
// reports whether it did. It never blocks.
func (s *Screencast) HandleEvent(ev debugger.Event) bool {
	if ev.Method != protocol.EventScreencastFrame || ev.SessionID != "" {
		return false
	}
	s.mu.Lock()
	sess, ok := s.sessions[ev.TabID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	var evt struct {
		Data      string `json:"data"`
		SessionID int64  `json:"sessionId"`
	}
	if err := json.Unmarshal(ev.Params, &evt); err != nil {
		slog.Warn("capture bad frame", "tab_id", ev.TabID, "error", err)
		return true
	}

	select {
	case sess.frames <- frame{data: evt.Data, ackID: evt.SessionID}:
	default:
		// Writer is behind: ack so the browser keeps sending, drop the frame.
		go s.ack(sess.tabID, evt.SessionID)
	}
	return true
}

// Stop ends the screencast, waits for pending frames, and emits the final
// chunk. Must not be called from the goroutine draining Chunks.
func (s *Screencast) Stop(ctx context.Context, tabID int) error {
	sess, ok := s.forget(tabID)
	if !ok {
		return protocol.Errorf(protocol.CodeRecording, "tab %d is not recording", tabID)
	}
	_, err := s.adapter.Send(ctx, debugger.Debuggee{TabID: tabID}, page.CommandStopScreencast, nil)
	sess.stop()
	sess.wg.Wait()
	s.chunks <- Chunk{TabID: tabID, Final: true}
	slog.Info("capture stopped", "tab_id", tabID, "stream_id", sess.streamID)
	if err != nil {
		slog.Warn("capture stop screencast failed", "tab_id", tabID, "error", err)
	}
	return nil
}

// Cancel abandons a recording without a final chunk. Frames not yet emitted
// are discarded.
func (s *Screencast) Cancel(tabID int) {
	sess, ok := s.forget(tabID)
	if !ok {
		return
	}
	sess.dropped.Store(true)
	sess.stop()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = s.adapter.Send(ctx, debugger.Debuggee{TabID: tabID}, page.CommandStopScreencast, nil)
	}()
	slog.Info("capture cancelled", "tab_id", tabID, "stream_id", sess.streamID)
}

func (s *Screencast) forget(tabID int) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tabID]
	delete(s.sessions, tabID)
	return sess, ok
}

func (sess *session) stop() {
	sess.stopOnce.Do(func() { close(sess.done) })
}

// writerLoop acks each frame first and decodes second.
func (s *Screencast) writerLoop(sess *session) {
	defer sess.wg.Done()
	for {
		select {
		case f := <-sess.frames:
			s.process(sess, f)
		case <-sess.done:
			if sess.dropped.Load() {
				return
			}
			for {
				select {
				case f := <-sess.frames:
					s.process(sess, f)
				default:
					return
				}
			}
		}
	}
}

func (s *Screencast) process(sess *session, f frame) {
	s.ack(sess.tabID, f.ackID)
	data, err := base64.StdEncoding.DecodeString(f.data)
	if err != nil {
		slog.Warn("capture base64 decode failed", "tab_id", sess.tabID, "error", err)
		return
	}
	if sess.dropped.Load() {
		return
	}
	s.chunks <- Chunk{TabID: sess.tabID, Data: data}
}

func (s *Screencast) ack(tabID int, ackID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, _ := json.Marshal(page.ScreencastFrameAck(ackID))
	_, _ = s.adapter.Send(ctx, debugger.Debuggee{TabID: tabID}, page.CommandScreencastFrameAck, raw)
}
