package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

const writeTimeout = 10 * time.Second

// link is one hub connection epoch.
type link struct {
	conn  *wsconn.Conn
	w     *wsconn.Writer
	epoch uint64
}

func (l *link) send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("agent encode failed", "method", msg.Method, "error", err)
		return false
	}
	return l.w.Text(data)
}

// connectLoop keeps a hub connection alive until ctx is done.
func (a *Agent) connectLoop(ctx context.Context) {
	delay := a.opts.RetryInterval
	for ctx.Err() == nil {
		a.setState(StateConnecting)
		conn, err := a.handshake(ctx)
		if err != nil {
			slog.Debug("agent connect failed", "error", err, "retry_in_ms", delay.Milliseconds())
			a.setState(StateIdle)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > a.opts.RetryMax {
				delay = a.opts.RetryMax
			}
			continue
		}
		delay = a.opts.RetryInterval

		var l *link
		if err := a.call(ctx, func() { l = a.onConnected(conn) }); err != nil {
			conn.Close()
			return
		}
		code, reason := a.readLoop(l)
		replaced := code == protocol.CloseReplaced || code == protocol.CloseInUse
		if err := a.call(ctx, func() { a.onDisconnected(l, code, reason, replaced) }); err != nil {
			return
		}
		if replaced {
			a.waitForRelease(ctx)
			a.setState(StateIdle)
		}
	}
}

// handshake probes the hub and dials it. The whole exchange is bounded by the
// handshake timeout; each step is bounded by the dial timeout.
func (a *Agent) handshake(ctx context.Context) (*wsconn.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()

	if _, err := a.probe(hctx); err != nil {
		return nil, err
	}

	dctx, dcancel := context.WithTimeout(hctx, a.opts.DialTimeout)
	defer dcancel()
	header := http.Header{}
	if a.opts.Token != "" {
		header.Set(protocol.TokenHeader, a.opts.Token)
	}
	conn, err := wsconn.Dial(dctx, config.WSURL(a.opts.HubURL, "/extension"), wsconn.DialOptions{
		Header:       header,
		WriteTimeout: writeTimeout,
	})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeTransport, "dial hub", err)
	}
	return conn, nil
}

// probe fetches the hub's liveness document.
func (a *Agent) probe(ctx context.Context) (protocol.Status, error) {
	pctx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, config.HTTPURL(a.opts.HubURL)+"/status", nil)
	if err != nil {
		return protocol.Status{}, protocol.NewError(protocol.CodeValidation, "build status request", err)
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return protocol.Status{}, protocol.NewError(protocol.CodeTransport, "probe hub", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return protocol.Status{}, protocol.Errorf(protocol.CodeTransport, "probe hub: status %d", resp.StatusCode)
	}
	var st protocol.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return protocol.Status{}, protocol.NewError(protocol.CodeProtocol, "decode hub status", err)
	}
	return st, nil
}

// readLoop delivers hub messages to the loop until the socket fails. It returns
// the peer's close code, or 0 when there was none.
func (a *Agent) readLoop(l *link) (uint16, string) {
	for {
		data, op, err := l.conn.Read()
		if err != nil {
			code, reason, _ := wsconn.CloseCode(err)
			slog.Debug("agent hub read ended", "epoch", l.epoch, "error", err)
			return code, reason
		}
		if op != ws.OpText {
			slog.Warn("agent dropped binary frame from hub", "bytes", len(data))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("agent malformed hub message", "error", err)
			continue
		}
		if !a.post(func() { a.handleHubMessage(l, msg) }) {
			return 0, ""
		}
	}
}

// onConnected publishes a new link. Buffered recording chunks are queued on it
// before anything else, then every connected tab is re-attached.
func (a *Agent) onConnected(conn *wsconn.Conn) *link {
	a.epoch++
	l := &link{conn: conn, w: wsconn.NewWriter(conn), epoch: a.epoch}
	flushed := a.chunks.Len()
	items := a.chunks.drain()
	for i, item := range items {
		if !a.writeChunk(l, item) {
			for _, rest := range items[i:] {
				a.chunks.push(rest)
			}
			break
		}
	}
	a.link = l
	a.state = StateConnected
	a.preserve = false
	slog.Info("agent connected to hub", "epoch", l.epoch, "flushed_chunks", flushed, "tabs", a.reg.ConnectedCount())
	a.reattachAll()
	return l
}

func (a *Agent) onDisconnected(l *link, code uint16, reason string, replaced bool) {
	if a.link != l {
		return
	}
	l.w.Stop()
	a.link = nil
	if replaced {
		a.state = StateReplaced
		a.preserve = true
		slog.Warn("agent replaced by another agent", "code", code, "reason", reason)
		a.releaseAll()
		return
	}
	a.state = StateIdle
	slog.Info("agent disconnected from hub", "epoch", l.epoch, "code", code, "reason", reason)
}

// waitForRelease polls the hub until no agent holds the slot.
func (a *Agent) waitForRelease(ctx context.Context) {
	for {
		if !sleepCtx(ctx, a.opts.ReplacedPoll) {
			return
		}
		st, err := a.probe(ctx)
		if err != nil {
			slog.Debug("agent replaced poll failed", "error", err)
			return
		}
		if !st.Connected {
			slog.Info("agent relay slot free")
			return
		}
	}
}

// send writes msg on the current link.
func (a *Agent) send(msg protocol.Message) bool {
	if a.link == nil {
		return false
	}
	return a.link.send(msg)
}

func (a *Agent) notify(method string, params any) bool {
	msg, err := protocol.Notification(method, params)
	if err != nil {
		slog.Error("agent encode notification failed", "method", method, "error", err)
		return false
	}
	return a.send(msg)
}

// reply answers a hub request, but only on the link it arrived on.
func (a *Agent) reply(l *link, id int64, result any, err error) {
	if l == nil || a.link != l {
		slog.Debug("agent dropped stale response", "id", id)
		return
	}
	var msg protocol.Message
	if err != nil {
		msg = protocol.ErrorResponse(id, "", err)
	} else {
		var merr error
		msg, merr = protocol.Response(id, "", result)
		if merr != nil {
			msg = protocol.ErrorResponse(id, "", merr)
		}
	}
	l.send(msg)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errUnknownSession(sessionID string) error {
	return protocol.Errorf(protocol.CodeRouting, "unknown session %q", sessionID)
}
