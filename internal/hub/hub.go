// Package hub accepts one browser agent and any number of CDP clients and
// relays commands, events and recording chunks between them.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/events"
	"github.com/dgnsrekt/tab_relay/internal/notify"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/recording"
	"github.com/dgnsrekt/tab_relay/internal/storage"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

const writeTimeout = 10 * time.Second

// Options configures a Hub.
type Options struct {
	Token          string
	AllowRemote    bool
	CommandTimeout time.Duration
	StopTimeout    time.Duration
	PingInterval   time.Duration

	Store    *recording.Store
	Broker   *events.Broker
	Journal  *storage.Journal
	Notifier *notify.Notifier
}

// OptionsFromConfig maps hub configuration onto Options.
func OptionsFromConfig(cfg *config.HubConfig) Options {
	return Options{
		Token:          cfg.Token,
		AllowRemote:    cfg.AllowRemote,
		CommandTimeout: cfg.CommandTimeout,
		StopTimeout:    cfg.StopTimeout,
		PingInterval:   cfg.PingInterval,
	}
}

func (o *Options) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = recording.DefaultStopTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 5 * time.Second
	}
}

type agentConn struct {
	conn   *wsconn.Conn
	w      *wsconn.Writer
	epoch  uint64
	remote string
}

type clientConn struct {
	id     string
	conn   *wsconn.Conn
	w      *wsconn.Writer
	remote string
}

func (c *clientConn) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("hub encode client message failed", "client_id", c.id, "error", err)
		return
	}
	c.w.Text(data)
}

type pendingRequest struct {
	epoch  uint64
	method string
	sentAt time.Time
	timer  *time.Timer
	done   func(json.RawMessage, error)
}

// Hub is the relay between the agent and CDP clients.
type Hub struct {
	opts  Options
	relay *recording.Relay

	mu       sync.Mutex
	agent    *agentConn
	epoch    uint64
	clients  map[string]*clientConn
	sessions *sessions
	pending  map[int64]*pendingRequest
	nextID   int64
	closed   bool
}

// New builds a hub.
func New(opts Options) (*Hub, error) {
	opts.setDefaults()
	if opts.Store == nil {
		store, err := recording.NewStore("./recordings")
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}
	h := &Hub{
		opts:     opts,
		clients:  make(map[string]*clientConn),
		sessions: newSessions(),
		pending:  make(map[int64]*pendingRequest),
	}
	h.relay = recording.NewRelay(opts.Store,
		recording.WithStopTimeout(opts.StopTimeout),
		recording.WithListener(h.recordingFinished))
	return h, nil
}

// Relay returns the hub's recording relay.
func (h *Hub) Relay() *recording.Relay { return h.relay }

// Status reports whether an agent is connected and how many tab sessions it
// has announced.
func (h *Hub) Status() protocol.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return protocol.Status{Connected: h.agent != nil, ActiveTargets: h.sessions.count()}
}

// ClientCount returns the number of connected CDP clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleAgentWS accepts the agent socket.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		slog.Warn("hub agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetWriteTimeout(writeTimeout)
	ac := &agentConn{conn: conn, w: wsconn.NewWriter(conn), remote: r.RemoteAddr}
	if !h.admit(ac) {
		return
	}
	go h.pingLoop(ac)
	h.readAgent(ac)
}

// admit applies single-agent arbitration. An idle active agent is replaced by
// the newcomer; a busy one keeps the slot and the newcomer is refused.
func (h *Hub) admit(ac *agentConn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ac.w.CloseWith(1001, "shutting down")
		return false
	}
	old := h.agent
	if old != nil && h.sessions.count() > 0 {
		active := h.sessions.count()
		h.mu.Unlock()
		slog.Warn("hub agent rejected", "remote", ac.remote, "active_targets", active)
		h.opts.Journal.Record(storage.Entry{Kind: storage.KindAgentRejected, Remote: ac.remote, Detail: protocol.CloseReasonInUse})
		h.opts.Broker.PublishJSON(events.FeedAgent, map[string]any{"event": "rejected", "remote": ac.remote})
		ac.w.CloseWith(protocol.CloseInUse, protocol.CloseReasonInUse)
		return false
	}
	var failed []*pendingRequest
	if old != nil {
		failed = h.takePendingLocked(old.epoch)
		h.sessions.clear()
	}
	h.epoch++
	ac.epoch = h.epoch
	h.agent = ac
	h.mu.Unlock()

	if old != nil {
		slog.Info("hub agent replaced", "old_remote", old.remote, "remote", ac.remote, "epoch", ac.epoch)
		h.opts.Journal.Record(storage.Entry{Kind: storage.KindAgentReplaced, Remote: old.remote})
		old.w.CloseWith(protocol.CloseReplaced, protocol.CloseReasonReplaced)
		failPending(failed, protocol.Errorf(protocol.CodeTransport, "agent replaced"))
	}
	slog.Info("hub agent connected", "remote", ac.remote, "epoch", ac.epoch)
	h.opts.Journal.Record(storage.Entry{Kind: storage.KindAgentConnected, Remote: ac.remote})
	h.opts.Broker.PublishJSON(events.FeedAgent, map[string]any{"event": "connected", "remote": ac.remote, "epoch": ac.epoch})
	return true
}

// disconnectAgent retires ac if it is still the active agent: its pending
// requests fail, clients see every session detach, and the tables are cleared.
func (h *Hub) disconnectAgent(ac *agentConn, reason string) {
	h.mu.Lock()
	if h.agent != ac {
		h.mu.Unlock()
		ac.w.Stop()
		return
	}
	h.agent = nil
	failed := h.takePendingLocked(ac.epoch)
	detaches := h.sessions.clear()
	h.mu.Unlock()

	ac.w.Stop()
	failPending(failed, protocol.Errorf(protocol.CodeTransport, "agent disconnected: %s", reason))
	for _, d := range detaches {
		h.broadcastDetach(d)
	}
	slog.Info("hub agent disconnected", "remote", ac.remote, "epoch", ac.epoch, "reason", reason, "sessions", len(detaches))
	h.opts.Journal.Record(storage.Entry{Kind: storage.KindAgentDisconnected, Remote: ac.remote, Detail: reason})
	h.opts.Broker.PublishJSON(events.FeedAgent, map[string]any{"event": "disconnected", "remote": ac.remote, "reason": reason})
}

// HandleClientWS accepts a CDP client socket.
func (h *Hub) HandleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		slog.Warn("hub client upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetWriteTimeout(writeTimeout)
	c := &clientConn{id: uuid.NewString(), conn: conn, w: wsconn.NewWriter(conn), remote: r.RemoteAddr}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.w.CloseWith(1001, "shutting down")
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Info("hub client connected", "client_id", c.id, "remote", c.remote)
	h.opts.Journal.Record(storage.Entry{Kind: storage.KindClientConnected, Remote: c.remote, Detail: c.id})

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.w.Stop()
		slog.Info("hub client disconnected", "client_id", c.id)
		h.opts.Journal.Record(storage.Entry{Kind: storage.KindClientClosed, Remote: c.remote, Detail: c.id})
	}()

	for {
		data, op, err := conn.Read()
		if err != nil {
			if _, _, ok := wsconn.CloseCode(err); !ok {
				slog.Debug("hub client read ended", "client_id", c.id, "error", err)
			}
			return
		}
		if op != ws.OpText {
			slog.Warn("hub client sent binary frame", "client_id", c.id, "bytes", len(data))
			continue
		}
		h.handleClientFrame(c, data)
	}
}

// Shutdown closes every socket and fails outstanding requests.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	ac := h.agent
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if ac != nil {
		ac.w.CloseWith(1001, "shutting down")
	}
	for _, c := range clients {
		c.w.CloseWith(1001, "shutting down")
	}
	for _, c := range clients {
		select {
		case <-c.w.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) pingLoop(ac *agentConn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	ping, _ := protocol.Encode(protocol.Message{Method: protocol.MethodNamePing})
	for {
		select {
		case <-ac.w.Done():
			return
		case <-ticker.C:
			if !ac.w.Text(ping) {
				return
			}
		}
	}
}

// broadcast sends msg to every connected client.
func (h *Hub) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("hub encode broadcast failed", "method", msg.Method, "error", err)
		return
	}
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.w.Text(data)
	}
}

func (h *Hub) broadcastDetach(d detach) {
	params, _ := json.Marshal(protocol.DetachedFromTargetParams{SessionID: d.SessionID, TargetID: d.TargetID})
	h.broadcast(protocol.Message{Method: protocol.EventDetachedFromTarget, Params: params, SessionID: d.ParentSession})
	h.opts.Journal.Record(storage.Entry{Kind: storage.KindTargetDetached, TabID: d.TabID, SessionID: d.SessionID, TargetID: string(d.TargetID), Detail: "agent lost"})
}
