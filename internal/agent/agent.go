// Package agent implements the browser-side half of the relay. It keeps one
// WebSocket to the hub, attaches the native debugger to tabs, executes the CDP
// commands the hub forwards and streams events and recording chunks back.
//
// All session state lives in a registry.Registry owned by a single loop
// goroutine. Everything else (socket reader, per-tab workers, API handlers)
// talks to it by posting closures to the loop's inbox.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/capture"
	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/registry"
)

// ConnState is the agent's hub connection state.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateReplaced   ConnState = "replaced"
)

// ErrStopped is returned by agent methods once Run has returned.
var ErrStopped = errors.New("agent: stopped")

// Recorder captures a tab into recording chunks.
type Recorder interface {
	Start(ctx context.Context, tabID int, opts capture.Options) (string, error)
	Stop(ctx context.Context, tabID int) error
	Cancel(tabID int)
	HandleEvent(ev debugger.Event) bool
	Chunks() <-chan capture.Chunk
}

// GhostBrowser executes ghost-browser calls. The agent only passes them through.
type GhostBrowser interface {
	Call(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Options configure an Agent.
type Options struct {
	HubURL string
	Token  string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	RetryInterval    time.Duration
	RetryMax         time.Duration
	ReplacedPoll     time.Duration
	CommandTimeout   time.Duration
	RuntimeSettle    time.Duration
	ChunkBufferBytes int

	Recorder   Recorder
	Ghost      GhostBrowser
	HTTPClient *http.Client
}

// OptionsFromConfig maps agent configuration onto Options.
func OptionsFromConfig(cfg *config.AgentConfig) Options {
	return Options{
		HubURL:           cfg.HubURL,
		Token:            cfg.Token,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DialTimeout:      cfg.DialTimeout,
		RetryInterval:    cfg.RetryInterval,
		RetryMax:         cfg.RetryMax,
		ReplacedPoll:     cfg.ReplacedPoll,
		CommandTimeout:   cfg.CommandTimeout,
		RuntimeSettle:    cfg.RuntimeSettle,
		ChunkBufferBytes: cfg.ChunkBufferBytes,
	}
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.DialTimeout <= 0 || o.DialTimeout >= o.HandshakeTimeout {
		o.DialTimeout = o.HandshakeTimeout / 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.RetryMax < o.RetryInterval {
		o.RetryMax = 30 * time.Second
		if o.RetryMax < o.RetryInterval {
			o.RetryMax = o.RetryInterval
		}
	}
	if o.ReplacedPoll <= 0 {
		o.ReplacedPoll = 2 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.RuntimeSettle < 0 {
		o.RuntimeSettle = 0
	}
	if o.ChunkBufferBytes <= 0 {
		o.ChunkBufferBytes = 64 << 20
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

// Agent is the browser agent.
type Agent struct {
	opts     Options
	adapter  debugger.Adapter
	recorder Recorder
	ghost    GhostBrowser

	ctx     context.Context
	inbox   chan func()
	logs    chan protocol.LogParams
	stopped chan struct{}

	// Owned by the loop goroutine.
	reg       *registry.Registry
	state     ConnState
	link      *link
	epoch     uint64
	preserve  bool
	native    map[int]bool
	workers   map[int]*serial
	pending   map[int][]debugger.Event
	childInfo map[string]json.RawMessage
	chunks    *chunkBuffer
}

// New returns an agent driving adapter.
func New(adapter debugger.Adapter, opts Options) *Agent {
	opts.setDefaults()
	return &Agent{
		opts:      opts,
		adapter:   adapter,
		recorder:  opts.Recorder,
		ghost:     opts.Ghost,
		ctx:       context.Background(),
		inbox:     make(chan func(), 64),
		logs:      make(chan protocol.LogParams, 128),
		stopped:   make(chan struct{}),
		reg:       registry.New(),
		state:     StateIdle,
		native:    make(map[int]bool),
		workers:   make(map[int]*serial),
		pending:   make(map[int][]debugger.Event),
		childInfo: make(map[string]json.RawMessage),
		chunks:    newChunkBuffer(opts.ChunkBufferBytes),
	}
}

// Run owns the registry until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.ctx = ctx
	defer close(a.stopped)

	go a.connectLoop(ctx)

	var chunks <-chan capture.Chunk
	if a.recorder != nil {
		chunks = a.recorder.Chunks()
	}
	events := a.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case fn := <-a.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.handleEvent(ev)
		case c := <-chunks:
			a.handleChunk(c)
		case lp := <-a.logs:
			a.forwardLog(lp)
		}
	}
}

// post hands fn to the loop. It reports false once the loop has exited.
func (a *Agent) post(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.stopped:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (a *Agent) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.inbox <- func() { fn(); close(done) }:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker returns tabID's serial command queue, creating it on first use.
func (a *Agent) worker(tabID int) *serial {
	w, ok := a.workers[tabID]
	if !ok {
		w = &serial{}
		a.workers[tabID] = w
	}
	return w
}

func (a *Agent) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.ctx, a.opts.CommandTimeout)
}

func (a *Agent) setState(s ConnState) {
	a.post(func() {
		if a.state != s {
			slog.Debug("agent state", "from", a.state, "to", s)
			a.state = s
		}
	})
}

func (a *Agent) shutdown() {
	if a.link != nil {
		a.link.w.CloseWith(1000, "agent shutdown")
		a.link = nil
	}
	for id, w := range a.workers {
		w.close()
		delete(a.workers, id)
	}
	a.state = StateIdle
	slog.Info("agent stopped", "tabs", a.reg.ConnectedCount())
}

// Snapshot is a point-in-time view of the agent.
type Snapshot struct {
	State          ConnState `json:"state"`
	Epoch          uint64    `json:"epoch"`
	ConnectedTabs  int       `json:"connected_tabs"`
	PreserveTabs   bool      `json:"preserve_tabs"`
	BufferedChunks int       `json:"buffered_chunks"`
	BufferedBytes  int       `json:"buffered_bytes"`
	AutoAttach     bool      `json:"auto_attach"`
}

// Snapshot reports the agent's connection and buffer state.
func (a *Agent) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := a.call(ctx, func() {
		s = Snapshot{
			State:          a.state,
			Epoch:          a.epoch,
			ConnectedTabs:  a.reg.ConnectedCount(),
			PreserveTabs:   a.preserve,
			BufferedChunks: a.chunks.Len(),
			BufferedBytes:  a.chunks.Bytes(),
			AutoAttach:     a.reg.AutoAttach() != nil,
		}
	})
	return s, err
}
