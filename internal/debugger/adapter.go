// Package debugger defines the native per-tab debugging capability the agent
// drives, and a Chrome implementation speaking raw CDP over a browser-level
// WebSocket with flattened sessions.
package debugger

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/target"
)

// Debuggee addresses a command or event. An empty SessionID means the tab's own
// session; otherwise it is a child session auto-attached under the tab.
type Debuggee struct {
	TabID     int
	SessionID string
}

// Event is pushed by an Adapter. When Detached is set the adapter lost its
// attachment to the tab and Method/Params are empty.
type Event struct {
	Debuggee
	Method   string
	Params   json.RawMessage
	Detached bool
	Reason   string
}

type dispatchedKey struct{}

// WithDispatched returns a context that makes Send call fn once the command
// has been handed to the browser, before its response arrives. Adapters that
// never report it are treated as dispatched when Send returns.
func WithDispatched(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, dispatchedKey{}, fn)
}

// Dispatched runs the hook installed by WithDispatched, if any.
func Dispatched(ctx context.Context) {
	if fn, ok := ctx.Value(dispatchedKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// Tab describes a browser tab the adapter can attach to.
type Tab struct {
	TabID    int       `json:"tab_id"`
	TargetID target.ID `json:"target_id"`
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Attached bool      `json:"attached"`
}

// Adapter is the attach/command/event/detach primitive of the host browser.
// Events must never block the implementation's reader: the channel returned by
// Events is fed from an unbounded queue. Send may be called concurrently and
// reports dispatch through Dispatched.
type Adapter interface {
	Attach(ctx context.Context, tabID int) error
	Detach(ctx context.Context, tabID int) error
	Send(ctx context.Context, d Debuggee, method string, params json.RawMessage) (json.RawMessage, error)
	CreateTab(ctx context.Context, url string) (int, error)
	CloseTab(ctx context.Context, tabID int) error
	TabExists(ctx context.Context, tabID int) bool
	Tabs(ctx context.Context) ([]Tab, error)
	Events() <-chan Event
}
