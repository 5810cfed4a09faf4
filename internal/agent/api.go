package agent

import (
	"context"
	"net/http"

	"github.com/chromedp/cdproto/target"
	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tab_relay/internal/api"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/registry"
)

// TabView is a browser tab as seen through the agent.
type TabView struct {
	TabID     int       `json:"tab_id"`
	TargetID  target.ID `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Recording bool      `json:"recording"`
	Error     string    `json:"error,omitempty"`
}

func viewOf(tab *registry.TabSession) TabView {
	v := TabView{
		TabID:     tab.TabID,
		TargetID:  tab.TargetID,
		State:     string(tab.State),
		SessionID: tab.SessionID,
		Recording: tab.Recording != nil,
		Error:     tab.Err,
	}
	if tab.TargetInfo != nil {
		v.URL = tab.TargetInfo.URL
		v.Title = tab.TargetInfo.Title
	}
	return v
}

// Tabs lists the browser's tabs merged with their session state.
func (a *Agent) Tabs(ctx context.Context) ([]TabView, error) {
	tabs, err := a.adapter.Tabs(ctx)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "list tabs", err)
	}
	out := make([]TabView, len(tabs))
	err = a.call(ctx, func() {
		for i, t := range tabs {
			v := TabView{TabID: t.TabID, TargetID: t.TargetID, URL: t.URL, Title: t.Title}
			if tab, ok := a.reg.Tab(t.TabID); ok {
				rv := viewOf(tab)
				v.State, v.SessionID, v.Recording, v.Error = rv.State, rv.SessionID, rv.Recording, rv.Error
			}
			out[i] = v
		}
	})
	return out, err
}

// AttachTab attaches the debugger to an existing tab.
func (a *Agent) AttachTab(ctx context.Context, tabID int) (TabView, error) {
	if !a.adapter.TabExists(ctx, tabID) {
		return TabView{}, protocol.Errorf(protocol.CodeRouting, "no tab with id %d", tabID)
	}
	return a.await(ctx, func(done func(*registry.TabSession, error)) {
		a.attach(tabID, attachOpts{emit: true, done: done})
	})
}

// OpenTab opens url in a new tab and, when attach is set, attaches to it.
func (a *Agent) OpenTab(ctx context.Context, url string, attach bool) (TabView, error) {
	if attach {
		return a.await(ctx, func(done func(*registry.TabSession, error)) {
			a.openTab(url, true, done)
		})
	}
	if url == "" {
		url = defaultTabURL
	}
	tabID, err := a.adapter.CreateTab(ctx, url)
	if err != nil {
		return TabView{}, protocol.NewError(protocol.CodeUpstream, "create tab", err)
	}
	return TabView{TabID: tabID, URL: url}, nil
}

// DetachTab releases the debugger from a tab and drops its sessions.
func (a *Agent) DetachTab(ctx context.Context, tabID int) error {
	var found bool
	err := a.call(ctx, func() {
		if _, found = a.reg.Tab(tabID); found {
			a.dropTab(tabID, ReasonDetached, true)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return protocol.Errorf(protocol.CodeRouting, "tab %d is not attached", tabID)
	}
	return nil
}

type attachResult struct {
	view TabView
	err  error
}

// await runs start on the loop and waits for the attach callback it is given.
func (a *Agent) await(ctx context.Context, start func(done func(*registry.TabSession, error))) (TabView, error) {
	res := make(chan attachResult, 1)
	err := a.call(ctx, func() {
		start(func(tab *registry.TabSession, err error) {
			if err != nil {
				res <- attachResult{err: err}
				return
			}
			res <- attachResult{view: viewOf(tab)}
		})
	})
	if err != nil {
		return TabView{}, err
	}
	select {
	case r := <-res:
		return r.view, r.err
	case <-ctx.Done():
		return TabView{}, protocol.NewError(protocol.CodeTimeout, "attach", ctx.Err())
	case <-a.stopped:
		return TabView{}, ErrStopped
	}
}

type tabIDInput struct {
	TabID int `path:"tab_id"`
}

type tabOutput struct {
	Body TabView
}

// NewAPIHandler serves the agent's local tab-control API.
func NewAPIHandler(a *Agent) http.Handler {
	router, hapi := api.New("Browser Agent API", "1.0.0")

	type listOutput struct {
		Body struct {
			Tabs []TabView `json:"tabs"`
		}
	}
	huma.Register(hapi, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			tabs, err := a.Tabs(ctx)
			if err != nil {
				return nil, api.MapErr(err)
			}
			out := &listOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type openInput struct {
		Body struct {
			URL    string `json:"url,omitempty" doc:"URL to open"`
			Attach bool   `json:"attach,omitempty" doc:"Attach the debugger once the tab exists"`
		}
	}
	huma.Register(hapi, huma.Operation{OperationID: "open-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Open a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *openInput) (*tabOutput, error) {
			view, err := a.OpenTab(ctx, input.Body.URL, input.Body.Attach)
			if err != nil {
				return nil, api.MapErr(err)
			}
			return &tabOutput{Body: view}, nil
		})

	huma.Register(hapi, huma.Operation{OperationID: "attach-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/attach", Summary: "Attach the debugger to a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			view, err := a.AttachTab(ctx, input.TabID)
			if err != nil {
				return nil, api.MapErr(err)
			}
			return &tabOutput{Body: view}, nil
		})

	type detachOutput struct {
		Body struct {
			TabID  int    `json:"tab_id"`
			Status string `json:"status"`
		}
	}
	huma.Register(hapi, huma.Operation{OperationID: "detach-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/attach", Summary: "Detach the debugger from a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*detachOutput, error) {
			if err := a.DetachTab(ctx, input.TabID); err != nil {
				return nil, api.MapErr(err)
			}
			out := &detachOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "detached"
			return out, nil
		})

	type stateOutput struct {
		Body Snapshot
	}
	huma.Register(hapi, huma.Operation{OperationID: "agent-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Agent connection state", Tags: []string{"Agent"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			snap, err := a.Snapshot(ctx)
			if err != nil {
				return nil, api.MapErr(err)
			}
			return &stateOutput{Body: snap}, nil
		})

	return router
}
