package hub

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/dgnsrekt/tab_relay/internal/api"
	"github.com/dgnsrekt/tab_relay/internal/events"
	"github.com/dgnsrekt/tab_relay/internal/netutil"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/recording"
)

// NewHandler serves the hub: the agent and client sockets, the liveness
// endpoint, the recordings API and the SSE feed.
func NewHandler(h *Hub) http.Handler {
	router, hapi := api.New("Relay Hub API", "1.0.0")

	router.Group(func(r chi.Router) {
		r.Use(h.guard)
		r.Get("/extension", h.HandleAgentWS)
		r.Get("/cdp", h.HandleClientWS)
		if h.opts.Broker != nil {
			r.Get("/events", events.SSEHandler(h.opts.Broker))
		}
	})

	type statusOutput struct {
		Body protocol.Status
	}
	huma.Register(hapi, huma.Operation{OperationID: "hub-status", Method: http.MethodGet, Path: "/status", Summary: "Agent liveness", Tags: []string{"Hub"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: h.Status()}, nil
		})

	type listOutput struct {
		Body struct {
			Recordings []recording.Meta   `json:"recordings"`
			Active     []recording.Active `json:"active"`
		}
	}
	huma.Register(hapi, huma.Operation{OperationID: "list-recordings", Method: http.MethodGet, Path: "/api/v1/recordings", Summary: "List recordings", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			metas, err := h.relay.Store().List()
			if err != nil {
				return nil, api.MapErr(err)
			}
			out := &listOutput{}
			out.Body.Recordings = metas
			out.Body.Active = h.relay.List()
			return out, nil
		})

	type idInput struct {
		ID string `path:"id" doc:"Recording id"`
	}
	type metaOutput struct {
		Body recording.Meta
	}
	huma.Register(hapi, huma.Operation{OperationID: "get-recording", Method: http.MethodGet, Path: "/api/v1/recordings/{id}", Summary: "Get a recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *idInput) (*metaOutput, error) {
			meta, err := h.relay.Store().Get(input.ID)
			if err != nil {
				return nil, api.MapErr(err)
			}
			return &metaOutput{Body: meta}, nil
		})

	type deleteOutput struct {
		Body struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
	}
	huma.Register(hapi, huma.Operation{OperationID: "delete-recording", Method: http.MethodDelete, Path: "/api/v1/recordings/{id}", Summary: "Delete a recording", Tags: []string{"Recordings"}},
		func(ctx context.Context, input *idInput) (*deleteOutput, error) {
			if err := h.relay.Store().Delete(input.ID); err != nil {
				return nil, api.MapErr(err)
			}
			out := &deleteOutput{}
			out.Body.ID = input.ID
			out.Body.Status = "deleted"
			return out, nil
		})

	return router
}

// guard admits socket and feed requests from loopback peers, or from anywhere
// when remote access is allowed. A configured token must match.
func (h *Hub) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.opts.AllowRemote && !netutil.IsLoopbackRemote(r) {
			slog.Warn("hub rejected remote peer", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if h.opts.Token != "" {
			got := r.Header.Get(protocol.TokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Token)) != 1 {
				slog.Warn("hub rejected bad token", "remote", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
