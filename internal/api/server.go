// Package api holds the HTTP plumbing shared by the hub and agent servers: a
// chi router with the common middleware, a huma API mounted on it, and the
// mapping from relay error codes to HTTP errors.
package api

import (
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// New returns a router with request id, logging and panic recovery, and a huma
// API registered on it.
func New(title, version string) (*chi.Mux, huma.API) {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(RequestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(title, version)
	cfg.DocsPath = ""
	return router, humachi.New(router, cfg)
}

// MapErr converts a relay error into a huma status error.
func MapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		msg := coded.Message
		if coded.Cause != nil {
			msg += ": " + coded.Cause.Error()
		}
		switch coded.Code {
		case protocol.CodeValidation:
			return huma.Error400BadRequest(msg)
		case protocol.CodeRouting:
			return huma.Error404NotFound(msg)
		case protocol.CodeArbitration, protocol.CodeRecording:
			return huma.Error409Conflict(msg)
		case protocol.CodeTimeout:
			return huma.Error504GatewayTimeout(msg)
		case protocol.CodeTransport, protocol.CodeUpstream, protocol.CodeAttach:
			return huma.Error502BadGateway(msg)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, msg))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
