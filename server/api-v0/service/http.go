/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/call"
	api "stash.kopano.io/kwm/kwmcall/server/api-v0"
	"stash.kopano.io/kwm/kwmcall/server/odata"
)

const (
	URIPrefix = "/api/kwm/v0"

	maxRequestBodySize = 4096
)

// Call is the part of a call.Session served by the HTTP API.
type Call interface {
	RemoteItems() []*call.RemoteItem
	Records(ctx context.Context) ([]*call.Summary, error)
	Record(ctx context.Context, remoteID string) (*call.Summary, error)
	StartCall(constraints *call.Constraints) error
	Hangup() error
}

// StartRequest is the optional body of the start endpoint.
type StartRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

// HTTPService binds the HTTP router with handlers for the kwm call API v0.
type HTTPService struct {
	logger logrus.FieldLogger
	call   Call
}

// NewHTTPService creates a new HTTPService with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, c Call) *HTTPService {
	return &HTTPService{
		logger: logger,
		call:   c,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()
	chain = chain.Append(odata.WithOData)

	r := v0.PathPrefix("/call").Subrouter()

	// /api/kwm/v0/call/remote-items
	// /api/kwm/v0/call/records
	// /api/kwm/v0/call/records/:remoteID
	// /api/kwm/v0/call/start
	// /api/kwm/v0/call/hangup
	r.Handle("/remote-items", chain.ThenFunc(h.HTTPRemoteItemsHandler)).Methods(http.MethodGet)
	r.Handle("/records", chain.ThenFunc(h.HTTPRecordsHandler)).Methods(http.MethodGet)
	r.Handle("/records/{remoteID}", chain.ThenFunc(h.HTTPRecordsHandler)).Methods(http.MethodGet)
	r.Handle("/start", chain.ThenFunc(h.HTTPStartHandler)).Methods(http.MethodPost)
	r.Handle("/hangup", chain.ThenFunc(h.HTTPHangupHandler)).Methods(http.MethodPost)

	return router
}

func (h *HTTPService) HTTPRemoteItemsHandler(rw http.ResponseWriter, req *http.Request) {
	items := h.call.RemoteItems()
	if items == nil {
		items = make([]*call.RemoteItem, 0)
	}

	h.writeResource(rw, api.NewCollectionResource(items, req, nil))
}

func (h *HTTPService) HTTPRecordsHandler(rw http.ResponseWriter, req *http.Request) {
	remoteID, _ := api.GetRequestVar(req, "remoteID")

	var resource interface{}
	if remoteID == "" {
		records, err := h.call.Records(req.Context())
		if err != nil {
			h.writeError(rw, err)
			return
		}
		resource = api.NewCollectionResource(records, req, nil)
	} else {
		record, err := h.call.Record(req.Context(), remoteID)
		if err != nil {
			if errors.Is(err, call.ErrNotFound) {
				err = api.NewErrorWithCodeAndMessage(
					api.ErrorCodeRecordNotFound,
					"The specified record was not found",
					api.ErrNotFound,
				)
			}
			h.writeError(rw, err)
			return
		}
		resource = api.NewItemResource(record, req)
	}

	h.writeResource(rw, resource)
}

func (h *HTTPService) HTTPStartHandler(rw http.ResponseWriter, req *http.Request) {
	var constraints *call.Constraints

	request := &StartRequest{}
	err := json.NewDecoder(io.LimitReader(req.Body, maxRequestBodySize)).Decode(request)
	switch {
	case errors.Is(err, io.EOF):
		// No body, use configured media.
	case err != nil:
		h.writeError(rw, api.NewErrorWithCodeAndMessage(
			api.ErrorCodeInvalidRequest,
			"The request body is not valid JSON",
			api.ErrInvalidRequest,
		))
		return
	case request.Audio != nil || request.Video != nil:
		constraints = &call.Constraints{}
		if request.Audio != nil {
			constraints.Audio = *request.Audio
		}
		if request.Video != nil {
			constraints.Video = *request.Video
		}
	}

	if err = h.call.StartCall(constraints); err != nil {
		h.writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func (h *HTTPService) HTTPHangupHandler(rw http.ResponseWriter, req *http.Request) {
	if err := h.call.Hangup(); err != nil {
		h.writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func (h *HTTPService) writeResource(rw http.ResponseWriter, resource interface{}) {
	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		h.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (h *HTTPService) writeError(rw http.ResponseWriter, err error) {
	if writeErr := api.WriteErrorAsJSON(rw, err); writeErr != nil {
		h.logger.WithError(writeErr).Errorln("failed to write json error")
	}
}
