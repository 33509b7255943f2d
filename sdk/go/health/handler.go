// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health check endpoints
// like /_health/ping.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is the health check invoked by a request to
	// "{Prefix}foo". If "ping" is not listed, it always reports
	// healthy.
	Routes Routes

	// If non-nil, Log is called after handling each request.
	Log func(*http.Request, error)
}

type response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	if h.Log != nil {
		defer func() { h.Log(r, err) }()
	}
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name, ok := strings.CutPrefix(r.URL.Path, prefix)
	fn, known := h.Routes[name]
	if ok && !known && name == "ping" {
		fn, known = func() error { return nil }, true
	}
	switch {
	case !ok || !known || h.Token == "":
		http.Error(w, "not found", http.StatusNotFound)
		err = errNotFound
		return
	case r.Header.Get("Authorization") == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
		err = errUnauthorized
		return
	case r.Header.Get("Authorization") != "Bearer "+h.Token:
		http.Error(w, "authorization error", http.StatusForbidden)
		err = errForbidden
		return
	}
	resp := response{Health: "OK"}
	if cerr := fn(); cerr != nil {
		resp = response{Health: "ERROR", Error: cerr.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(resp)
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }

var (
	errNotFound     error = statusError(http.StatusNotFound)
	errUnauthorized error = statusError(http.StatusUnauthorized)
	errForbidden    error = statusError(http.StatusForbidden)
)
