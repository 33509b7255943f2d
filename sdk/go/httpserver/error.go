// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error that should be reported to the client
// with a specific HTTP status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Errorf returns an error with the given HTTP status.
func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

func (ews errorWithStatus) Unwrap() error {
	return ews.error
}

// StatusOf returns the HTTP status carried by err, or
// defaultStatus if err does not carry one.
func StatusOf(err error, defaultStatus int) int {
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus()
	}
	return defaultStatus
}

type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error sends a JSON error response with the given message and
// status.
func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

// WriteError sends err as a JSON error response, with the status err
// carries or defaultStatus.
func WriteError(w http.ResponseWriter, err error, defaultStatus int) {
	Error(w, err.Error(), StatusOf(err, defaultStatus))
}

func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}
