// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// Error responses are logged up to this size.
const sniffBytes = 1024

// ResponseWriter is an http.ResponseWriter that remembers what has
// been sent so far.
type ResponseWriter interface {
	http.ResponseWriter
	WroteStatus() int
	WroteBodyBytes() int
	// Time the status was sent, or zero.
	WroteAt() time.Time
	// Beginning of the body, if the status is 400 or higher.
	Sniffed() []byte
}

type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
	wroteAt        time.Time
	sniffed        []byte
}

func WrapResponseWriter(orig http.ResponseWriter) ResponseWriter {
	if w, ok := orig.(ResponseWriter); ok {
		return w
	}
	return &responseWriter{ResponseWriter: orig}
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
		w.wroteAt = time.Now()
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if w.wroteStatus >= 400 && len(w.sniffed) < sniffBytes {
		keep := data
		if room := sniffBytes - len(w.sniffed); len(keep) > room {
			keep = keep[:room]
		}
		w.sniffed = append(w.sniffed, keep...)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) WroteStatus() int           { return w.wroteStatus }
func (w *responseWriter) WroteBodyBytes() int         { return w.wroteBodyBytes }
func (w *responseWriter) WroteAt() time.Time          { return w.wroteAt }
func (w *responseWriter) Sniffed() []byte             { return w.sniffed }
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
