// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package balancer

import (
	"context"
	"sync"
)

// Request is a client request to run a workload.
type Request struct {
	// Workload name, e.g., "fifteenpuzzle".
	Workload string

	// Path and raw query to send to the worker.
	Path     string
	RawQuery string

	// Query parameters, used for estimates and serverless
	// payloads.
	Params map[string]string
}

// Context is the per-attempt admission state of a request. It is
// rebuilt before each attempt.
type Context struct {
	Cost    int64
	Persist bool
	AvgLoad float64
}

// Response is the result of running a request on a worker or
// serverless function.
type Response struct {
	Status      int
	Body        []byte
	ContentType string

	// Worker instance ID, or "" if the request ran serverless.
	Instance string
}

// OK returns true if the status is 2xx.
func (resp *Response) OK() bool {
	return resp.Status >= 200 && resp.Status <= 299
}

// Pending is a handle to the eventual outcome of an admitted
// request.
type Pending struct {
	done    chan struct{}
	resp    *Response
	err     error
	resolve sync.Once
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns a channel that is closed when the outcome is
// known.
func (p *Pending) Resolved() <-chan struct{} {
	return p.done
}

// Wait returns the outcome, or ctx's error if ctx is done first.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) finish(resp *Response, err error) {
	p.resolve.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
	})
}
