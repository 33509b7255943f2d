// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"net/http"
	"sync"
)

// StubInvoker implements cloud.Invoker. It records each call and
// responds with Status and the function name as the body.
type StubInvoker struct {
	Status int
	Err    error

	calls []InvokerCall
	mtx   sync.Mutex
}

type InvokerCall struct {
	Function string
	Payload  string
}

func (si *StubInvoker) Invoke(ctx context.Context, function string, payload []byte) (int, []byte, error) {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	si.calls = append(si.calls, InvokerCall{Function: function, Payload: string(payload)})
	if si.Err != nil {
		return 0, nil, si.Err
	}
	status := si.Status
	if status == 0 {
		status = http.StatusOK
	}
	return status, []byte("serverless " + function), nil
}

// Calls returns the calls received so far.
func (si *StubInvoker) Calls() []InvokerCall {
	si.mtx.Lock()
	defer si.mtx.Unlock()
	return append([]InvokerCall(nil), si.calls...)
}
