// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
)

// StubInstanceSet implements cloud.InstanceSet and cloud.Telemetry.
// Each instance it creates is a StubWorker served by a local HTTP
// server, and its address is host:port.
type StubInstanceSet struct {
	// Utilization reported for every instance.
	CPU float64

	// Number of Describe calls that report no address before
	// the real address is reported.
	AddressDelay int

	// Errors returned by the next calls to each method.
	CreateErr      error
	TerminateErr   error
	UtilizationErr error

	servers map[cloud.InstanceID]*stubServer
	serial  int
	creates int
	stopped bool
	mtx     sync.Mutex
}

type stubServer struct {
	worker    *StubWorker
	srv       *httptest.Server
	address   string
	describes int
	state     cloud.InstanceState
}

func (sis *StubInstanceSet) Create(ctx context.Context, instanceType string, image cloud.ImageID) (cloud.InstanceID, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return "", errors.New("StubInstanceSet: Create called after Stop")
	}
	sis.creates++
	if err := sis.CreateErr; err != nil {
		return "", err
	}
	if sis.servers == nil {
		sis.servers = map[cloud.InstanceID]*stubServer{}
	}
	sis.serial++
	id := cloud.InstanceID(fmt.Sprintf("stub-%s-%d", instanceType, sis.serial))
	wkr := NewStubWorker()
	srv, host, port := wkr.Serve()
	sis.servers[id] = &stubServer{
		worker:  wkr,
		srv:     srv,
		address: fmt.Sprintf("%s:%d", host, port),
		state:   cloud.InstancePending,
	}
	return id, nil
}

func (sis *StubInstanceSet) Describe(ctx context.Context, id cloud.InstanceID) (cloud.InstanceStatus, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	ss, ok := sis.servers[id]
	if !ok {
		return cloud.InstanceStatus{}, fmt.Errorf("instance %s not found", id)
	}
	ss.describes++
	if ss.state == cloud.InstanceTerminated || ss.describes <= sis.AddressDelay {
		return cloud.InstanceStatus{ID: id, State: ss.state}, nil
	}
	ss.state = cloud.InstanceRunning
	return cloud.InstanceStatus{ID: id, State: ss.state, Address: ss.address}, nil
}

func (sis *StubInstanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if err := sis.TerminateErr; err != nil {
		return err
	}
	if ss, ok := sis.servers[id]; ok && ss.state != cloud.InstanceTerminated {
		ss.state = cloud.InstanceTerminated
		ss.srv.Close()
	}
	return nil
}

func (sis *StubInstanceSet) Utilization(ctx context.Context, id cloud.InstanceID, window time.Duration) ([]cloud.Datapoint, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if err := sis.UtilizationErr; err != nil {
		return nil, err
	}
	now := time.Now()
	return []cloud.Datapoint{
		{Time: now.Add(-time.Minute), Value: sis.CPU},
		{Time: now, Value: sis.CPU},
	}, nil
}

func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		panic("Stop called twice")
	}
	sis.stopped = true
	for _, ss := range sis.servers {
		if ss.state != cloud.InstanceTerminated {
			ss.srv.Close()
		}
	}
}

// Set updates the stub's behavior while holding its lock.
func (sis *StubInstanceSet) Set(fn func(*StubInstanceSet)) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	fn(sis)
}

// Running returns the IDs of instances that have not been
// terminated, sorted.
func (sis *StubInstanceSet) Running() []cloud.InstanceID {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	var ids []cloud.InstanceID
	for id, ss := range sis.servers {
		if ss.state != cloud.InstanceTerminated {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Creates returns the number of Create calls so far, including
// failed ones.
func (sis *StubInstanceSet) Creates() int {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return sis.creates
}

// Worker returns the StubWorker behind the given instance.
func (sis *StubInstanceSet) Worker(id cloud.InstanceID) *StubWorker {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if ss, ok := sis.servers[id]; ok {
		return ss.worker
	}
	return nil
}
