// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
)

// State indicates whether a worker accepts new requests.
type State int32

const (
	StateUnhealthy State = iota // failing health checks, or not checked yet
	StateAvailable              // passing health checks
	StateDraining               // chosen for scale-in, finishing existing requests
)

var stateString = map[State]string{
	StateUnhealthy: "unhealthy",
	StateAvailable: "available",
	StateDraining:  "draining",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for state, str := range stateString {
		if str == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// A Worker is one running instance that requests can be forwarded
// to. Its load is the sum of the estimated costs of the requests
// currently reserved on it.
type Worker struct {
	ID      cloud.InstanceID
	Host    string
	Port    int
	Created time.Time

	capacity int64
	warmup   time.Duration

	load  atomic.Int64
	state atomic.Int32

	terminated    chan struct{}
	terminateOnce sync.Once
}

// New returns an unhealthy worker with zero load. It cannot accept
// requests until it has been marked available and warmup has elapsed
// since creation.
func New(id cloud.InstanceID, host string, port int, capacity int64, warmup time.Duration) *Worker {
	return &Worker{
		ID:         id,
		Host:       host,
		Port:       port,
		Created:    time.Now(),
		capacity:   capacity,
		warmup:     warmup,
		terminated: make(chan struct{}),
	}
}

// Address returns host:port.
func (wkr *Worker) Address() string {
	return net.JoinHostPort(wkr.Host, strconv.Itoa(wkr.Port))
}

func (wkr *Worker) State() State {
	return State(wkr.state.Load())
}

func (wkr *Worker) Load() int64 {
	return wkr.load.Load()
}

func (wkr *Worker) Capacity() int64 {
	return wkr.capacity
}

// IsAvailable returns true if the worker is passing health checks
// and its warmup delay has elapsed.
func (wkr *Worker) IsAvailable() bool {
	return wkr.State() == StateAvailable && time.Since(wkr.Created) >= wkr.warmup
}

// HasRoom returns true if cost could be added without exceeding
// capacity, given the current load.
func (wkr *Worker) HasRoom(cost int64) bool {
	return cost >= 0 && wkr.Load()+cost <= wkr.capacity
}

// TryAssignLoad reserves cost on the worker. It returns false,
// without changing anything, if the worker is not available or the
// reservation would exceed capacity.
//
// A successful reservation must be released with exactly one call to
// DecreaseLoad(cost).
func (wkr *Worker) TryAssignLoad(cost int64) bool {
	if cost < 0 || !wkr.IsAvailable() {
		return false
	}
	for {
		cur := wkr.load.Load()
		if cur+cost > wkr.capacity {
			return false
		}
		if wkr.load.CompareAndSwap(cur, cur+cost) {
			break
		}
	}
	if wkr.State() != StateAvailable {
		// Lost a race with Drain or MarkUnhealthy.
		wkr.DecreaseLoad(cost)
		return false
	}
	return true
}

// DecreaseLoad releases a reservation made by TryAssignLoad. If the
// worker is draining and no load remains, its termination signal
// completes.
func (wkr *Worker) DecreaseLoad(cost int64) {
	if wkr.load.Add(-cost) <= 0 && wkr.State() == StateDraining {
		wkr.terminate()
	}
}

// Drain marks the worker as draining, and returns a channel that is
// closed when the worker's load reaches zero. If there is no load
// now, the channel is already closed.
func (wkr *Worker) Drain() <-chan struct{} {
	wkr.state.Store(int32(StateDraining))
	if wkr.Load() <= 0 {
		wkr.terminate()
	}
	return wkr.terminated
}

// Terminated returns the channel returned by Drain.
func (wkr *Worker) Terminated() <-chan struct{} {
	return wkr.terminated
}

func (wkr *Worker) terminate() {
	wkr.terminateOnce.Do(func() { close(wkr.terminated) })
}

// MarkAvailable changes an unhealthy worker to available. It returns
// false if the worker was not unhealthy.
func (wkr *Worker) MarkAvailable() bool {
	return wkr.state.CompareAndSwap(int32(StateUnhealthy), int32(StateAvailable))
}

// MarkUnhealthy changes an available worker to unhealthy. It returns
// false if the worker was not available. Draining workers stay
// draining.
func (wkr *Worker) MarkUnhealthy() bool {
	return wkr.state.CompareAndSwap(int32(StateAvailable), int32(StateUnhealthy))
}

// InstanceView shows a worker's current state in the management API.
type InstanceView struct {
	Instance  cloud.InstanceID `json:"instance"`
	Address   string           `json:"address"`
	State     State            `json:"worker_state"`
	Available bool             `json:"available"`
	Load      int64            `json:"load"`
	Capacity  int64            `json:"capacity"`
	Created   time.Time        `json:"created"`
}

func (wkr *Worker) View() InstanceView {
	return InstanceView{
		Instance:  wkr.ID,
		Address:   wkr.Address(),
		State:     wkr.State(),
		Available: wkr.IsAvailable(),
		Load:      wkr.Load(),
		Capacity:  wkr.capacity,
		Created:   wkr.Created,
	}
}
