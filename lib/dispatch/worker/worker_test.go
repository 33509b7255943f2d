// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WorkerSuite{})

type WorkerSuite struct{}

func availableWorker(id string, capacity int64) *Worker {
	wkr := New(cloud.InstanceID(id), "10.0.0.1", 8000, capacity, 0)
	wkr.MarkAvailable()
	return wkr
}

func (s *WorkerSuite) TestInitialState(c *check.C) {
	wkr := New("i-1", "10.0.0.1", 8000, 1000, 0)
	c.Check(wkr.State(), check.Equals, StateUnhealthy)
	c.Check(wkr.IsAvailable(), check.Equals, false)
	c.Check(wkr.TryAssignLoad(1), check.Equals, false)
	c.Check(wkr.Address(), check.Equals, "10.0.0.1:8000")
}

func (s *WorkerSuite) TestWarmup(c *check.C) {
	wkr := New("i-1", "10.0.0.1", 8000, 1000, time.Hour)
	c.Check(wkr.MarkAvailable(), check.Equals, true)
	c.Check(wkr.State(), check.Equals, StateAvailable)
	c.Check(wkr.IsAvailable(), check.Equals, false)
	c.Check(wkr.TryAssignLoad(1), check.Equals, false)

	wkr.Created = time.Now().Add(-2 * time.Hour)
	c.Check(wkr.IsAvailable(), check.Equals, true)
	c.Check(wkr.TryAssignLoad(1), check.Equals, true)
}

func (s *WorkerSuite) TestCapacity(c *check.C) {
	wkr := availableWorker("i-1", 1000)
	c.Check(wkr.TryAssignLoad(400), check.Equals, true)
	c.Check(wkr.Load(), check.Equals, int64(400))
	c.Check(wkr.TryAssignLoad(700), check.Equals, false)
	c.Check(wkr.Load(), check.Equals, int64(400))
	c.Check(wkr.TryAssignLoad(600), check.Equals, true)
	c.Check(wkr.Load(), check.Equals, int64(1000))
	c.Check(wkr.TryAssignLoad(0), check.Equals, true)
	c.Check(wkr.TryAssignLoad(1), check.Equals, false)
	c.Check(wkr.TryAssignLoad(-1), check.Equals, false)

	wkr.DecreaseLoad(600)
	wkr.DecreaseLoad(400)
	c.Check(wkr.Load(), check.Equals, int64(0))
}

func (s *WorkerSuite) TestConcurrentReservations(c *check.C) {
	const capacity = 1000
	wkr := availableWorker("i-1", capacity)
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if wkr.TryAssignLoad(7) {
				admitted.Add(7)
			}
			c.Check(wkr.Load() <= capacity, check.Equals, true)
		}()
	}
	wg.Wait()
	c.Check(wkr.Load(), check.Equals, admitted.Load())
	c.Check(wkr.Load() <= capacity, check.Equals, true)
	c.Check(wkr.Load() > capacity-7, check.Equals, true)

	// Release everything concurrently.
	n := int(admitted.Load() / 7)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wkr.DecreaseLoad(7)
		}()
	}
	wg.Wait()
	c.Check(wkr.Load(), check.Equals, int64(0))
}

func (s *WorkerSuite) TestDrainIdle(c *check.C) {
	wkr := availableWorker("i-1", 1000)
	done := wkr.Drain()
	select {
	case <-done:
	default:
		c.Error("termination signal did not complete for idle worker")
	}
	c.Check(wkr.State(), check.Equals, StateDraining)
	c.Check(wkr.TryAssignLoad(1), check.Equals, false)
}

func (s *WorkerSuite) TestDrainBusy(c *check.C) {
	wkr := availableWorker("i-1", 1000)
	c.Assert(wkr.TryAssignLoad(300), check.Equals, true)
	c.Assert(wkr.TryAssignLoad(200), check.Equals, true)
	done := wkr.Drain()
	c.Check(wkr.TryAssignLoad(1), check.Equals, false)

	wkr.DecreaseLoad(300)
	select {
	case <-done:
		c.Error("termination signal completed with load remaining")
	default:
	}
	wkr.DecreaseLoad(200)
	select {
	case <-done:
	case <-time.After(time.Second):
		c.Error("termination signal did not complete")
	}
	c.Check(wkr.Terminated(), check.Equals, done)

	// Draining again is harmless.
	c.Check(wkr.Drain(), check.Equals, done)
}

func (s *WorkerSuite) TestHealthTransitions(c *check.C) {
	wkr := New("i-1", "10.0.0.1", 8000, 1000, 0)
	c.Check(wkr.MarkUnhealthy(), check.Equals, false)
	c.Check(wkr.MarkAvailable(), check.Equals, true)
	c.Check(wkr.MarkAvailable(), check.Equals, false)
	c.Check(wkr.MarkUnhealthy(), check.Equals, true)
	c.Check(wkr.State(), check.Equals, StateUnhealthy)

	wkr.Drain()
	c.Check(wkr.MarkAvailable(), check.Equals, false)
	c.Check(wkr.MarkUnhealthy(), check.Equals, false)
	c.Check(wkr.State(), check.Equals, StateDraining)
}

func (s *WorkerSuite) TestStateText(c *check.C) {
	for state, str := range stateString {
		c.Check(state.String(), check.Equals, str)
		txt, err := state.MarshalText()
		c.Check(err, check.IsNil)
		c.Check(string(txt), check.Equals, str)
	}
}
