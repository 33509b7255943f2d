// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package placement ranks workers as candidates for a request.
package placement

import (
	"sort"

	"github.com/computefarm/lbas/lib/dispatch/worker"
)

// Strategy selects the order in which workers are offered a request.
type Strategy int

const (
	// Prefer the least loaded workers. Used when the fleet is
	// busy, so no single worker saturates.
	Spreading Strategy = iota

	// Prefer the most loaded workers that still have room.
	// Used when the fleet is quiet, so idle workers stay idle
	// and can be scaled in.
	Packing

	// Blend of the two, weighted toward spreading as the
	// average load rises.
	Balanced
)

var strategyString = map[Strategy]string{
	Spreading: "spreading",
	Packing:   "packing",
	Balanced:  "balanced",
}

func (s Strategy) String() string {
	return strategyString[s]
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(strategyString[s]), nil
}

// Choose returns the strategy for the given fleet average load.
// spread and pack are fractions of capacity.
func Choose(avgLoad float64, capacity int64, spread, pack float64) Strategy {
	switch c := float64(capacity); {
	case avgLoad > spread*c:
		return Spreading
	case avgLoad < pack*c:
		return Packing
	default:
		return Balanced
	}
}

// Rank returns the workers that are available and have room for
// cost, best candidate first. Workers with equal scores are ordered
// by ID.
func (s Strategy) Rank(wkrs []*worker.Worker, cost int64, avgLoad float64, capacity int64) []*worker.Worker {
	type candidate struct {
		wkr   *worker.Worker
		score float64
	}
	var cands []candidate
	for _, wkr := range wkrs {
		if !wkr.IsAvailable() || !wkr.HasRoom(cost) {
			continue
		}
		cands = append(cands, candidate{wkr, s.score(wkr.Load(), avgLoad, capacity)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].wkr.ID < cands[j].wkr.ID
	})
	ranked := make([]*worker.Worker, len(cands))
	for i, cand := range cands {
		ranked[i] = cand.wkr
	}
	return ranked
}

// score returns a higher value for a more preferred worker.
func (s Strategy) score(load int64, avgLoad float64, capacity int64) float64 {
	pack := float64(load) / float64(capacity)
	spread := 1 - pack
	switch s {
	case Spreading:
		return spread
	case Packing:
		return pack
	default:
		w := 0.3 + 0.7*(avgLoad/float64(capacity))
		return spread*w + pack*(1-w)
	}
}
