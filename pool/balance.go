// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"cmp"
	"slices"
)

// choose applies the pool's strategy to healthy candidates. It returns
// nil for an empty slice.
func (p *Pool) choose(candidates []*Conn) *Conn {
	if len(candidates) == 0 {
		return nil
	}
	slices.SortFunc(candidates, func(a, b *Conn) int { return cmp.Compare(a.id, b.id) })

	switch p.config.Strategy {
	case RoundRobin:
		next := p.roundRobin.Add(1) - 1
		return candidates[next%uint64(len(candidates))]

	case LowestResponseTime:
		// Zero means unmeasured and sorts first.
		return slices.MinFunc(candidates, func(a, b *Conn) int {
			return cmp.Compare(a.ResponseTime(), b.ResponseTime())
		})

	case Random:
		p.randomMu.Lock()
		index := p.random.IntN(len(candidates))
		p.randomMu.Unlock()
		return candidates[index]

	default:
		return slices.MinFunc(candidates, func(a, b *Conn) int {
			return cmp.Compare(a.Active(), b.Active())
		})
	}
}
