// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"sort"
)

// waitsFor maps each waiting owner to the owners it waits for, each list in
// ascending order.
type waitsFor map[OwnerID][]OwnerID

// waitsForGraph builds the waits-for graph: owner A waits for owner B if A
// has a queued request on a file where B holds an incompatible, overlapping
// lock. Under StrictFIFO, A also waits for every owner with a request queued
// ahead of A's on the same file.
//
// Buckets are snapshotted one at a time, so the graph may mix states from
// different instants.
func (m *Manager) waitsForGraph() waitsFor {
	edges := make(map[OwnerID]map[OwnerID]struct{})
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		b.files.Ascend(func(f *fileLocks) bool {
			for i, req := range f.pending {
				for _, l := range f.active {
					if l.Owner == req.Owner || !l.Range.Overlaps(req.Range) || compatible(l.Type, req.Type) {
						continue
					}
					addEdge(edges, req.Owner, l.Owner)
				}
				if m.opts.Policy != StrictFIFO {
					continue
				}
				for _, ahead := range f.pending[:i] {
					if ahead.Owner != req.Owner {
						addEdge(edges, req.Owner, ahead.Owner)
					}
				}
			}
			return true
		})
		b.mu.Unlock()
	}

	g := make(waitsFor, len(edges))
	for from, to := range edges {
		list := make([]OwnerID, 0, len(to))
		for o := range to {
			list = append(list, o)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		g[from] = list
	}
	return g
}

func addEdge(edges map[OwnerID]map[OwnerID]struct{}, from, to OwnerID) {
	out, ok := edges[from]
	if !ok {
		out = make(map[OwnerID]struct{})
		edges[from] = out
	}
	out[to] = struct{}{}
}

// findCycle returns the first cycle reached by a depth-first search that
// starts from owners in ascending order, or nil.
func (g waitsFor) findCycle() []OwnerID {
	starts := make([]OwnerID, 0, len(g))
	for o := range g {
		starts = append(starts, o)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[OwnerID]int)
	var path []OwnerID
	var visit func(o OwnerID) []OwnerID
	visit = func(o OwnerID) []OwnerID {
		state[o] = onPath
		path = append(path, o)
		for _, next := range g[o] {
			switch state[next] {
			case onPath:
				for i, p := range path {
					if p == next {
						return append([]OwnerID(nil), path[i:]...)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[o] = done
		return nil
	}

	for _, o := range starts {
		if state[o] != unvisited {
			continue
		}
		if c := visit(o); c != nil {
			return c
		}
	}
	return nil
}

// DetectCycle returns a cycle of owners each waiting for the next, the last
// waiting for the first, or nil if there is none. It only diagnoses: no
// request is failed.
func (m *Manager) DetectCycle() []OwnerID {
	cycle := m.waitsForGraph().findCycle()
	if cycle != nil {
		m.stats.deadlock()
		m.warn.Warningf("lock: deadlock detected between owners %v", cycle)
	}
	return cycle
}

// CheckDeadlock returns a *DeadlockError if DetectCycle finds a cycle.
func (m *Manager) CheckDeadlock() error {
	if cycle := m.DetectCycle(); cycle != nil {
		return &DeadlockError{Cycle: cycle}
	}
	return nil
}
