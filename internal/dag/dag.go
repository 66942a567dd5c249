// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dag computes stage execution order and drives bounded-concurrency
// execution over it (C6). The ready-set bookkeeping is Kahn's algorithm,
// grounded on the pack's DAGScheduler; here it is split from the run loop so
// the executor can observe ready/skip transitions without owning the
// concurrency primitive itself.
package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/forgecore/forgecore/internal/errkind"
)

// NodeStatus is the terminal-or-not state of a stage in the graph.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeSucceeded
	NodeFailed
	NodeSkipped
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// Graph is a stage dependency graph with Kahn's-algorithm bookkeeping.
type Graph struct {
	mu       sync.Mutex
	nodes    []string
	downstream map[string][]string
	inDegree   map[string]int
	status     map[string]NodeStatus
}

// NewGraph builds a Graph from a stage-name -> dependency-names map. It
// returns errkind.DAGCycle if the dependencies do not form a DAG and
// errkind.DAGUnresolved if a dependency names a stage that doesn't exist.
func NewGraph(dependsOn map[string][]string) (*Graph, error) {
	g := &Graph{
		downstream: make(map[string][]string),
		inDegree:   make(map[string]int),
		status:     make(map[string]NodeStatus),
	}

	for name := range dependsOn {
		g.nodes = append(g.nodes, name)
		g.inDegree[name] = 0
		g.status[name] = NodePending
	}
	sort.Strings(g.nodes)

	for name, deps := range dependsOn {
		for _, dep := range deps {
			if _, ok := dependsOn[dep]; !ok {
				return nil, errkind.New(errkind.DAGUnresolved, fmt.Errorf("stage %q depends on unknown stage %q", name, dep))
			}
			g.downstream[dep] = append(g.downstream[dep], name)
			g.inDegree[name]++
		}
	}

	if _, err := g.topologicalOrder(); err != nil {
		return nil, err
	}

	return g, nil
}

// topologicalOrder runs a non-destructive Kahn's algorithm pass purely to
// detect cycles and produce a deterministic ordering for tests/logging.
func (g *Graph) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for k, v := range g.inDegree {
		inDegree[k] = v
	}
	var queue []string
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, d := range g.downstream[n] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, errkind.New(errkind.DAGCycle, fmt.Errorf("dependency graph contains a cycle"))
	}
	return order, nil
}

// Ready returns the stages whose dependencies are all satisfied (inDegree
// zero) and that have not yet been dispatched.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []string
	for _, n := range g.nodes {
		if g.status[n] == NodePending && g.inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkRunning transitions a stage out of the ready set so it isn't
// dispatched twice.
func (g *Graph) MarkRunning(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[name] = NodeRunning
}

// Complete records a stage's terminal outcome. On failure, it cascades
// NodeSkipped to every reachable downstream stage still pending; on
// success, it decrements the in-degree of direct downstream stages so they
// may become ready.
func (g *Graph) Complete(name string, succeeded bool) (newlyReady []string, skipped []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if succeeded {
		g.status[name] = NodeSucceeded
		for _, d := range g.downstream[name] {
			g.inDegree[d]--
			if g.inDegree[d] == 0 && g.status[d] == NodePending {
				newlyReady = append(newlyReady, d)
			}
		}
		sort.Strings(newlyReady)
		return newlyReady, nil
	}

	g.status[name] = NodeFailed
	queue := append([]string{}, g.downstream[name]...)
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if g.status[cur] == NodePending {
			g.status[cur] = NodeSkipped
			skipped = append(skipped, cur)
			queue = append(queue, g.downstream[cur]...)
		}
	}
	sort.Strings(skipped)
	return nil, skipped
}

// Done reports whether every stage has reached a terminal status.
func (g *Graph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if !g.status[n].Terminal() {
			return false
		}
	}
	return true
}

// Status returns the current status of a stage.
func (g *Graph) Status(name string) NodeStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[name]
}

// Execute runs fn for every stage in dependency order, bounding concurrent
// invocations with a weighted semaphore sized at maxConcurrency. fn reports
// whether the stage succeeded; on failure its downstream stages are
// cascade-skipped and onSkipped is invoked for each (e.g. to persist
// "skipped" stage records) rather than being run.
func (g *Graph) Execute(ctx context.Context, maxConcurrency int64, fn func(ctx context.Context, stage string) (succeeded bool), onSkipped func(stage string)) error {
	sem := semaphore.NewWeighted(maxConcurrency)
	ready := make(chan string, len(g.nodes)*2)
	finished := make(chan struct{})
	var finishOnce sync.Once
	var wg sync.WaitGroup
	var runErr error
	var errOnce sync.Once

	enqueue := func(stages []string) {
		for _, s := range stages {
			ready <- s
		}
		if g.Done() {
			finishOnce.Do(func() { close(finished) })
		}
	}

	dispatch := func(stage string) {
		g.MarkRunning(stage)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errOnce.Do(func() { runErr = err })
				return
			}
			ok := fn(ctx, stage)
			sem.Release(1)

			nextReady, skipped := g.Complete(stage, ok)
			for _, s := range skipped {
				if onSkipped != nil {
					onSkipped(s)
				}
			}
			enqueue(nextReady)
		}()
	}

	initial := g.Ready()
	if len(initial) == 0 && g.Done() {
		return nil
	}
	for _, s := range initial {
		dispatch(s)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
		drain:
			for {
				select {
				case stage := <-ready:
					if onSkipped != nil {
						onSkipped(stage)
					}
				default:
					break drain
				}
			}
			return ctx.Err()
		case <-finished:
			break loop
		case stage := <-ready:
			dispatch(stage)
		}
	}

	wg.Wait()
	return runErr
}
