// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package buildrunner implements the Build Runner (C10): a bounded worker
// pool on the master, an active-build registry for cooperative
// cancellation, and an orphan monitor that reclaims builds whose agent has
// gone silent.
package buildrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/store"
)

// DefaultPoolSize is the default number of builds the local pool runs
// concurrently.
const DefaultPoolSize = 4

// DefaultOrphanScanInterval is how often the orphan monitor scans running
// builds for a stale heartbeat.
const DefaultOrphanScanInterval = 30 * time.Second

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetBuildRunnerLogger()
		log = &l
	})
	return log
}

// RunFunc executes a single build's pipeline to completion, observing
// ctx's cancellation between stages/steps.
type RunFunc func(ctx context.Context, build *model.Build) error

// activeBuild tracks one in-flight build's cancellation handle.
type activeBuild struct {
	orgID  string
	cancel context.CancelFunc
}

// Runner owns the bounded local worker pool and the active-build registry.
type Runner struct {
	store store.BuildStore
	run   RunFunc
	sem   *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*activeBuild
	wg     sync.WaitGroup
}

// New returns a Runner with the given pool size (DefaultPoolSize if <= 0),
// executing builds via run.
func New(s store.BuildStore, poolSize int, run RunFunc) *Runner {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Runner{
		store:  s,
		run:    run,
		sem:    semaphore.NewWeighted(int64(poolSize)),
		active: make(map[string]*activeBuild),
	}
}

// Submit registers build and schedules it for execution. It blocks
// acquiring a pool slot, so callers typically invoke it from their own
// goroutine (e.g. the queue processor or an HTTP handler).
func (r *Runner) Submit(ctx context.Context, build *model.Build) error {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.active[build.ID] = &activeBuild{orgID: build.OrgIDValue, cancel: cancel}
	r.mu.Unlock()

	if err := r.sem.Acquire(runCtx, 1); err != nil {
		r.Finalize(ctx, build.OrgIDValue, build.ID, model.BuildAborted)
		cancel()
		return fmt.Errorf("acquire build pool slot for %s: %w", build.ID, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer cancel()

		getLog().Info().Str("build_id", build.ID).Msg("buildrunner: starting build")
		if err := r.run(runCtx, build); err != nil {
			getLog().Error().Err(err).Str("build_id", build.ID).Msg("buildrunner: build run returned an error")
		}
		r.deregister(build.ID)
	}()
	return nil
}

// Cancel sets the cancellation flag for buildID, interrupting its worker
// at its next cooperative cancellation point. It is a no-op if the build
// is not active.
func (r *Runner) Cancel(buildID string) {
	r.mu.Lock()
	ab, ok := r.active[buildID]
	r.mu.Unlock()
	if !ok {
		return
	}
	ab.cancel()
}

// Finalize idempotently updates buildID's record to status and removes it
// from the active registry.
func (r *Runner) Finalize(ctx context.Context, orgID, buildID string, status model.BuildStatus) {
	now := time.Now().UTC()
	if err := r.store.UpdateBuildStatus(ctx, orgID, buildID, status, &now, "", ""); err != nil {
		getLog().Error().Err(err).Str("build_id", buildID).Msg("buildrunner: finalize failed")
	}
	r.deregister(buildID)
}

func (r *Runner) deregister(buildID string) {
	r.mu.Lock()
	delete(r.active, buildID)
	r.mu.Unlock()
}

// Active reports whether buildID currently has a running worker.
func (r *Runner) Active(buildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[buildID]
	return ok
}

// Wait blocks until every submitted build's worker goroutine has returned.
// Intended for graceful shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunOrphanMonitor periodically scans running builds whose assigned agent
// has not heartbeated within staleAfter, marking them aborted with reason
// "orphaned" after a further grace period. Intended to run as a
// leader.Singleton.
func RunOrphanMonitor(ctx context.Context, buildStore store.BuildStore, agentHeartbeat func(agentID string) (time.Time, bool), staleAfter, grace time.Duration) {
	ticker := time.NewTicker(DefaultOrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanOrphans(ctx, buildStore, agentHeartbeat, staleAfter, grace)
		}
	}
}

func scanOrphans(ctx context.Context, buildStore store.BuildStore, agentHeartbeat func(agentID string) (time.Time, bool), staleAfter, grace time.Duration) {
	running, err := buildStore.ListRunningBuilds(ctx)
	if err != nil {
		getLog().Error().Err(err).Msg("buildrunner: orphan scan failed to list running builds")
		return
	}

	now := time.Now().UTC()
	for _, b := range running {
		if b.AgentID == nil {
			continue
		}
		lastHeartbeat, known := agentHeartbeat(*b.AgentID)
		if !known {
			continue
		}
		if now.Sub(lastHeartbeat) <= staleAfter+grace {
			continue
		}
		getLog().Warn().Str("build_id", b.ID).Str("agent_id", *b.AgentID).Msg("buildrunner: marking build orphaned, agent heartbeat stale")
		if err := buildStore.UpdateBuildStatus(ctx, b.OrgIDValue, b.ID, model.BuildAborted, &now, "orphaned", fmt.Sprintf("agent %s heartbeat stale since %s", *b.AgentID, lastHeartbeat)); err != nil {
			getLog().Error().Err(err).Str("build_id", b.ID).Msg("buildrunner: failed to mark build orphaned")
		}
	}
}
