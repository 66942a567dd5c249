// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package buildrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
)

type fakeBuildStore struct {
	mu      sync.Mutex
	running []*model.Build
	status  map[string]model.BuildStatus
	errKind map[string]string
}

func newFakeBuildStore(running ...*model.Build) *fakeBuildStore {
	return &fakeBuildStore{running: running, status: make(map[string]model.BuildStatus), errKind: make(map[string]string)}
}

func (f *fakeBuildStore) CreateBuild(ctx context.Context, build *model.Build) error { return nil }
func (f *fakeBuildStore) GetBuild(ctx context.Context, orgID, buildID string) (*model.Build, error) {
	return nil, nil
}
func (f *fakeBuildStore) UpdateBuildStatus(ctx context.Context, orgID, buildID string, status model.BuildStatus, finishedAt *time.Time, errKind, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[buildID] = status
	f.errKind[buildID] = errKind
	return nil
}
func (f *fakeBuildStore) UpdateBuildDispatch(ctx context.Context, orgID, buildID, agentID string, dispatchedAt time.Time) error {
	return nil
}
func (f *fakeBuildStore) ListRunningBuilds(ctx context.Context) ([]*model.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}
func (f *fakeBuildStore) FindActiveByCommit(ctx context.Context, orgID, jobID, gitCommit string, since time.Time) (*model.Build, error) {
	return nil, nil
}

func (f *fakeBuildStore) statusOf(buildID string) (model.BuildStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[buildID]
	return s, ok
}

func TestRunner_SubmitRunsBuildAndDeregisters(t *testing.T) {
	store := newFakeBuildStore()
	var ran *model.Build
	var mu sync.Mutex
	runner := New(store, 2, func(ctx context.Context, build *model.Build) error {
		mu.Lock()
		ran = build
		mu.Unlock()
		return nil
	})

	build := &model.Build{ID: "b1", OrgIDValue: "org-1"}
	require.NoError(t, runner.Submit(context.Background(), build))

	require.Eventually(t, func() bool { return !runner.Active("b1") }, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "b1", ran.ID)
	mu.Unlock()
}

func TestRunner_CancelInterruptsActiveBuild(t *testing.T) {
	store := newFakeBuildStore()
	started := make(chan struct{})
	var cancelledErr error
	var mu sync.Mutex
	runner := New(store, 1, func(ctx context.Context, build *model.Build) error {
		close(started)
		<-ctx.Done()
		mu.Lock()
		cancelledErr = ctx.Err()
		mu.Unlock()
		return ctx.Err()
	})

	require.NoError(t, runner.Submit(context.Background(), &model.Build{ID: "b1"}))
	<-started
	assert.True(t, runner.Active("b1"))

	runner.Cancel("b1")
	require.Eventually(t, func() bool { return !runner.Active("b1") }, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Error(t, cancelledErr)
	mu.Unlock()
}

func TestRunner_PoolSizeBoundsConcurrency(t *testing.T) {
	store := newFakeBuildStore()
	var concurrent, maxConcurrent int32
	var mu sync.Mutex
	block := make(chan struct{})

	runner := New(store, 1, func(ctx context.Context, build *model.Build) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		<-block
		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil
	})

	require.NoError(t, runner.Submit(context.Background(), &model.Build{ID: "b1"}))
	go runner.Submit(context.Background(), &model.Build{ID: "b2"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, maxConcurrent, int32(1))
	mu.Unlock()

	close(block)
	runner.Wait()
}

func TestRunner_FinalizeUpdatesStatusAndDeregisters(t *testing.T) {
	store := newFakeBuildStore()
	runner := New(store, 1, func(ctx context.Context, build *model.Build) error { return nil })

	runner.active = map[string]*activeBuild{"b1": {orgID: "org-1", cancel: func() {}}}
	runner.Finalize(context.Background(), "org-1", "b1", model.BuildAborted)

	status, ok := store.statusOf("b1")
	require.True(t, ok)
	assert.Equal(t, model.BuildAborted, status)
	assert.False(t, runner.Active("b1"))
}

func TestScanOrphans_MarksStaleBuildAborted(t *testing.T) {
	agentID := "agent-1"
	running := &model.Build{ID: "b1", OrgIDValue: "org-1", AgentID: &agentID}
	store := newFakeBuildStore(running)

	staleHeartbeat := time.Now().UTC().Add(-time.Hour)
	heartbeat := func(id string) (time.Time, bool) { return staleHeartbeat, true }

	scanOrphans(context.Background(), store, heartbeat, time.Minute, time.Minute)

	status, ok := store.statusOf("b1")
	require.True(t, ok)
	assert.Equal(t, model.BuildAborted, status)
	assert.Equal(t, "orphaned", store.errKind["b1"])
}

func TestScanOrphans_LeavesFreshHeartbeatAlone(t *testing.T) {
	agentID := "agent-1"
	running := &model.Build{ID: "b1", OrgIDValue: "org-1", AgentID: &agentID}
	store := newFakeBuildStore(running)

	heartbeat := func(id string) (time.Time, bool) { return time.Now().UTC(), true }
	scanOrphans(context.Background(), store, heartbeat, time.Minute, time.Minute)

	_, ok := store.statusOf("b1")
	assert.False(t, ok)
}

func TestScanOrphans_SkipsBuildsWithNoAgent(t *testing.T) {
	running := &model.Build{ID: "b1", OrgIDValue: "org-1", AgentID: nil}
	store := newFakeBuildStore(running)

	heartbeat := func(id string) (time.Time, bool) { return time.Time{}, true }
	scanOrphans(context.Background(), store, heartbeat, time.Minute, time.Minute)

	_, ok := store.statusOf("b1")
	assert.False(t, ok)
}
