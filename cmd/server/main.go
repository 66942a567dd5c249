// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/agentregistry"
	"github.com/forgecore/forgecore/internal/approval"
	"github.com/forgecore/forgecore/internal/breaker"
	"github.com/forgecore/forgecore/internal/buildrunner"
	"github.com/forgecore/forgecore/internal/cache"
	"github.com/forgecore/forgecore/internal/config"
	"github.com/forgecore/forgecore/internal/dispatch"
	"github.com/forgecore/forgecore/internal/eventbus"
	"github.com/forgecore/forgecore/internal/executor"
	"github.com/forgecore/forgecore/internal/leader"
	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/master"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/queue"
	"github.com/forgecore/forgecore/internal/runner"
	"github.com/forgecore/forgecore/internal/scm"
	"github.com/forgecore/forgecore/internal/secrets"
	"github.com/forgecore/forgecore/internal/store/gormstore"
	"github.com/forgecore/forgecore/internal/transport"
	"github.com/forgecore/forgecore/internal/workspace"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting forgecore master")

	db, err := gormstore.New(&cfg.Database)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		mainLog.Fatal().Err(err).Msg("failed to migrate schema")
	}

	workspaces, err := workspace.New(cfg.Git.WorkspaceRoot)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to initialize workspace manager")
	}
	artifactBlobDir := filepath.Join(cfg.Git.WorkspaceRoot, "artifacts")

	masterKey, err := base64.StdEncoding.DecodeString(cfg.Secrets.MasterKeyB64)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("secrets.master_key_b64 is not valid base64")
	}
	secretsMgr, err := secrets.New(db, masterKey)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to initialize secrets manager")
	}

	events := eventbus.New(db)
	cacheMgr := cache.New(db, filepath.Join(cfg.Git.WorkspaceRoot, "cache"))
	approvals := approval.New(db)

	registry := agentregistry.New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := registry.Hydrate(ctx); err != nil {
		mainLog.Fatal().Err(err).Msg("failed to hydrate agent registry")
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	dispatcher := dispatch.New(cfg.Dispatch, registry, breakers)

	ex := &executor.Executor{
		Workspaces: workspaces, SCM: scm.NewGitProvider(), Secrets: secretsMgr,
		Cache: cacheMgr, Approvals: approvals, Events: events,
		Builds: db, Stages: db, Artifacts: db,
		Runner:                 runner.New(),
		MaxConcurrentStages:    int64(cfg.Dispatch.MaxConcurrentStages),
		DefaultCloneDepth:      cfg.Git.CloneDepth,
		DefaultApprovalTimeout: 24 * time.Hour,
		ArtifactBlobDir:        artifactBlobDir,
	}

	buildRunner := buildrunner.New(db, cfg.Dispatch.LocalPoolSize, func(ctx context.Context, build *model.Build) error {
		job, err := db.GetJob(ctx, build.OrgIDValue, build.JobID)
		if err != nil {
			return fmt.Errorf("load job %s for build %s: %w", build.JobID, build.ID, err)
		}
		return ex.Run(ctx, job, build)
	})

	instanceID := uuid.NewString()
	dispatchBuild := func(ctx context.Context, req dispatch.Request, build *model.Build, job *model.Job) error {
		return dispatcher.Dispatch(ctx, req,
			func(ctx context.Context, agent *model.Agent) error {
				return remoteDispatch(ctx, agent, build, job)
			},
			func(ctx context.Context) error { return buildRunner.Submit(ctx, build) },
		)
	}

	queueProcessor := queue.New(db, instanceID, func(ctx context.Context, entry *model.QueueEntry) error {
		var payload struct {
			BuildID string `json:"build_id"`
		}
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return fmt.Errorf("decode queue entry %s payload: %w", entry.ID, err)
		}
		build, err := db.GetBuild(ctx, entry.OrgIDValue, payload.BuildID)
		if err != nil {
			return fmt.Errorf("load build %s for queue entry %s: %w", payload.BuildID, entry.ID, err)
		}
		job, err := db.GetJob(ctx, entry.OrgIDValue, entry.JobID)
		if err != nil {
			return fmt.Errorf("load job %s for queue entry %s: %w", entry.JobID, entry.ID, err)
		}
		return dispatchBuild(ctx, dispatch.Request{OrgID: entry.OrgIDValue}, build, job)
	})

	elector := leader.New(cfg.Leader.LockName, db, cfg.Leader.PollInterval,
		queueProcessor.Run,
		func(ctx context.Context) {
			buildrunner.RunOrphanMonitor(ctx, db, registry.LastHeartbeat, cfg.Dispatch.HeartbeatStale, 30*time.Second)
		},
		func(ctx context.Context) { runApprovalTimeoutLoop(ctx, approvals) },
		func(ctx context.Context) { runCacheEvictionLoop(ctx, cacheMgr) },
	)
	go elector.Run(ctx)

	ingest := master.NewIngest(db, artifactBlobDir)
	router := &transport.Router{
		Agents: registry, Events: events, Results: ingest, Artifacts: ingest,
		Queue:      func(ctx context.Context) (int, error) { return db.CountPending(ctx) },
		InstanceID: instanceID, Ready: elector.IsLeader,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router.Build(cfg.Server.AgentToken)}

	serverErrChan := make(chan error, 1)
	go func() {
		mainLog.Info().Str("addr", addr).Msg("master: listening")
		serverErrChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			mainLog.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("error shutting down server")
	}

	cancel()
	buildRunner.Wait()
	mainLog.Info().Msg("master shut down")
}

// remoteDispatch posts build to agent's HTTP dispatch endpoint, the wire
// shape agentworker.Worker.handleDispatch expects.
func remoteDispatch(ctx context.Context, agent *model.Agent, build *model.Build, job *model.Job) error {
	req := transport.DispatchRequest{
		BuildID: build.ID, JobID: job.ID, JobName: job.Name, OrgID: build.OrgIDValue,
		BuildNumber:   build.BuildNumber,
		PipelineValue: job.PipelineValue,
		SourceConfig:  job.SourceConfig,
		GitCommit:     build.GitCommit,
		GitBranch:     build.GitBranch,
	}
	if len(build.Parameters) > 0 {
		_ = json.Unmarshal(build.Parameters, &req.Parameters)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL+"/builds", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+agent.AuthToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch to agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent %s rejected dispatch with status %d", agent.ID, resp.StatusCode)
	}
	return nil
}

func runApprovalTimeoutLoop(ctx context.Context, approvals *approval.Gates) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := approvals.ScanTimeouts(ctx); err != nil {
				logger.GetAPILogger().Error().Err(err).Msg("master: approval timeout scan failed")
			}
		}
	}
}

func runCacheEvictionLoop(ctx context.Context, cacheMgr *cache.Manager) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cacheMgr.Evict(ctx, 30*24*time.Hour); err != nil {
				logger.GetAPILogger().Error().Err(err).Msg("master: cache eviction failed")
			}
		}
	}
}
