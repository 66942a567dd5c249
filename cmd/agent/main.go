// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgecore/forgecore/internal/agentworker"
	"github.com/forgecore/forgecore/internal/approval"
	"github.com/forgecore/forgecore/internal/config"
	"github.com/forgecore/forgecore/internal/executor"
	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/runner"
	"github.com/forgecore/forgecore/internal/scm"
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
	mainLog.Info().Msg("Starting forgecore agent")

	workspaces, err := workspace.New(cfg.Git.WorkspaceRoot)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to initialize workspace manager")
	}
	artifactBlobDir := filepath.Join(cfg.Git.WorkspaceRoot, "artifacts")
	if err := os.MkdirAll(artifactBlobDir, 0o755); err != nil {
		mainLog.Fatal().Err(err).Msg("failed to create artifact blob dir")
	}

	client := agentworker.NewClient(cfg.Agent.MasterURL, cfg.Agent.Token)
	events := &agentworker.RemoteEvents{Client: client}
	approvals := approval.New(agentworker.NewMemoryApprovalStore())
	gitProvider := scm.NewGitProvider()
	containerRunner := runner.New()

	execute := func(ctx context.Context, req transport.DispatchRequest) error {
		job := &model.Job{
			ID: req.JobID, OrgIDValue: req.OrgID, Name: req.JobName,
			PipelineValue: req.PipelineValue, SourceConfig: req.SourceConfig,
		}

		var paramsJSON []byte
		if len(req.Parameters) > 0 {
			if b, err := json.Marshal(req.Parameters); err == nil {
				paramsJSON = b
			}
		}
		build := &model.Build{
			ID: req.BuildID, JobID: req.JobID, OrgIDValue: req.OrgID,
			BuildNumber: req.BuildNumber, Status: model.BuildRunning,
			GitCommit: req.GitCommit, GitBranch: req.GitBranch,
			Parameters: paramsJSON, AttemptNumber: 1,
		}

		ex := &executor.Executor{
			Workspaces: workspaces, SCM: gitProvider, Approvals: approvals, Events: events,
			Stages:                 agentworker.StageForwarder{},
			Artifacts:              &agentworker.RemoteArtifactStore{Client: client, OrgID: req.OrgID, BlobDir: artifactBlobDir},
			Runner:                 containerRunner,
			MaxConcurrentStages:    int64(cfg.Dispatch.MaxConcurrentStages),
			DefaultCloneDepth:      cfg.Git.CloneDepth,
			DefaultApprovalTimeout: 24 * time.Hour,
			ArtifactBlobDir:        artifactBlobDir,
		}

		runErr := ex.Run(ctx, job, build)
		status := model.BuildSuccess
		errMsg := ""
		if runErr != nil {
			status = model.BuildFailure
			errMsg = runErr.Error()
		}
		if err := client.SubmitResult(ctx, req.OrgID, req.BuildID, status, nil, errMsg); err != nil {
			mainLog.Error().Err(err).Str("build_id", req.BuildID).Msg("agent: failed to submit result to master")
		}
		return runErr
	}

	worker := agentworker.NewWorker(execute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sysInfo := func() transport.SystemInfo {
		hostname, _ := os.Hostname()
		return transport.SystemInfo{CPUCores: runtime.NumCPU(), MemoryGB: 0, Hostname: hostname}
	}

	selfURL := fmt.Sprintf("http://%s:%d", cfg.Agent.Host, cfg.Agent.Port)
	agentID, err := client.Register(ctx, transport.RegisterRequest{
		Name: cfg.Agent.Name, URL: selfURL, Labels: cfg.Agent.Labels,
		MaxBuilds: cfg.Agent.MaxBuilds, Region: cfg.Agent.Region, SystemInfo: sysInfo(),
	})
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to register with master")
	}
	mainLog.Info().Str("agent_id", agentID).Str("master_url", cfg.Agent.MasterURL).Msg("agent: registered")

	go client.RunHeartbeatLoop(ctx, worker.ActiveBuilds, sysInfo)

	r := chi.NewRouter()
	worker.Routes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Agent.Host, cfg.Agent.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	serverErrChan := make(chan error, 1)
	go func() {
		mainLog.Info().Str("addr", addr).Msg("agent: listening")
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("error shutting down server")
	}
	cancel()
	mainLog.Info().Msg("agent shut down")
}
