// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agentworker implements the Agent Worker (C15): the remote-side
// HTTP surface that accepts a dispatch and runs it locally, plus the
// outbound client that registers, heartbeats, streams events, and submits
// results back to the master.
package agentworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/transport"
)

// HeartbeatInterval is how often the agent reports liveness to the master.
const HeartbeatInterval = 30 * time.Second

const (
	retryInitialBackoff = 500 * time.Millisecond
	retryMaxBackoff     = 30 * time.Second
	criticalRetryBudget = 5
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAgentWorkerLogger()
		log = &l
	})
	return log
}

// ExecuteFunc runs a dispatched build locally on the agent.
type ExecuteFunc func(ctx context.Context, req transport.DispatchRequest) error

// Client is the agent-side outbound HTTP client to the master.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	agentID string
}

// NewClient returns a Client targeting the master at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

// Register registers this agent with the master and remembers the
// assigned agent id for subsequent calls.
func (c *Client) Register(ctx context.Context, req transport.RegisterRequest) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/agents/register", req)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("register: master returned %d", resp.StatusCode)
	}

	var out transport.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("register: decode response: %w", err)
	}
	c.agentID = out.AgentID
	return out.AgentID, nil
}

// Heartbeat reports current load and telemetry for this agent.
func (c *Client) Heartbeat(ctx context.Context, currentBuilds int, sysInfo transport.SystemInfo) error {
	req := transport.HeartbeatRequest{CurrentBuilds: currentBuilds, SystemInfo: sysInfo}
	resp, err := c.do(ctx, http.MethodPost, "/api/agents/"+c.agentID+"/heartbeat", req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: master returned %d", resp.StatusCode)
	}
	return nil
}

// RunHeartbeatLoop blocks, sending a heartbeat every HeartbeatInterval
// until ctx is cancelled. currentBuilds/sysInfo are sampled fresh on each
// tick via the provided callbacks.
func (c *Client) RunHeartbeatLoop(ctx context.Context, currentBuilds func() int, sysInfo func() transport.SystemInfo) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, currentBuilds(), sysInfo()); err != nil {
				getLog().Warn().Err(err).Msg("agentworker: heartbeat failed")
			}
		}
	}
}

// PostEvent streams a build event to the master. Non-critical events are
// sent best-effort and dropped on failure; critical events retry with
// bounded exponential backoff up to criticalRetryBudget attempts so a
// transient master outage does not silently lose a lifecycle event.
func (c *Client) PostEvent(ctx context.Context, ev *model.BuildEvent) error {
	attempts := 1
	if ev.Kind.Critical() {
		attempts = criticalRetryBudget
	}

	backoff := retryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.do(ctx, http.MethodPost, "/api/builds/"+ev.BuildID+"/agent-events", ev)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("agent-events: master returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}

	if !ev.Kind.Critical() {
		getLog().Warn().Err(lastErr).Str("build_id", ev.BuildID).Msg("agentworker: dropping non-critical event after post failure")
		return nil
	}
	return fmt.Errorf("post critical event after %d attempts: %w", attempts, lastErr)
}

// SubmitResult sends the final build status and stage results to the master.
func (c *Client) SubmitResult(ctx context.Context, orgID, buildID string, status model.BuildStatus, stageResults json.RawMessage, errMsg string) error {
	req := transport.ResultRequest{Status: string(status), StageResults: stageResults, Error: errMsg, OrgID: orgID}
	resp, err := c.do(ctx, http.MethodPost, "/api/builds/"+buildID+"/result", req)
	if err != nil {
		return fmt.Errorf("submit result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit result: master returned %d", resp.StatusCode)
	}
	return nil
}

// SubmitArtifact uploads a single artifact file as multipart form data.
func (c *Client) SubmitArtifact(ctx context.Context, orgID, buildID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy artifact into multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	q := url.Values{"filename": {filepath.Base(path)}, "org_id": {orgID}}
	endpoint := fmt.Sprintf("%s/api/builds/%s/artifacts?%s", c.baseURL, buildID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build artifact upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit artifact: master returned %d", resp.StatusCode)
	}
	return nil
}

// Worker is the agent-side HTTP surface: it accepts a dispatch and runs it
// via the injected ExecuteFunc, returning 202 immediately and executing
// asynchronously.
type Worker struct {
	execute ExecuteFunc

	mu           sync.Mutex
	activeBuilds int
}

// NewWorker returns a Worker that runs dispatched builds via execute.
func NewWorker(execute ExecuteFunc) *Worker {
	return &Worker{execute: execute}
}

// ActiveBuilds reports the number of builds currently executing locally.
func (w *Worker) ActiveBuilds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeBuilds
}

// Routes mounts this agent's two endpoints (dispatch + health) onto r.
func (w *Worker) Routes(r chi.Router) {
	r.Post("/builds", w.handleDispatch)
	r.Get("/health", w.handleHealth)
}

func (w *Worker) handleDispatch(wr http.ResponseWriter, r *http.Request) {
	var req transport.DispatchRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		http.Error(wr, `{"error":"invalid dispatch payload"}`, http.StatusBadRequest)
		return
	}

	wr.WriteHeader(http.StatusAccepted)

	w.mu.Lock()
	w.activeBuilds++
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.activeBuilds--
			w.mu.Unlock()
		}()
		if err := w.execute(context.Background(), req); err != nil {
			getLog().Error().Err(err).Str("build_id", req.BuildID).Msg("agentworker: local execution failed")
		}
	}()
}

func (w *Worker) handleHealth(wr http.ResponseWriter, r *http.Request) {
	wr.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(wr).Encode(map[string]any{
		"status":        "ok",
		"active_builds": w.ActiveBuilds(),
	})
}
