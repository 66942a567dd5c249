// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgecore/forgecore/internal/model"
)

// AgentDirectory is the subset of agentregistry.Registry the master-side
// router needs.
type AgentDirectory interface {
	Register(ctx context.Context, agent *model.Agent) error
	Heartbeat(ctx context.Context, agentID string, currentBuilds int) error
	List(requiredLabels []string, orgID string) []*model.Agent
}

// EventIngest is the subset of eventbus.Bus the router needs to accept
// agent-forwarded events.
type EventIngest interface {
	Publish(ctx context.Context, ev *model.BuildEvent) error
}

// ResultSink receives a completed build's final result from an agent.
type ResultSink interface {
	SubmitResult(ctx context.Context, orgID, buildID string, status model.BuildStatus, stageResults []byte, errMsg string) error
}

// ArtifactSink receives a build's uploaded artifact.
type ArtifactSink interface {
	SubmitArtifact(ctx context.Context, buildID string, r *http.Request) error
}

// QueueDepth reports the number of pending entries for GET /ready.
type QueueDepth func(ctx context.Context) (int, error)

// Router wires the master's agent-authenticated endpoints plus the
// operator health/ready/startup probes.
type Router struct {
	Agents    AgentDirectory
	Events    EventIngest
	Results   ResultSink
	Artifacts ArtifactSink
	Queue     QueueDepth

	InstanceID string
	Ready      func() bool
}

// Build returns an http.Handler ready to be mounted (or served directly).
// token authenticates the five agent-authenticated write paths.
func (rt *Router) Build(token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", rt.handleHealth)
	r.Get("/ready", rt.handleReady)
	r.Get("/startup", rt.handleStartup)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post("/api/agents/register", rt.handleRegister)
		r.Post("/api/agents/{id}/heartbeat", rt.handleHeartbeat)
		r.Post("/api/builds/{id}/agent-events", rt.handleAgentEvent)
		r.Post("/api/builds/{id}/result", rt.handleResult)
		r.Post("/api/builds/{id}/artifacts", rt.handleArtifact)
	})

	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", InstanceID: rt.InstanceID})
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if rt.Queue != nil {
		if d, err := rt.Queue(r.Context()); err == nil {
			depth = d
		}
	}

	var counts AgentCounts
	if rt.Agents != nil {
		for _, a := range rt.Agents.List(nil, "") {
			counts.Total++
			counts.Capacity += a.MaxBuilds
			if a.Status == model.AgentOnline {
				counts.Online++
			} else {
				counts.Offline++
			}
		}
	}

	writeJSON(w, http.StatusOK, ReadyResponse{OK: true, QueueDepth: depth, Agents: counts})
}

func (rt *Router) handleStartup(w http.ResponseWriter, r *http.Request) {
	if rt.Ready == nil || !rt.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	agent := &model.Agent{
		ID:        uuid.NewString(),
		Name:      req.Name,
		URL:       req.URL,
		Labels:    model.StringSet(req.Labels),
		MaxBuilds: req.MaxBuilds,
		CPUCores:  req.SystemInfo.CPUCores,
		MemoryGB:  req.SystemInfo.MemoryGB,
		Region:    req.Region,
	}
	if err := rt.Agents.Register(r.Context(), agent); err != nil {
		http.Error(w, `{"error":"registration failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{AgentID: agent.ID})
}

func (rt *Router) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := rt.Agents.Heartbeat(r.Context(), agentID, req.CurrentBuilds); err != nil {
		http.Error(w, `{"error":"heartbeat failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")

	var ev model.BuildEvent
	if err := decodeJSON(r, &ev); err != nil {
		http.Error(w, `{"error":"invalid event payload"}`, http.StatusBadRequest)
		return
	}
	ev.BuildID = buildID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := rt.Events.Publish(r.Context(), &ev); err != nil {
		http.Error(w, `{"error":"event ingest failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleResult(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")

	var req ResultRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := rt.Results.SubmitResult(r.Context(), req.OrgID, buildID, model.BuildStatus(req.Status), req.StageResults, req.Error); err != nil {
		http.Error(w, `{"error":"result ingest failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleArtifact(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")

	if err := rt.Artifacts.SubmitArtifact(r.Context(), buildID, r); err != nil {
		http.Error(w, `{"error":"artifact upload failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
