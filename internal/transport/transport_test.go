// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
)

type fakeAgents struct {
	registered []*model.Agent
	heartbeats int
}

func (f *fakeAgents) Register(ctx context.Context, agent *model.Agent) error {
	f.registered = append(f.registered, agent)
	return nil
}
func (f *fakeAgents) Heartbeat(ctx context.Context, agentID string, currentBuilds int) error {
	f.heartbeats++
	return nil
}
func (f *fakeAgents) List(requiredLabels []string, orgID string) []*model.Agent { return nil }

type fakeEvents struct{ published []*model.BuildEvent }

func (f *fakeEvents) Publish(ctx context.Context, ev *model.BuildEvent) error {
	f.published = append(f.published, ev)
	return nil
}

type fakeResults struct{ calls int }

func (f *fakeResults) SubmitResult(ctx context.Context, orgID, buildID string, status model.BuildStatus, stageResults []byte, errMsg string) error {
	f.calls++
	return nil
}

type fakeArtifacts struct{ calls int }

func (f *fakeArtifacts) SubmitArtifact(ctx context.Context, buildID string, r *http.Request) error {
	f.calls++
	return nil
}

func newTestRouter() (*Router, *fakeAgents, *fakeEvents, *fakeResults, *fakeArtifacts) {
	agents := &fakeAgents{}
	events := &fakeEvents{}
	results := &fakeResults{}
	artifacts := &fakeArtifacts{}
	rt := &Router{
		Agents: agents, Events: events, Results: results, Artifacts: artifacts,
		Queue:      func(ctx context.Context) (int, error) { return 3, nil },
		InstanceID: "inst-1", Ready: func() bool { return true },
	}
	return rt, agents, events, results, artifacts
}

func TestBearerAuth_RejectsMissingHeader(t *testing.T) {
	h := BearerAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_RejectsWrongToken(t *testing.T) {
	h := BearerAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_AcceptsCorrectToken(t *testing.T) {
	h := BearerAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_HealthAndReadyAndStartup(t *testing.T) {
	rt, _, _, _, _ := newTestRouter()
	srv := httptest.NewServer(rt.Build("tok"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ready))
	assert.Equal(t, 3, ready.QueueDepth)

	resp3, err := http.Get(srv.URL + "/startup")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestRouter_RegisterRequiresAuth(t *testing.T) {
	rt, _, _, _, _ := newTestRouter()
	srv := httptest.NewServer(rt.Build("tok"))
	defer srv.Close()

	body, _ := json.Marshal(RegisterRequest{Name: "agent-1"})
	resp, err := http.Post(srv.URL+"/api/agents/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_RegisterWithAuthSucceeds(t *testing.T) {
	rt, agents, _, _, _ := newTestRouter()
	srv := httptest.NewServer(rt.Build("tok"))
	defer srv.Close()

	body, _ := json.Marshal(RegisterRequest{Name: "agent-1", URL: "http://agent:9090"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/agents/register", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.AgentID)
	require.Len(t, agents.registered, 1)
	assert.Equal(t, "agent-1", agents.registered[0].Name)
}

func TestRouter_AgentEventForwardsToEventBus(t *testing.T) {
	rt, _, events, _, _ := newTestRouter()
	srv := httptest.NewServer(rt.Build("tok"))
	defer srv.Close()

	body, _ := json.Marshal(model.BuildEvent{Kind: "stage-started"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/builds/build-1/agent-events", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events.published, 1)
	assert.Equal(t, "build-1", events.published[0].BuildID)
}

func TestRouter_ResultAndArtifactEndpoints(t *testing.T) {
	rt, _, _, results, artifacts := newTestRouter()
	srv := httptest.NewServer(rt.Build("tok"))
	defer srv.Close()

	body, _ := json.Marshal(ResultRequest{Status: "success", OrgID: "org-1"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/builds/build-1/result", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, results.calls)

	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/builds/build-1/artifacts", bytes.NewReader([]byte("blob")))
	req2.Header.Set("Authorization", "Bearer tok")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 1, artifacts.calls)
}
