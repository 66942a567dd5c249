// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentworker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/transport"
)

func TestClient_RegisterStoresAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/register", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(transport.RegisterResponse{AgentID: "agent-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	id, err := c.Register(context.Background(), transport.RegisterRequest{Name: "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", id)
	assert.Equal(t, "agent-1", c.agentID)
}

func TestClient_RegisterNonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.Register(context.Background(), transport.RegisterRequest{})
	assert.Error(t, err)
}

func TestClient_Heartbeat(t *testing.T) {
	var received transport.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	c.agentID = "agent-1"
	err := c.Heartbeat(context.Background(), 3, transport.SystemInfo{Hostname: "h1"})
	require.NoError(t, err)
	assert.Equal(t, 3, received.CurrentBuilds)
	assert.Equal(t, "h1", received.SystemInfo.Hostname)
}

func TestClient_PostEvent_NonCriticalDropsSilentlyOnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.PostEvent(context.Background(), &model.BuildEvent{BuildID: "b1", Kind: model.EventStepLog})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_PostEvent_CriticalRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.PostEvent(ctx, &model.BuildEvent{BuildID: "b1", Kind: model.EventBuildStarted})
	assert.Error(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestClient_PostEvent_CriticalSucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.PostEvent(context.Background(), &model.BuildEvent{BuildID: "b1", Kind: model.EventBuildCompleted})
	assert.NoError(t, err)
}

func TestClient_SubmitResult(t *testing.T) {
	var received transport.ResultRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.SubmitResult(context.Background(), "org-1", "b1", model.BuildSuccess, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "success", received.Status)
	assert.Equal(t, "org-1", received.OrgID)
}

func TestClient_SubmitArtifact_UploadsMultipart(t *testing.T) {
	path := t.TempDir() + "/out.txt"
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	var filename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filename = r.URL.Query().Get("filename")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.SubmitArtifact(context.Background(), "org-1", "b1", path)
	require.NoError(t, err)
	assert.Equal(t, "out.txt", filename)
}

func TestWorker_HandleDispatch_Returns202AndExecutesAsync(t *testing.T) {
	var mu sync.Mutex
	var executed transport.DispatchRequest
	done := make(chan struct{})
	w := NewWorker(func(ctx context.Context, req transport.DispatchRequest) error {
		mu.Lock()
		executed = req
		mu.Unlock()
		close(done)
		return nil
	})

	r := chi.NewRouter()
	w.Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	body, _ := json.Marshal(transport.DispatchRequest{BuildID: "b1"})
	resp, err := http.Post(srv.URL+"/builds", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute was never called")
	}
	mu.Lock()
	assert.Equal(t, "b1", executed.BuildID)
	mu.Unlock()
}

func TestWorker_HandleHealth_ReportsActiveBuilds(t *testing.T) {
	block := make(chan struct{})
	w := NewWorker(func(ctx context.Context, req transport.DispatchRequest) error {
		<-block
		return nil
	})
	r := chi.NewRouter()
	w.Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	body, _ := json.Marshal(transport.DispatchRequest{BuildID: "b1"})
	_, err := http.Post(srv.URL+"/builds", "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.ActiveBuilds() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, float64(1), health["active_builds"])

	close(block)
}
