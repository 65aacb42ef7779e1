// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talksim/orchestrator/internal/config"
)

type mockChecker struct {
	name   string
	status Status
	err    string
}

func (c *mockChecker) Name() string { return c.name }

func (c *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: c.status, Error: c.err}
}

func TestNewManager(t *testing.T) {
	m := NewManager("v1.2.3")
	assert.NotNil(t, m)
	assert.Equal(t, "v1.2.3", m.version)
	assert.Empty(t, m.checkers)
}

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_VerboseAggregates(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "postgres", status: StatusDegraded})

	// Non-verbose liveness ignores component state.
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["redis"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["postgres"].Status)
}

func TestManager_Ready_UnhealthyBlocks(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "postgres", status: StatusUnhealthy, err: "connection refused"})

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["postgres"].Error)
}

func TestManager_Ready_NoCheckersIsReady(t *testing.T) {
	resp := NewManager("v1.0.0").Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestServeHealth_Always200(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusUnhealthy})

	req := httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	rec := httptest.NewRecorder()
	m.ServeHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeReady_503WhenUnhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "postgres", status: StatusUnhealthy})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	m.ServeReady(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("redis", func(context.Context) error { return nil })
	res := ok.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	bad := NewPingChecker("postgres", func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	res = bad.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Error, "connection refused")

	unset := NewPingChecker("postgres", nil)
	assert.Equal(t, StatusDegraded, unset.Check(context.Background()).Status)
}

func TestPerformStartupChecks(t *testing.T) {
	dir := t.TempDir()

	bin := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	cfg := &config.Config{
		AgentLogDir: filepath.Join(dir, "logs"),
		AgentBin:    bin,
	}
	require.NoError(t, PerformStartupChecks(cfg))

	// The log dir is created on the fly.
	info, err := os.Stat(cfg.AgentLogDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPerformStartupChecks_MissingBinary(t *testing.T) {
	cfg := &config.Config{
		AgentLogDir: t.TempDir(),
		AgentBin:    filepath.Join(t.TempDir(), "definitely-not-there"),
	}
	err := PerformStartupChecks(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent binary check failed")
}
