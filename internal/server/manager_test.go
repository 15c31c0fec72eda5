package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeintel/ragchat/config"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Addr:            "127.0.0.1:0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		IdleTimeout:     time.Second,
		ShutdownTimeout: time.Second,
	}
}

func startManager(t *testing.T, checks map[string]HealthChecker) *Manager {
	t.Helper()
	m := NewManager(testServerConfig(), checks, nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestManager_Metrics(t *testing.T) {
	m := startManager(t, nil)

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestManager_HealthzAllPassing(t *testing.T) {
	m := startManager(t, map[string]HealthChecker{
		"redis": func(ctx context.Context) error { return nil },
	})

	resp, err := http.Get("http://" + m.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"redis":"ok"`)
}

func TestManager_HealthzFailingCheck(t *testing.T) {
	m := startManager(t, map[string]HealthChecker{
		"chroma": func(ctx context.Context) error { return errors.New("connection refused") },
	})

	resp, err := http.Get("http://" + m.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "connection refused")
}

func TestManager_DoubleStartRejected(t *testing.T) {
	m := startManager(t, nil)
	assert.Error(t, m.Start())
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := startManager(t, nil)

	ctx := context.Background()
	require.NoError(t, m.Shutdown(ctx))
	assert.NoError(t, m.Shutdown(ctx))
	assert.Error(t, m.Start())
}
