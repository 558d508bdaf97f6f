package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pion-call-gateway/internal/config"
	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/inference"
	"github.com/user/pion-call-gateway/internal/store"
)

// brokenConfig names backends that all fail to open: Vertex without a
// project, a Redis nobody listens on, and a SQLite file in a missing
// directory.
func brokenConfig(t *testing.T) config.Config {
	t.Helper()
	for _, k := range []string{"GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_LOCATION", "GOOGLE_API_KEY", "GEMINI_API_KEY", "GOOGLE_GENAI_USE_VERTEXAI"} {
		t.Setenv(k, "")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	t.Setenv("CALL_FLOW", "turn")
	t.Setenv("INFERENCE_PROVIDER", "vertex")
	t.Setenv("VERTEX_PROJECT", "")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://"+deadAddr+"/0")
	t.Setenv("DIRECTORY_BACKEND", "sqlite")
	t.Setenv("SQLITE_DSN", "file:"+filepath.Join(t.TempDir(), "missing", "dir.db"))
	t.Setenv("BLOB_BACKEND", "memory")
	t.Setenv("PERSONA_FILE", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	return cfg
}

func TestOpenBackendsDegrades(t *testing.T) {
	cfg := brokenConfig(t)

	b := openBackends(context.Background(), cfg)
	defer b.closers.Close()

	assert.IsType(t, &store.Memory{}, b.store)
	assert.Equal(t, directory.None{}, b.directory)
	require.IsType(t, inference.Unavailable{}, b.inference)

	_, err := b.inference.Complete(context.Background(), []inference.Message{{Role: inference.RoleUser, Content: "hi"}})
	require.Error(t, err)
}

func TestServeStartsDegraded(t *testing.T) {
	cfg := brokenConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	cfg.Port = port
	cfg.ShutdownPeriod = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + port + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
