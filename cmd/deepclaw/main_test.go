package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/config"
	gatewayserver "github.com/deepgram/dglabs-deepclaw/pkg/gateway/server"
)

func testGatewayConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Addr:                "127.0.0.1:0",
		DeepgramAPIKey:      "dg-test",
		GatewayToken:        "gw-test",
		AgentID:             "main",
		GatewayBaseURL:      "http://127.0.0.1:1",
		GatewayWSURL:        "ws://127.0.0.1:1",
		WorkspaceDir:        t.TempDir(),
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, &stderr, serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunMain_UnknownFlag(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"--nope"}, &stderr, defaultServerDeps()); code != 2 {
		t.Fatalf("exitCode=%d, want 2", code)
	}
}

func TestRunMain_LoadsEnvFileBeforeConfig(t *testing.T) {
	t.Setenv("DEEPCLAW_TEST_DOTENV", "")
	_ = os.Unsetenv("DEEPCLAW_TEST_DOTENV")

	envFile := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envFile, []byte("DEEPCLAW_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	var seen string
	exitCode := runMain(context.Background(), []string{"--env-file", envFile}, io.Discard, serverDeps{
		loadConfig: func() (config.Config, error) {
			seen = os.Getenv("DEEPCLAW_TEST_DOTENV")
			return config.Config{}, errors.New("stop here")
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if seen != "loaded" {
		t.Fatalf("DEEPCLAW_TEST_DOTENV=%q, want loaded", seen)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags([]string{"--addr", ":9000"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.addr != ":9000" || opts.envFile != ".env" {
		t.Fatalf("opts=%+v", opts)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(testGatewayConfig(t), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRunServer_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig(t)
	registered := make(chan chan<- os.Signal, 1)
	deps := serverDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			registered <- c
		},
		signalStop: func(c chan<- os.Signal) {},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() { done <- runServer(context.Background(), logger, options{}, deps) }()

	select {
	case c := <-registered:
		c <- syscall.SIGTERM
	case <-time.After(2 * time.Second):
		t.Fatalf("signal handler never registered")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServer did not return after signal")
	}
}
