package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/gateway"
	otelPkg "github.com/basket/cordell/internal/otel"
)

func testDaemonConfig(t *testing.T, bind string) config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CORDELL_AUTH_TOKEN", "daemon-test-token")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BindAddr = bind
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	return cfg
}

func TestRunDaemon_ServesAndShutsDown(t *testing.T) {
	cfg := testDaemonConfig(t, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, cfg, daemonOptions{Quiet: true, Ready: func(addr string) { ready <- addr }})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never became ready")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	c := &daemonClient{base: "http://" + addr, token: "daemon-test-token", http: &http.Client{Timeout: 5 * time.Second}}
	var st gateway.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Version != otelPkg.Version || st.ConfigFingerprint == "" {
		t.Fatalf("status = %+v", st)
	}

	body := map[string]any{"name": "nightly", "schedule": "0 3 * * *", "prompt": "summarize the day"}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, nil); err != nil {
		t.Fatalf("schedule job: %v", err)
	}
	saved, err := config.LoadFrom(cfg.HomeDir)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if _, ok := saved.Jobs["nightly"]; !ok {
		t.Fatalf("job added over the API was not persisted: %+v", saved.Jobs)
	}

	bad := &daemonClient{base: c.base, token: "wrong", http: c.http}
	var apiErr *apiError
	if err := bad.do(ctx, http.MethodGet, "/api/status", nil, nil); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("bad token err = %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRunDaemon_BindConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testDaemonConfig(t, ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = runDaemon(ctx, cfg, daemonOptions{Quiet: true})
	var se *startupError
	if !errors.As(err, &se) || se.Code != "E_BIND" {
		t.Fatalf("err = %v, want E_BIND startup error", err)
	}
}

func TestPortOccupantHint(t *testing.T) {
	got := portOccupantHint("127.0.0.1:18790")
	if !strings.Contains(got, "18790") || !strings.Contains(got, "bind_addr") {
		t.Fatalf("hint = %q", got)
	}
}
