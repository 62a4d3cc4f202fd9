package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cordell/internal/config"
	"github.com/basket/cordell/internal/cron"
)

// expectEvent rewrites path until the watcher reports it, since the watch may
// not be armed on the first write.
func expectEvent(t *testing.T, w *config.Watcher, path string, write func() error) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	if err := write(); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				return
			}
		case <-tick.C:
			_ = write()
		case <-deadline:
			t.Fatalf("timed out waiting for change event on %s", path)
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	home := t.TempDir()
	cfgPath := config.ConfigPath(home)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	expectEvent(t, w, cfgPath, func() error {
		return os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
	})
}

func TestWatcher_SeesAtomicSaveJobs(t *testing.T) {
	home := t.TempDir()
	cfgPath := config.ConfigPath(home)
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	job := mustJob(t, "ping", config.JobConfig{Schedule: "* * * * *", Prompt: "ping"})
	expectEvent(t, w, cfgPath, func() error { return config.SaveJobs(home, nil) })
	// Still watched after the rename replaced the file.
	expectEvent(t, w, cfgPath, func() error { return config.SaveJobs(home, []cron.Job{job}) })
}

func TestWatcher_AgentFiles(t *testing.T) {
	home := t.TempDir()
	agentDir := filepath.Join(home, "agents", "ops")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	agentYAML := filepath.Join(agentDir, "agent.yaml")
	expectEvent(t, w, agentYAML, func() error {
		return os.WriteFile(agentYAML, []byte("model: opus\n"), 0o644)
	})
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		for ok {
			_, ok = <-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
