package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a file whose edit should trigger a reload.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watcher reports edits to config.yaml, agent definitions and system prompt
// files. Directories are watched instead of files so that the rename done by
// SaveJobs and by most editors is observed.
type Watcher struct {
	home      string
	agentsDir string
	logger    *slog.Logger
	events    chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		home:      homeDir,
		agentsDir: filepath.Join(homeDir, "agents"),
		logger:    logger.With("component", "config-watcher"),
		events:    make(chan ReloadEvent, 16),
	}
}

// Events is closed when the watcher stops. Bursts beyond the buffer are
// coalesced by dropping, since any single event causes a full reload.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start arms the watches and runs until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.home); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.home, err)
	}
	w.watchAgents(fsw)
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, ev)
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) && w.isAgentDir(ev.Name) {
		w.watchAgents(fsw)
		return
	}
	if ev.Op&reloadOps == 0 || !w.relevant(ev.Name) {
		return
	}
	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
	default:
	}
}

// relevant matches config.yaml, files inside an agent directory, and prompt
// files kept next to config.yaml.
func (w *Watcher) relevant(path string) bool {
	if path == ConfigPath(w.home) {
		return true
	}
	name := filepath.Base(path)
	isPrompt := strings.HasSuffix(name, ".md")
	if strings.HasPrefix(path, w.agentsDir+string(filepath.Separator)) {
		return name == "agent.yaml" || isPrompt
	}
	return isPrompt && filepath.Dir(path) == w.home
}

func (w *Watcher) isAgentDir(path string) bool {
	if path != w.agentsDir && filepath.Dir(path) != w.agentsDir {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// watchAgents adds the agents directory and every agent subdirectory.
// fsnotify ignores duplicate adds, so this is safe to repeat.
func (w *Watcher) watchAgents(fsw *fsnotify.Watcher) {
	if err := fsw.Add(w.agentsDir); err != nil {
		return
	}
	entries, err := os.ReadDir(w.agentsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := fsw.Add(filepath.Join(w.agentsDir, e.Name())); err != nil {
			w.logger.Warn("watch agent dir", "agent", e.Name(), "error", err)
		}
	}
}
