package main

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/cordell/internal/history"
	"github.com/basket/cordell/internal/session"
)

// sessionSummary describes one session log on disk.
type sessionSummary struct {
	Name      string    `json:"name"`
	LogBytes  int64     `json:"log_bytes"`
	Modified  time.Time `json:"modified"`
	ResumeID  string    `json:"resume_id,omitempty"`
	LogOffset int64     `json:"log_offset"`
}

// scanSessions lists every session with a log under dir.
func scanSessions(dir string) ([]sessionSummary, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []sessionSummary
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".jsonl")
		if !ok || e.IsDir() || history.ValidateSession(name) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s := sessionSummary{Name: name, LogBytes: info.Size(), Modified: info.ModTime()}
		if ptr, err := session.LoadPointer(dir, name); err == nil {
			s.ResumeID = ptr.SessionID
			s.LogOffset = ptr.LogOffset
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			list, err := scanSessions(cfg.SessionsDir())
			if err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				if list == nil {
					list = []sessionSummary{}
				}
				return p.JSON(list)
			}
			if len(list) == 0 {
				p.Line("No sessions yet.")
				return nil
			}
			for _, s := range list {
				p.Title("%s", s.Name)
				p.Line("  log %d bytes, last write %s", s.LogBytes, formatTime(s.Modified))
				if s.ResumeID != "" {
					p.Detail("resumes %s at offset %d", s.ResumeID, s.LogOffset)
				}
			}
			return nil
		},
	}
	cmd.AddCommand(newSessionsReinitCmd(opts))
	return cmd
}

func newSessionsReinitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reinit NAME",
		Short: "Drop a session's runtime connection so the next prompt starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := newDaemonClient(cfg, 30*time.Second)
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sessions/"+escape(args[0])+"/reinitialize", nil, nil); err != nil {
				return err
			}
			p := newPrinter(cmd, opts)
			if p.json {
				return p.JSON(map[string]string{"reinitialized": args[0]})
			}
			p.Line("Session '%s' reinitialized", args[0])
			return nil
		},
	}
}
