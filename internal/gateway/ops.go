package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/history"
	"github.com/basket/cordell/internal/persistence"
	"github.com/basket/cordell/internal/session"
)

// Operations shared by the JSON-RPC and REST surfaces.

func (s *Server) jobs() ([]cron.JobStatus, error) {
	if s.cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler %w", errUnavailable)
	}
	return s.cfg.Scheduler.Status(), nil
}

func (s *Server) runJob(ctx context.Context, name string) (cron.Outcome, error) {
	if s.cfg.Scheduler == nil {
		return cron.Outcome{}, fmt.Errorf("scheduler %w", errUnavailable)
	}
	if name == "" {
		return cron.Outcome{}, fmt.Errorf("%w: job name is required", errBadParams)
	}
	return s.cfg.Scheduler.Trigger(ctx, name)
}

func (s *Server) jobRuns(ctx context.Context, name string, limit int) ([]persistence.JobRun, error) {
	if s.cfg.Store == nil {
		return nil, fmt.Errorf("run ledger %w", errUnavailable)
	}
	runs, err := s.cfg.Store.ListRuns(ctx, name, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []persistence.JobRun{}
	}
	return runs, nil
}

func (s *Server) sessions() ([]session.Info, error) {
	if s.cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions %w", errUnavailable)
	}
	return s.cfg.Sessions.Sessions(), nil
}

// HistoryPage is a slice of a session log. Next is the offset to continue
// reading from; it is zero for tail reads.
type HistoryPage struct {
	Records []history.Record `json:"records"`
	Next    int64            `json:"next,omitempty"`
}

// historyPage reads forward from *from when it is set, otherwise it returns
// the most recent records.
func (s *Server) historyPage(name string, from *int64, limit int) (HistoryPage, error) {
	if s.cfg.History == nil {
		return HistoryPage{}, fmt.Errorf("history %w", errUnavailable)
	}
	page := HistoryPage{Records: []history.Record{}}
	if from == nil {
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		records, err := s.cfg.History.Tail(name, limit)
		if err != nil {
			return HistoryPage{}, err
		}
		if records != nil {
			page.Records = records
		}
		return page, nil
	}
	page.Next = *from
	for entry, err := range s.cfg.History.Records(name, *from) {
		if err != nil {
			return HistoryPage{}, err
		}
		page.Records = append(page.Records, entry.Record)
		page.Next = entry.Next
		if limit > 0 && len(page.Records) >= limit {
			break
		}
	}
	return page, nil
}

func (s *Server) transcript(name string) (history.Transcript, error) {
	if s.cfg.History == nil {
		return history.Transcript{}, fmt.Errorf("history %w", errUnavailable)
	}
	return s.cfg.History.Transcript(name)
}

func (s *Server) send(ctx context.Context, name, prompt string) (agent.Response, error) {
	if s.cfg.Sessions == nil {
		return agent.Response{}, fmt.Errorf("sessions %w", errUnavailable)
	}
	if strings.TrimSpace(prompt) == "" {
		return agent.Response{}, fmt.Errorf("%w: prompt is empty", errBadParams)
	}
	var resp agent.Response
	err := s.cfg.Sessions.With(ctx, name, s.cfg.AcquireTimeout, func(h *session.Handle) error {
		var err error
		resp, err = h.Send(ctx, prompt)
		return err
	})
	return resp, err
}

func (s *Server) reinitialize(ctx context.Context, name string) error {
	if s.cfg.Sessions == nil {
		return fmt.Errorf("sessions %w", errUnavailable)
	}
	return s.cfg.Sessions.Reinitialize(ctx, name, s.cfg.AcquireTimeout)
}

func (s *Server) notifications(ctx context.Context, unreadOnly bool, limit int) ([]persistence.Notification, error) {
	if s.cfg.Store == nil {
		return nil, fmt.Errorf("inbox %w", errUnavailable)
	}
	list, err := s.cfg.Store.ListNotifications(ctx, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []persistence.Notification{}
	}
	return list, nil
}

func (s *Server) markRead(ctx context.Context, id string) error {
	if s.cfg.Store == nil {
		return fmt.Errorf("inbox %w", errUnavailable)
	}
	ok, err := s.cfg.Store.MarkRead(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("notification %s: %w", id, errNotFound)
	}
	return nil
}

func (s *Server) markAllRead(ctx context.Context) (int64, error) {
	if s.cfg.Store == nil {
		return 0, fmt.Errorf("inbox %w", errUnavailable)
	}
	return s.cfg.Store.MarkAllRead(ctx)
}

func (s *Server) clearNotifications(ctx context.Context) (int64, error) {
	if s.cfg.Store == nil {
		return 0, fmt.Errorf("inbox %w", errUnavailable)
	}
	return s.cfg.Store.ClearNotifications(ctx)
}

// ToolInfo describes a callable tool in the tools/list shape.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) toolList() ([]ToolInfo, error) {
	if s.cfg.Tools == nil {
		return nil, fmt.Errorf("tools %w", errUnavailable)
	}
	defs := s.cfg.Tools.Definitions()
	out := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		schema, _ := s.cfg.Tools.InputSchema(d.Name)
		out = append(out, ToolInfo{Name: d.Name, Description: d.Description, InputSchema: schema})
	}
	return out, nil
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if s.cfg.Tools == nil {
		return "", fmt.Errorf("tools %w", errUnavailable)
	}
	out, err := s.cfg.Tools.Call(ctx, name, args)
	if err != nil {
		s.logger.Info("tool call failed", "tool", name, "error", err)
		return "", err
	}
	s.logger.Info("tool call", "tool", name)
	return out, nil
}
