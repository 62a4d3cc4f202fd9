package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/basket/cordell/internal/shared"
	"github.com/basket/cordell/internal/tools"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleScheduleJob accepts the schedule_job tool input as the body.
func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var in tools.ScheduleJobInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadParams, err))
		return
	}
	raw, _ := json.Marshal(in)
	out, err := s.callTool(r.Context(), "schedule_job", raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"message": out}
	if s.cfg.Scheduler != nil {
		if job, ok := s.cfg.Scheduler.Jobs().Get(in.Name); ok {
			resp["job"] = job
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	raw, _ := json.Marshal(tools.RemoveJobInput{Name: chi.URLParam(r, "name")})
	out, err := s.callTool(r.Context(), "remove_job", raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": out})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	out, err := s.runJob(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.jobRuns(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

// handleHistory serves ?from=<offset>&limit=<n> reads, or the most recent
// records when from is absent.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var from *int64
	if v := r.URL.Query().Get("from"); v != "" {
		off, err := strconv.ParseInt(v, 10, 64)
		if err != nil || off < 0 {
			s.writeError(w, r, fmt.Errorf("%w: from must be a non-negative offset", errBadParams))
			return
		}
		from = &off
	}
	page, err := s.historyPage(chi.URLParam(r, "name"), from, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := s.transcript(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": t.Turns, "pending": len(t.Pending())})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadParams, err))
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	resp, err := s.send(ctx, chi.URLParam(r, "name"), body.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.reinitialize(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	list, err := s.notifications(r.Context(), unread, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.markRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.markAllRead(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.clearNotifications(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	list, err := s.toolList()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list})
}

// handleCallTool takes the tool input as the request body.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadParams, err))
		return
	}
	out, err := s.callTool(r.Context(), chi.URLParam(r, "name"), args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}

func intQuery(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadParams, key)
	}
	return n, nil
}
