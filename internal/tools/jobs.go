package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/cron"
	"github.com/basket/cordell/internal/shared"
)

// JobSource is the scheduler view the job tools operate on. *cron.Engine
// satisfies it.
type JobSource interface {
	Jobs() *cron.JobStore
	NextRuns() map[string]time.Time
}

// ScheduleJobInput is the input of schedule_job. Agent names the session the
// job talks to.
type ScheduleJobInput struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Agent       string `json:"agent,omitempty"`
	ActiveHours []int  `json:"active_hours,omitempty"`
	SuppressOK  bool   `json:"suppress_ok,omitempty"`
}

type RemoveJobInput struct {
	Name string `json:"name"`
}

var hourSchema = map[string]any{"type": "integer", "minimum": 0, "maximum": 23}

// RegisterJobTools adds schedule_job, list_jobs and remove_job.
func RegisterJobTools(r *Registry, src JobSource) error {
	defs := []struct {
		def agent.ToolDef
		run Handler
	}{
		{
			def: agent.ToolDef{
				Name:        "schedule_job",
				Description: "Create or update a recurring scheduled job. The schedule is a 5-field cron expression.",
				Properties: map[string]any{
					"name":     map[string]any{"type": "string", "minLength": 1, "maxLength": 64},
					"schedule": map[string]any{"type": "string", "minLength": 1},
					"prompt":   map[string]any{"type": "string", "minLength": 1},
					"agent":    map[string]any{"type": "string", "description": "Session to run the prompt in. Defaults to main."},
					"active_hours": map[string]any{
						"type":        "array",
						"items":       hourSchema,
						"minItems":    2,
						"maxItems":    2,
						"description": "Inclusive [start, end] hours; start after end wraps past midnight.",
					},
					"suppress_ok": map[string]any{"type": "boolean", "description": "Stay quiet when the reply is exactly HEARTBEAT_OK."},
				},
				Required: []string{"name", "schedule", "prompt"},
			},
			run: func(_ context.Context, raw json.RawMessage) (string, error) {
				var in ScheduleJobInput
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", fmt.Errorf("%w: schedule_job: %v", ErrInvalidInput, err)
				}
				return scheduleJob(src, in)
			},
		},
		{
			def: agent.ToolDef{
				Name:        "list_jobs",
				Description: "List all scheduled jobs with their next run time.",
			},
			run: func(context.Context, json.RawMessage) (string, error) {
				return listJobs(src), nil
			},
		},
		{
			def: agent.ToolDef{
				Name:        "remove_job",
				Description: "Remove a scheduled job.",
				Properties:  map[string]any{"name": map[string]any{"type": "string", "minLength": 1}},
				Required:    []string{"name"},
			},
			run: func(_ context.Context, raw json.RawMessage) (string, error) {
				var in RemoveJobInput
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", fmt.Errorf("%w: remove_job: %v", ErrInvalidInput, err)
				}
				if err := src.Jobs().Remove(in.Name, "tool"); err != nil {
					return "", err
				}
				return fmt.Sprintf("Removed job '%s'", in.Name), nil
			},
		},
	}
	for _, d := range defs {
		if err := r.Register(d.def, d.run); err != nil {
			return err
		}
	}
	return nil
}

func scheduleJob(src JobSource, in ScheduleJobInput) (string, error) {
	session := strings.TrimSpace(in.Agent)
	if session == "" {
		session = shared.DefaultSession
	}
	job := cron.Job{
		Name:       in.Name,
		Session:    session,
		Schedule:   strings.TrimSpace(in.Schedule),
		Prompt:     in.Prompt,
		SuppressOK: in.SuppressOK,
	}
	if len(in.ActiveHours) == 2 {
		job.ActiveHours = &cron.Window{Start: in.ActiveHours[0], End: in.ActiveHours[1]}
	}
	replaced, err := src.Jobs().Add(job, "tool")
	if err != nil {
		return "", err
	}
	verb := "Scheduled"
	if replaced {
		verb = "Updated"
	}
	return fmt.Sprintf("%s job '%s': runs on %s at '%s'", verb, job.Name, session, job.Schedule), nil
}

func listJobs(src JobSource) string {
	jobs := src.Jobs().List()
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}
	next := src.NextRuns()
	lines := make([]string, 0, len(jobs))
	for _, j := range jobs {
		when := "pending"
		if t, ok := next[j.Name]; ok && !t.IsZero() {
			when = t.Format(time.RFC3339)
		}
		line := fmt.Sprintf("- %s (agent: %s, schedule: '%s', next: %s", j.Name, j.Session, j.Schedule, when)
		if j.ActiveHours != nil {
			line += ", hours: " + j.ActiveHours.String()
		}
		if j.SuppressOK {
			line += ", suppress_ok"
		}
		lines = append(lines, line+")")
	}
	return strings.Join(lines, "\n")
}
