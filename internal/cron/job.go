// Package cron runs prompts against sessions on cron schedules. A single
// timer loop decides what is due; every run happens in its own goroutine.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/cordell/internal/history"
	"github.com/basket/cordell/internal/shared"
)

// HeartbeatOK is the reply meaning "nothing to report".
const HeartbeatOK = "HEARTBEAT_OK"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
)

// Window is an inclusive range of hours on the engine's clock. Start greater
// than End wraps past midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls in the window. A nil window always
// contains the hour.
func (w *Window) Contains(hour int) bool {
	if w == nil {
		return true
	}
	if w.Start <= w.End {
		return w.Start <= hour && hour <= w.End
	}
	return hour >= w.Start || hour <= w.End
}

func (w *Window) String() string {
	if w == nil {
		return "always"
	}
	return fmt.Sprintf("%02d-%02d", w.Start, w.End)
}

// Job is one scheduled prompt.
type Job struct {
	Name        string  `json:"name"`
	Session     string  `json:"session"`
	Schedule    string  `json:"schedule"`
	Prompt      string  `json:"prompt"`
	ActiveHours *Window `json:"active_hours,omitempty"`
	SuppressOK  bool    `json:"suppress_ok"`

	sched cronlib.Schedule
}

// Compile validates the job, fills the default session and parses its
// schedule.
func (j Job) Compile() (Job, error) {
	j.Name = strings.TrimSpace(j.Name)
	if j.Session == "" {
		j.Session = shared.DefaultSession
	}
	if err := history.ValidateSession(j.Name); err != nil {
		return j, fmt.Errorf("%w: name: %v", ErrInvalidJob, err)
	}
	if err := history.ValidateSession(j.Session); err != nil {
		return j, fmt.Errorf("%w %s: session: %v", ErrInvalidJob, j.Name, err)
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return j, fmt.Errorf("%w %s: prompt is empty", ErrInvalidJob, j.Name)
	}
	if w := j.ActiveHours; w != nil {
		if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 23 {
			return j, fmt.Errorf("%w %s: active hours %d-%d outside 0-23", ErrInvalidJob, j.Name, w.Start, w.End)
		}
	}
	sched, err := cronParser.Parse(j.Schedule)
	if err != nil {
		return j, fmt.Errorf("%w %s: schedule %q: %v", ErrInvalidJob, j.Name, j.Schedule, err)
	}
	j.sched = sched
	return j, nil
}

// Next returns the first fire time after t.
func (j Job) Next(t time.Time) time.Time {
	if j.sched == nil {
		return time.Time{}
	}
	return j.sched.Next(t)
}

// IsHeartbeatOK reports whether a reply is exactly the heartbeat sentinel
// once surrounding whitespace is removed.
func IsHeartbeatOK(response string) bool {
	return strings.TrimSpace(response) == HeartbeatOK
}

// Status is the result of one job run.
type Status string

const (
	StatusRan             Status = "ran"
	StatusSkippedInactive Status = "skipped-inactive-hours"
	StatusSkippedBusy     Status = "skipped-busy"
	StatusTimedOut        Status = "timed-out"
	StatusError           Status = "error"
)

// Outcome reports one run of a job.
type Outcome struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Session    string        `json:"session"`
	Trigger    string        `json:"trigger"`
	Status     Status        `json:"status"`
	Suppressed bool          `json:"suppressed"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Notification is the decision to tell someone about a job's reply or
// about a run that failed.
type Notification struct {
	ID        string    `json:"id"`
	Job       string    `json:"job"`
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Response  string    `json:"response"`
	Error     string    `json:"error,omitempty"`
}

// Failed reports whether the notification is about an error or timed-out run.
func (n Notification) Failed() bool {
	return n.Status == StatusError || n.Status == StatusTimedOut
}
