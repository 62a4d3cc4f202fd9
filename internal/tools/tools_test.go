package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/cron"
)

type fakeSource struct {
	store *cron.JobStore
	next  map[string]time.Time
}

func (f *fakeSource) Jobs() *cron.JobStore          { return f.store }
func (f *fakeSource) NextRuns() map[string]time.Time { return f.next }

func newJobTools(t *testing.T, jobs ...cron.Job) (*Registry, *fakeSource) {
	t.Helper()
	store, err := cron.NewJobStore(jobs, cron.StoreOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	src := &fakeSource{store: store, next: map[string]time.Time{}}
	r := NewRegistry()
	if err := RegisterJobTools(r, src); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r, src
}

func call(t *testing.T, r *Registry, name, input string) (string, error) {
	t.Helper()
	return r.Call(context.Background(), name, json.RawMessage(input))
}

func TestRegistry_Definitions(t *testing.T) {
	r, _ := newJobTools(t)
	defs := r.Definitions()
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "list_jobs,remove_job,schedule_job" {
		t.Fatalf("names = %v", names)
	}
	schema, ok := r.InputSchema("schedule_job")
	if !ok || schema["additionalProperties"] != false {
		t.Fatalf("schema = %v", schema)
	}
	var _ agent.Toolbox = r
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	def := agent.ToolDef{Name: "ping"}
	run := func(context.Context, json.RawMessage) (string, error) { return "pong", nil }
	if err := r.Register(def, run); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(def, run); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if out, err := call(t, r, "ping", ""); err != nil || out != "pong" {
		t.Fatalf("ping = %q, %v", out, err)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	r, _ := newJobTools(t)
	if _, err := call(t, r, "delete_everything", `{}`); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestCall_ValidatesInput(t *testing.T) {
	r, src := newJobTools(t)
	for _, input := range []string{
		`{"name":"a","schedule":"* * * * *"}`,
		`{"name":"a","schedule":"* * * * *","prompt":"hi","colour":"red"}`,
		`{"name":"a","schedule":"* * * * *","prompt":"hi","active_hours":[9]}`,
		`{"name":"a","schedule":"* * * * *","prompt":"hi","active_hours":[9,24]}`,
		`{"name":"","schedule":"* * * * *","prompt":"hi"}`,
		`not json`,
	} {
		if _, err := call(t, r, "schedule_job", input); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("input %s: err = %v, want ErrInvalidInput", input, err)
		}
	}
	if n := len(src.store.List()); n != 0 {
		t.Fatalf("jobs = %d after rejected calls", n)
	}
}

func TestScheduleJob(t *testing.T) {
	r, src := newJobTools(t)
	out, err := call(t, r, "schedule_job",
		`{"name":"morning-check","schedule":"0 9 * * 1-5","prompt":"check the disks","active_hours":[8,17],"suppress_ok":true}`)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if out != "Scheduled job 'morning-check': runs on main at '0 9 * * 1-5'" {
		t.Fatalf("out = %q", out)
	}
	job, ok := src.store.Get("morning-check")
	if !ok || job.Session != "main" || !job.SuppressOK || job.ActiveHours == nil || job.ActiveHours.End != 17 {
		t.Fatalf("job = %+v", job)
	}

	out, err = call(t, r, "schedule_job", `{"name":"morning-check","schedule":"0 10 * * *","prompt":"again","agent":"ops"}`)
	if err != nil || !strings.HasPrefix(out, "Updated job 'morning-check': runs on ops") {
		t.Fatalf("update = %q, %v", out, err)
	}
	if job, _ := src.store.Get("morning-check"); job.ActiveHours != nil || job.Session != "ops" {
		t.Fatalf("update kept old fields: %+v", job)
	}
}

func TestScheduleJob_BadCron(t *testing.T) {
	r, _ := newJobTools(t)
	_, err := call(t, r, "schedule_job", `{"name":"x","schedule":"every tuesday","prompt":"hi"}`)
	if !errors.Is(err, cron.ErrInvalidJob) {
		t.Fatalf("err = %v, want ErrInvalidJob", err)
	}
}

func TestListJobs(t *testing.T) {
	r, src := newJobTools(t)
	if out, _ := call(t, r, "list_jobs", `{}`); out != "No scheduled jobs." {
		t.Fatalf("empty = %q", out)
	}
	if _, err := src.store.Add(cron.Job{Name: "digest", Schedule: "0 18 * * *", Prompt: "summarise"}, "test"); err != nil {
		t.Fatalf("add: %v", err)
	}
	src.next["digest"] = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	out, err := call(t, r, "list_jobs", `{}`)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := "- digest (agent: main, schedule: '0 18 * * *', next: 2026-03-02T18:00:00Z)"
	if out != want {
		t.Fatalf("list = %q\nwant %q", out, want)
	}
}

func TestRemoveJob(t *testing.T) {
	r, src := newJobTools(t, cron.Job{Name: "digest", Schedule: "0 18 * * *", Prompt: "summarise"})
	out, err := call(t, r, "remove_job", `{"name":"digest"}`)
	if err != nil || out != "Removed job 'digest'" {
		t.Fatalf("remove = %q, %v", out, err)
	}
	if len(src.store.List()) != 0 {
		t.Fatal("job still present")
	}
	if _, err := call(t, r, "remove_job", `{"name":"digest"}`); !errors.Is(err, cron.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}
