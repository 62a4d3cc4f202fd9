package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/cordell/internal/bus"
	otelPkg "github.com/basket/cordell/internal/otel"
	"github.com/basket/cordell/internal/persistence"
	"github.com/basket/cordell/internal/session"
	"github.com/basket/cordell/internal/shared"
	"github.com/basket/cordell/internal/telemetry"
)

// ErrStopped is returned by Trigger after Stop.
var ErrStopped = errors.New("cron engine stopped")

const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultRunTimeout     = 10 * time.Minute
)

// Config holds the dependencies for the engine. Jobs and Sessions are
// required.
type Config struct {
	Jobs     *JobStore
	Sessions *session.Manager

	// Ledger records every outcome when set.
	Ledger      *persistence.Store
	Bus         *bus.Bus
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Instruments *otelPkg.Instruments
	Logger      *slog.Logger

	Interval       time.Duration // tick interval; defaults to 1 second
	AcquireTimeout time.Duration
	RunTimeout     time.Duration
	// Location is the clock used for schedules and active hours; defaults
	// to time.Local.
	Location *time.Location
	// NotifyBuffer sizes the outbound notification queue; defaults to 64.
	NotifyBuffer int
	// NotifyFailures queues a notification for error and timed-out runs.
	NotifyFailures bool
	Now            func() time.Time
}

// Engine evaluates job schedules and runs due jobs.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	notify chan Notification

	mu      sync.Mutex
	next    map[string]nextFire
	version uint64
	stopped bool

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

type nextFire struct {
	schedule string
	at       time.Time
}

// NewEngine creates an engine with the given config.
func NewEngine(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "cron"),
		tracer: tracer,
		notify: make(chan Notification, cfg.NotifyBuffer),
		next:   make(map[string]nextFire),
	}
}

// Notifications is the outbound queue of notify decisions. It is closed by
// Stop once every run has finished.
func (e *Engine) Notifications() <-chan Notification {
	return e.notify
}

// Jobs returns the job store the engine reads.
func (e *Engine) Jobs() *JobStore { return e.cfg.Jobs }

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.loopWG.Add(1)
	go e.loop(ctx)
	e.logger.Info("cron engine started", "interval", e.cfg.Interval, "jobs", len(e.cfg.Jobs.Snapshot().Jobs))
}

// Stop cancels the loop and in-flight runs and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.loopWG.Wait()
	e.runWG.Wait()
	close(e.notify)
	e.logger.Info("cron engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick dispatches every job whose fire time has passed. The next fire time
// is advanced before the run starts, so the loop never waits on a run.
func (e *Engine) tick(ctx context.Context) {
	now := e.cfg.Now().In(e.cfg.Location)
	snap := e.cfg.Jobs.Snapshot()

	var due []Job
	e.mu.Lock()
	if snap.Version != e.version {
		e.reconcile(snap, now)
	}
	for _, job := range snap.Jobs {
		nf, ok := e.next[job.Name]
		if !ok || nf.at.IsZero() || now.Before(nf.at) {
			continue
		}
		e.next[job.Name] = nextFire{schedule: job.Schedule, at: job.Next(now)}
		due = append(due, job)
	}
	e.mu.Unlock()

	for _, job := range due {
		e.dispatch(ctx, job, "schedule")
	}
}

// reconcile aligns the fire-time table with a new job set. Jobs whose
// schedule is unchanged keep their pending fire time. Must hold e.mu.
func (e *Engine) reconcile(snap *Snapshot, now time.Time) {
	next := make(map[string]nextFire, len(snap.Jobs))
	for _, job := range snap.Jobs {
		if nf, ok := e.next[job.Name]; ok && nf.schedule == job.Schedule {
			next[job.Name] = nf
			continue
		}
		next[job.Name] = nextFire{schedule: job.Schedule, at: job.Next(now)}
	}
	e.next = next
	e.version = snap.Version
}

// NextRuns returns the pending fire time of each scheduled job.
func (e *Engine) NextRuns() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.next))
	for name, nf := range e.next {
		out[name] = nf.at
	}
	return out
}

func (e *Engine) dispatch(ctx context.Context, job Job, trigger string) {
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.execute(ctx, job, trigger)
	}()
}

// Trigger runs the named job now, through the same path as a scheduled
// run, and returns its outcome.
func (e *Engine) Trigger(ctx context.Context, name string) (Outcome, error) {
	job, ok := e.cfg.Jobs.Get(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Outcome{}, ErrStopped
	}
	e.runWG.Add(1)
	e.mu.Unlock()
	defer e.runWG.Done()
	return e.execute(ctx, job, "manual"), nil
}

// execute runs one job and reports the outcome. Panics become an error
// outcome.
func (e *Engine) execute(ctx context.Context, job Job, trigger string) (out Outcome) {
	out = Outcome{
		RunID:     shared.NewRunID(),
		Job:       job.Name,
		Session:   job.Session,
		Trigger:   trigger,
		StartedAt: e.cfg.Now(),
	}
	ctx = shared.WithRunID(shared.WithSession(shared.WithJob(ctx, job.Name), job.Session), out.RunID)
	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "cron.run",
		otelPkg.AttrJob.String(job.Name),
		otelPkg.AttrSession.String(job.Session),
		otelPkg.AttrRunID.String(out.RunID),
	)

	var notify bool
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusError
			out.Error = fmt.Sprintf("panic: %v", r)
			e.logger.Error("cron: job run panicked", "job", job.Name, "panic", r, "stack", string(debug.Stack()))
			notify = e.cfg.NotifyFailures
		}
		out.Duration = e.cfg.Now().Sub(out.StartedAt)
		span.SetAttributes(otelPkg.AttrOutcome.String(string(out.Status)), otelPkg.AttrSuppress.Bool(out.Suppressed))
		var spanErr error
		if out.Error != "" {
			spanErr = errors.New(out.Error)
		}
		otelPkg.End(span, spanErr)
		e.report(ctx, out, notify)
	}()

	notify = e.run(ctx, job, &out)
	return out
}

// run moves one job through its states and fills out. It reports whether
// a notification should be sent: for an unsuppressed reply, and for a failed
// run when NotifyFailures is set.
func (e *Engine) run(ctx context.Context, job Job, out *Outcome) bool {
	hour := out.StartedAt.In(e.cfg.Location).Hour()
	if !job.ActiveHours.Contains(hour) {
		out.Status = StatusSkippedInactive
		return false
	}

	h, err := e.cfg.Sessions.Acquire(ctx, job.Session, e.cfg.AcquireTimeout)
	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, session.ErrSessionBusy) {
			out.Status = StatusSkippedBusy
			return false
		}
		out.Status = StatusError
		return e.cfg.NotifyFailures
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	resp, err := h.Send(runCtx, job.Prompt)
	cancel()
	h.Release()

	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, session.ErrPromptTimeout) {
			out.Status = StatusTimedOut
		} else {
			out.Status = StatusError
		}
		return e.cfg.NotifyFailures
	}

	out.Status = StatusRan
	out.Response = resp.Text
	if job.SuppressOK && IsHeartbeatOK(resp.Text) {
		out.Suppressed = true
		return false
	}
	return true
}

func (e *Engine) report(ctx context.Context, out Outcome, notify bool) {
	logger := shared.Logger(ctx, e.logger)
	attrs := []any{
		"status", out.Status,
		"trigger", out.Trigger,
		"suppressed", out.Suppressed,
		"duration_ms", out.Duration.Milliseconds(),
	}
	switch out.Status {
	case StatusError:
		logger.Error("cron: job run failed", append(attrs, "error", out.Error)...)
	case StatusTimedOut, StatusSkippedBusy:
		logger.Warn("cron: job run did not complete", append(attrs, "error", out.Error)...)
	default:
		logger.Info("cron: job run finished", attrs...)
	}

	acquired := out.Status == StatusRan || out.Status == StatusTimedOut
	e.cfg.Metrics.ObserveJobRun(out.Job, string(out.Status), out.Duration, acquired)
	if in := e.cfg.Instruments; in != nil {
		mctx := context.WithoutCancel(ctx)
		set := metric.WithAttributes(otelPkg.AttrJob.String(out.Job), otelPkg.AttrOutcome.String(string(out.Status)))
		in.JobRuns.Add(mctx, 1, set)
		if acquired {
			in.JobRunDuration.Record(mctx, out.Duration.Seconds(), set)
		}
	}
	e.cfg.Bus.Publish(bus.TopicJobOutcome, out)

	if e.cfg.Ledger != nil {
		err := e.cfg.Ledger.RecordRun(context.WithoutCancel(ctx), persistence.JobRun{
			RunID:      out.RunID,
			Job:        out.Job,
			Session:    out.Session,
			Trigger:    out.Trigger,
			Status:     string(out.Status),
			Suppressed: out.Suppressed,
			Response:   out.Response,
			Error:      out.Error,
			StartedAt:  out.StartedAt,
			DurationMS: out.Duration.Milliseconds(),
		})
		if err != nil {
			logger.Warn("cron: could not record run", "error", err)
		}
	}

	if !notify {
		return
	}
	n := Notification{
		ID:        uuid.NewString(),
		Job:       out.Job,
		Session:   out.Session,
		Timestamp: out.StartedAt.UTC(),
		Status:    out.Status,
		Response:  out.Response,
		Error:     out.Error,
	}
	select {
	case e.notify <- n:
	default:
		logger.Warn("cron: notification queue full, dropping", "notification_id", n.ID)
	}
}

// Status returns the jobs with their next fire times, sorted by name.
func (e *Engine) Status() []JobStatus {
	jobs := e.cfg.Jobs.List()
	next := e.NextRuns()
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobStatus{Job: j, NextRun: next[j.Name]})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// JobStatus is a job together with its next scheduled fire time.
type JobStatus struct {
	Job
	NextRun time.Time `json:"next_run,omitempty"`
}
