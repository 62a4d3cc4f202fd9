// Package session owns the named conversations and serializes access to
// each one. A session is acquired, used for one or more turns and released;
// every completed turn is durably logged before it is reported.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/cordell/internal/agent"
	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/history"
	otelPkg "github.com/basket/cordell/internal/otel"
	"github.com/basket/cordell/internal/telemetry"
)

var (
	ErrSessionBusy           = errors.New("session busy")
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrPromptTimeout         = errors.New("prompt timed out")
	ErrLogWriteFailure       = errors.New("session log write failed")
	ErrReleased              = errors.New("session handle already released")
	ErrClosed                = errors.New("session manager closed")
)

const defaultReplayLimit = 200

// Appender is the durable log the manager writes turns to.
type Appender interface {
	Append(session string, records ...history.Record) (int64, error)
}

// Resolver maps a session name to the agent it talks to.
type Resolver interface {
	Resolve(session string) (agent.Spec, error)
}

// Config wires a Manager. Dir, Dialer and Agents are required.
type Config struct {
	Dir    string
	Dialer agent.Dialer
	Agents Resolver

	// Log defaults to a history.Store over Dir.
	Log    Appender
	Reader *history.Reader
	// ReplayLimit caps the logged records handed to the runtime on dial.
	ReplayLimit int

	Bus         *bus.Bus
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Instruments *otelPkg.Instruments
	Logger      *slog.Logger
	Now         func() time.Time
}

// Info is a point-in-time view of one session.
type Info struct {
	Name         string    `json:"name"`
	Busy         bool      `json:"busy"`
	Connected    bool      `json:"connected"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	ResumeID     string    `json:"resume_id,omitempty"`
	LogOffset    int64     `json:"log_offset"`
	Failure      string    `json:"failure,omitempty"`
}

// Manager hands out exclusive access to sessions.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*state
	closed   bool
}

type state struct {
	name string
	lock chan struct{}

	// Owned by the lock holder.
	conn    agent.Conn
	pointer ResumePointer
	loaded  bool

	mu           sync.Mutex
	busy         bool
	connected    bool
	lastActivity time.Time
	failure      error
}

// New returns a Manager. The session directory is created if missing.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" || cfg.Dialer == nil || cfg.Agents == nil {
		return nil, errors.New("session: Dir, Dialer and Agents are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "session")
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if cfg.Log == nil {
		store, err := history.NewStore(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		cfg.Log = store
	}
	if cfg.Reader == nil {
		cfg.Reader = history.NewReader(cfg.Dir, logger)
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplayLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		sessions: make(map[string]*state),
	}, nil
}

func (m *Manager) state(name string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	st, ok := m.sessions[name]
	if !ok {
		st = &state{name: name, lock: make(chan struct{}, 1)}
		m.sessions[name] = st
	}
	return st, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// lock takes the session lock, waiting up to timeout. A timeout of zero or
// less only tries once.
func (m *Manager) lock(ctx context.Context, st *state, timeout time.Duration) error {
	select {
	case st.lock <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrSessionBusy, st.name)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrSessionBusy, st.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *state) failed() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failure
}

func (st *state) setBusy(busy bool, now time.Time) {
	st.mu.Lock()
	st.busy = busy
	if !busy {
		st.lastActivity = now
	}
	st.mu.Unlock()
}

func (st *state) setConnected(v bool) {
	st.mu.Lock()
	st.connected = v
	st.mu.Unlock()
}

// Acquire returns exclusive access to the named session, waiting up to
// timeout for a current holder to release it. The runtime connection is
// opened, or resumed from the saved pointer, on first use. A session whose
// connection could not be created stays failed until Reinitialize.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	if err := history.ValidateSession(name); err != nil {
		return nil, err
	}
	st, err := m.state(name)
	if err != nil {
		return nil, err
	}
	if err := st.failed(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionCreationFailed, name, err)
	}
	if err := m.lock(ctx, st, timeout); err != nil {
		return nil, err
	}
	if err := st.failed(); err != nil {
		<-st.lock
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionCreationFailed, name, err)
	}
	st.setBusy(true, m.cfg.Now())
	m.cfg.Metrics.SessionBusy(1)

	if err := m.ensureConn(ctx, st); err != nil {
		m.unlock(st)
		return nil, err
	}
	m.cfg.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{Session: name, State: "busy"})
	return &Handle{m: m, st: st}, nil
}

func (m *Manager) unlock(st *state) {
	st.setBusy(false, m.cfg.Now())
	m.cfg.Metrics.SessionBusy(-1)
	<-st.lock
}

// ensureConn opens the runtime connection for a locked session.
func (m *Manager) ensureConn(ctx context.Context, st *state) error {
	if st.conn != nil {
		return nil
	}
	logger := m.logger.With("session", st.name)
	if !st.loaded {
		p, err := LoadPointer(m.cfg.Dir, st.name)
		if err != nil {
			logger.Warn("session: ignoring unreadable resume pointer", "error", err)
		}
		st.pointer = p
		st.loaded = true
	}

	spec, err := m.cfg.Agents.Resolve(st.name)
	if err != nil {
		return m.fail(st, err)
	}

	resumeID := st.pointer.SessionID
	if resumeID != "" {
		after := 0
		for _, err := range m.cfg.Reader.Records(st.name, st.pointer.LogOffset) {
			if errors.Is(err, history.ErrOffsetOutOfRange) {
				logger.Warn("session: log shorter than resume pointer, starting fresh", "log_offset", st.pointer.LogOffset)
				resumeID = ""
				st.pointer = ResumePointer{}
				break
			}
			if err != nil {
				break
			}
			after++
		}
		if after > 0 {
			logger.Info("session: log has records past resume pointer", "records", after)
		}
	}

	past, err := m.cfg.Reader.Tail(st.name, m.cfg.ReplayLimit)
	if err != nil {
		logger.Warn("session: could not read history for replay", "error", err)
	}

	conn, err := m.cfg.Dialer.Dial(ctx, agent.DialRequest{
		Session:  st.name,
		Agent:    spec,
		ResumeID: resumeID,
		History:  past,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(st, err)
	}
	st.conn = conn
	st.setConnected(true)
	if id := conn.SessionID(); id != "" {
		st.pointer.SessionID = id
	}
	logger.Info("session: connected", "agent", spec.Name, "runtime", spec.Runtime, "resumed", resumeID != "")
	return nil
}

func (m *Manager) fail(st *state, cause error) error {
	st.mu.Lock()
	st.failure = cause
	st.mu.Unlock()
	m.logger.Error("session: creation failed", "session", st.name, "error", cause)
	m.cfg.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{Session: st.name, State: "failed", Error: cause.Error()})
	return fmt.Errorf("%w: %s: %w", ErrSessionCreationFailed, st.name, cause)
}

// With acquires name, runs fn and always releases.
func (m *Manager) With(ctx context.Context, name string, timeout time.Duration, fn func(*Handle) error) error {
	h, err := m.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// Reinitialize clears a session's failure and drops its connection so the
// next Acquire dials again.
func (m *Manager) Reinitialize(ctx context.Context, name string, timeout time.Duration) error {
	if err := history.ValidateSession(name); err != nil {
		return err
	}
	st, err := m.state(name)
	if err != nil {
		return err
	}
	if err := m.lock(ctx, st, timeout); err != nil {
		return err
	}
	if st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
	}
	st.loaded = false
	m.cfg.Reader.Forget(name)
	st.mu.Lock()
	st.failure = nil
	st.connected = false
	st.mu.Unlock()
	<-st.lock
	m.logger.Info("session: reinitialized", "session", name)
	m.cfg.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{Session: name, State: "reinitialized"})
	return nil
}

// Sessions lists sessions known in memory or present on disk.
func (m *Manager) Sessions() []Info {
	byName := make(map[string]Info)
	if entries, err := os.ReadDir(m.cfg.Dir); err == nil {
		for _, e := range entries {
			n := e.Name()
			var name string
			switch {
			case strings.HasSuffix(n, ".resume.json"):
				name = strings.TrimSuffix(n, ".resume.json")
			case strings.HasSuffix(n, ".jsonl"):
				name = strings.TrimSuffix(n, ".jsonl")
			default:
				continue
			}
			if history.ValidateSession(name) != nil {
				continue
			}
			if _, ok := byName[name]; ok {
				continue
			}
			info := Info{Name: name}
			if p, err := LoadPointer(m.cfg.Dir, name); err == nil {
				info.ResumeID = p.SessionID
				info.LogOffset = p.LogOffset
				info.LastActivity = p.UpdatedAt
			}
			byName[name] = info
		}
	}

	m.mu.Lock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()
	for _, st := range states {
		info := byName[st.name]
		info.Name = st.name
		st.mu.Lock()
		info.Busy = st.busy
		info.Connected = st.connected
		if !st.lastActivity.IsZero() {
			info.LastActivity = st.lastActivity
		}
		if st.failure != nil {
			info.Failure = st.failure.Error()
		}
		st.mu.Unlock()
		byName[st.name] = info
	}

	out := make([]Info, 0, len(byName))
	for _, info := range byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes idle connections and refuses further acquisitions. Sessions
// still held close their connection on release.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		select {
		case st.lock <- struct{}{}:
			if st.conn != nil {
				_ = st.conn.Close()
				st.conn = nil
				st.setConnected(false)
			}
			<-st.lock
		default:
		}
	}
	return nil
}

// Handle is exclusive access to one session until Release.
type Handle struct {
	m        *Manager
	st       *state
	released atomic.Bool
}

// Name returns the session name.
func (h *Handle) Name() string { return h.st.name }

type sendResult struct {
	resp agent.Response
	err  error
}

// Send submits prompt and logs the turn. The response is returned only after
// the user record, each tool step and the assistant record are appended to
// the session log in that order. If ctx ends first the runtime call is
// abandoned, its connection is retired once it returns and ErrPromptTimeout
// is reported.
func (h *Handle) Send(ctx context.Context, prompt string) (agent.Response, error) {
	if h.released.Load() {
		return agent.Response{}, ErrReleased
	}
	m, st := h.m, h.st
	if err := m.ensureConn(ctx, st); err != nil {
		return agent.Response{}, err
	}

	ctx, span := otelPkg.StartClientSpan(ctx, m.tracer, "session.send", otelPkg.AttrSession.String(st.name))
	start := time.Now()
	user := history.NewRecord(history.KindUser, prompt)
	conn := st.conn

	done := make(chan sendResult, 1)
	go func() {
		resp, err := conn.Send(ctx, prompt)
		done <- sendResult{resp: resp, err: err}
	}()

	var res sendResult
	abandoned := false
	select {
	case res = <-done:
		abandoned = res.err != nil && ctx.Err() != nil
	case <-ctx.Done():
		abandoned = true
	}
	if abandoned {
		st.conn = nil
		st.setConnected(false)
		pending := res.err == nil
		go func() {
			if pending {
				<-done
			}
			_ = conn.Close()
		}()
		m.appendBestEffort(st.name, user, history.NewRecord(history.KindSystem, "prompt abandoned: "+ctx.Err().Error()))
		err := fmt.Errorf("%w: %s: %w", ErrPromptTimeout, st.name, ctx.Err())
		m.finishTurn(ctx, st.name, "timeout", start, 0)
		otelPkg.End(span, err)
		return agent.Response{}, err
	}

	if res.err != nil {
		if errors.Is(res.err, agent.ErrConnClosed) {
			st.conn = nil
			st.setConnected(false)
		}
		m.appendBestEffort(st.name, user, history.NewRecord(history.KindSystem, "agent error: "+res.err.Error()))
		err := fmt.Errorf("agent send: %w", res.err)
		m.finishTurn(ctx, st.name, "error", start, 0)
		otelPkg.End(span, err)
		return agent.Response{}, err
	}

	records := make([]history.Record, 0, len(res.resp.Events)+2)
	records = append(records, user)
	tools := 0
	for _, ev := range res.resp.Events {
		if ev.Kind == history.KindToolUse {
			tools++
		}
		records = append(records, ev.Record())
	}
	records = append(records, history.NewRecord(history.KindAssistant, res.resp.Text))

	size, err := m.cfg.Log.Append(st.name, records...)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrLogWriteFailure, st.name, err)
		m.logger.Error("session: turn not persisted", "session", st.name, "error", err)
		// The runtime already holds the unlogged exchange. Retire it so the
		// next dial resumes from the last saved pointer instead.
		st.conn = nil
		st.setConnected(false)
		_ = conn.Close()
		m.finishTurn(ctx, st.name, "log_failure", start, 0)
		otelPkg.End(span, err)
		return agent.Response{}, err
	}

	if id := res.resp.SessionID; id != "" {
		st.pointer.SessionID = id
	} else if id := conn.SessionID(); id != "" {
		st.pointer.SessionID = id
	}
	st.pointer.LogOffset = size
	span.SetAttributes(otelPkg.AttrLogOffset.Int64(size))
	m.cfg.Bus.Publish(bus.TopicSessionTurn, bus.SessionTurnEvent{Session: st.name, Records: len(records), LogOffset: size})
	m.finishTurn(ctx, st.name, "ok", start, tools)
	otelPkg.End(span, nil)
	return res.resp, nil
}

func (m *Manager) appendBestEffort(name string, records ...history.Record) {
	if _, err := m.cfg.Log.Append(name, records...); err != nil {
		m.logger.Warn("session: could not log failed turn", "session", name, "error", err)
	}
}

func (m *Manager) finishTurn(ctx context.Context, name, result string, start time.Time, tools int) {
	m.cfg.Metrics.ObserveTurn(name, result)
	if in := m.cfg.Instruments; in != nil {
		attrs := metric.WithAttributes(otelPkg.AttrSession.String(name))
		in.TurnDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), attrs)
		if tools > 0 {
			in.ToolInvocations.Add(context.WithoutCancel(ctx), int64(tools), attrs)
		}
	}
}

// Release persists the resume pointer and frees the session. It is safe to
// call more than once; only the first call has an effect.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	m, st := h.m, h.st
	now := m.cfg.Now()

	var err error
	if st.pointer.SessionID != "" {
		st.pointer.UpdatedAt = now.UTC()
		if err = SavePointer(m.cfg.Dir, st.name, st.pointer); err != nil {
			m.logger.Error("session: resume pointer not saved", "session", st.name, "error", err)
		}
	}
	if m.isClosed() && st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
		st.setConnected(false)
	}
	m.unlock(st)
	m.cfg.Bus.Publish(bus.TopicSessionState, bus.SessionStateEvent{Session: st.name, State: "idle"})
	return err
}
