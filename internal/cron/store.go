package cron

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/telemetry"
)

// Snapshot is an immutable view of the job set. Version increases with every
// change.
type Snapshot struct {
	Version uint64
	Jobs    []Job
}

// Get returns the job with the given name.
func (s *Snapshot) Get(name string) (Job, bool) {
	i := sort.Search(len(s.Jobs), func(i int) bool { return s.Jobs[i].Name >= name })
	if i < len(s.Jobs) && s.Jobs[i].Name == name {
		return s.Jobs[i], true
	}
	return Job{}, false
}

// StoreOptions configures a JobStore.
type StoreOptions struct {
	// Persist is called with the new job set before an Add or Remove takes
	// effect. If it fails the change is not applied.
	Persist func(jobs []Job) error
	Bus     *bus.Bus
	Metrics *telemetry.Metrics
}

// JobStore holds the job definitions. Readers load the current snapshot
// without locking; writers build a new snapshot and swap it in.
type JobStore struct {
	opts StoreOptions

	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// NewJobStore compiles jobs and returns a store holding them.
func NewJobStore(jobs []Job, opts StoreOptions) (*JobStore, error) {
	s := &JobStore{opts: opts}
	compiled, err := compileAll(jobs)
	if err != nil {
		return nil, err
	}
	s.cur.Store(&Snapshot{Version: 1, Jobs: compiled})
	opts.Metrics.SetJobsLoaded(len(compiled))
	return s, nil
}

func compileAll(jobs []Job) ([]Job, error) {
	out := make([]Job, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		c, err := j.Compile()
		if err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidJob, c.Name)
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Snapshot returns the current job set. Callers must not modify it.
func (s *JobStore) Snapshot() *Snapshot {
	return s.cur.Load()
}

// List returns a copy of the current jobs sorted by name.
func (s *JobStore) List() []Job {
	return append([]Job(nil), s.cur.Load().Jobs...)
}

// Get returns the named job.
func (s *JobStore) Get(name string) (Job, bool) {
	return s.cur.Load().Get(name)
}

// Add creates or replaces a job. It reports whether an existing job was
// replaced.
func (s *JobStore) Add(job Job, source string) (bool, error) {
	c, err := job.Compile()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := make([]Job, 0, len(cur.Jobs)+1)
	replaced := false
	for _, j := range cur.Jobs {
		if j.Name == c.Name {
			replaced = true
			continue
		}
		next = append(next, j)
	}
	next = append(next, c)
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })
	if err := s.commit(cur, next, source, true); err != nil {
		return false, err
	}
	return replaced, nil
}

// Remove deletes the named job.
func (s *JobStore) Remove(name, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := make([]Job, 0, len(cur.Jobs))
	found := false
	for _, j := range cur.Jobs {
		if j.Name == name {
			found = true
			continue
		}
		next = append(next, j)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.commit(cur, next, source, true)
}

// Replace swaps in a whole new job set without persisting it, as on a
// configuration reload.
func (s *JobStore) Replace(jobs []Job, source string) error {
	compiled, err := compileAll(jobs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(s.cur.Load(), compiled, source, false)
}

// commit must be called with s.mu held.
func (s *JobStore) commit(cur *Snapshot, next []Job, source string, persist bool) error {
	if persist && s.opts.Persist != nil {
		if err := s.opts.Persist(next); err != nil {
			return fmt.Errorf("persist jobs: %w", err)
		}
	}
	snap := &Snapshot{Version: cur.Version + 1, Jobs: next}
	s.cur.Store(snap)

	names := make([]string, len(next))
	for i, j := range next {
		names[i] = j.Name
	}
	s.opts.Metrics.SetJobsLoaded(len(next))
	s.opts.Bus.Publish(bus.TopicJobsChanged, bus.JobsChangedEvent{Version: snap.Version, Names: names, Source: source})
	return nil
}
