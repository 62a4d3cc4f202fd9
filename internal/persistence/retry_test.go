package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

var errLocked = errors.New("database is locked")

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		busy bool
	}{
		"nil":              {nil, false},
		"unrelated":        {errors.New("no such table: job_runs"), false},
		"typed busy":       {sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		"typed locked":     {sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		"typed constraint": {sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		"wrapped typed":    {fmt.Errorf("record run: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		"message":          {fmt.Errorf("insert notification: %w", errLocked), true},
		"table locked":     {errors.New("database table is locked"), true},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.busy {
			t.Errorf("%s: isSQLiteBusy(%v) = %v, want %v", name, tc.err, got, tc.busy)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	cases := []struct {
		name      string
		retries   int
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, failures: 0, wantCalls: 1},
		{name: "not retried", retries: 3, failures: 5, failWith: errors.New("constraint failed"), wantCalls: 1, wantErr: true},
		{name: "recovers", retries: 3, failures: 2, failWith: errLocked, wantCalls: 3},
		{name: "gives up", retries: 2, failures: 10, failWith: errLocked, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 50, func() error {
		calls++
		cancel()
		return errLocked
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// Two handles on one file contend for the write lock the way the daemon and
// a CLI command do.
func TestRecordRun_ConcurrentHandles(t *testing.T) {
	path := t.TempDir() + "/cordell.db"
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		for _, s := range []*Store{a, b} {
			wg.Add(1)
			go func(s *Store, i int) {
				defer wg.Done()
				id := fmt.Sprintf("%p-%d", s, i)
				errs <- s.RecordRun(ctx, JobRun{RunID: id, Job: "ping", Session: "main", Status: "ran", StartedAt: time.Now()})
			}(s, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("record run: %v", err)
		}
	}
	runs, err := a.ListRuns(ctx, "ping", 100)
	if err != nil || len(runs) != 40 {
		t.Fatalf("runs = %d, %v", len(runs), err)
	}
}
