package cron_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/cordell/internal/bus"
	"github.com/basket/cordell/internal/cron"
)

func TestJobCompile(t *testing.T) {
	j, err := cron.Job{Name: "x", Schedule: "*/5 * * * *", Prompt: "p"}.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if j.Session != "main" {
		t.Fatalf("default session = %q", j.Session)
	}
	from := time.Date(2026, 3, 2, 8, 1, 0, 0, time.UTC)
	if next := j.Next(from); !next.Equal(time.Date(2026, 3, 2, 8, 5, 0, 0, time.UTC)) {
		t.Fatalf("next = %s", next)
	}

	bad := []cron.Job{
		{Name: "", Schedule: "* * * * *", Prompt: "p"},
		{Name: "../x", Schedule: "* * * * *", Prompt: "p"},
		{Name: "x", Schedule: "every day", Prompt: "p"},
		{Name: "x", Schedule: "* * * * * *", Prompt: "p"},
		{Name: "x", Schedule: "* * * * *", Prompt: "  "},
		{Name: "x", Schedule: "* * * * *", Prompt: "p", ActiveHours: &cron.Window{Start: 8, End: 24}},
		{Name: "x", Session: "a b", Schedule: "* * * * *", Prompt: "p"},
	}
	for _, b := range bad {
		if _, err := b.Compile(); !errors.Is(err, cron.ErrInvalidJob) {
			t.Errorf("compile %+v: err = %v, want ErrInvalidJob", b, err)
		}
	}
}

func TestJobNext_RollsOverMidnight(t *testing.T) {
	job, err := cron.Job{Name: "midnight", Schedule: "0 0 * * *", Prompt: "p"}.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	from := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	if next := job.Next(from); !next.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %s", next)
	}
	if next := (cron.Job{Name: "raw", Schedule: "0 0 * * *"}).Next(from); !next.IsZero() {
		t.Fatalf("uncompiled job next = %s, want zero", next)
	}
}

func TestJobStore_AddReplaceRemove(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicJobsChanged)
	defer b.Unsubscribe(sub)

	var persisted [][]cron.Job
	store, err := cron.NewJobStore([]cron.Job{{Name: "b", Schedule: "0 9 * * *", Prompt: "p"}}, cron.StoreOptions{
		Bus: b,
		Persist: func(jobs []cron.Job) error {
			persisted = append(persisted, jobs)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	replaced, err := store.Add(cron.Job{Name: "a", Schedule: "0 8 * * *", Prompt: "p"}, "tool")
	if err != nil || replaced {
		t.Fatalf("add a: replaced=%v err=%v", replaced, err)
	}
	replaced, err = store.Add(cron.Job{Name: "b", Schedule: "0 10 * * *", Prompt: "q"}, "tool")
	if err != nil || !replaced {
		t.Fatalf("replace b: replaced=%v err=%v", replaced, err)
	}

	snap := store.Snapshot()
	if snap.Version != 3 || len(snap.Jobs) != 2 || snap.Jobs[0].Name != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got, _ := store.Get("b"); got.Schedule != "0 10 * * *" || got.Prompt != "q" {
		t.Fatalf("b = %+v", got)
	}
	if len(persisted) != 2 || len(persisted[1]) != 2 {
		t.Fatalf("persisted = %+v", persisted)
	}

	if err := store.Remove("zzz", "tool"); !errors.Is(err, cron.ErrJobNotFound) {
		t.Fatalf("remove missing: %v", err)
	}
	if err := store.Remove("a", "tool"); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("a still present")
	}

	var versions []uint64
	for len(versions) < 3 {
		select {
		case ev := <-sub.Ch():
			versions = append(versions, ev.Payload.(bus.JobsChangedEvent).Version)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", versions)
		}
	}
	if versions[0] != 2 || versions[2] != 4 {
		t.Fatalf("versions = %v", versions)
	}
}

func TestJobStore_PersistFailureLeavesJobsUnchanged(t *testing.T) {
	fail := true
	store, err := cron.NewJobStore([]cron.Job{{Name: "keep", Schedule: "0 9 * * *", Prompt: "p"}}, cron.StoreOptions{
		Persist: func([]cron.Job) error {
			if fail {
				return errors.New("read-only file system")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	before := store.Snapshot()

	if _, err := store.Add(cron.Job{Name: "new", Schedule: "0 9 * * *", Prompt: "p"}, "tool"); err == nil {
		t.Fatal("expected persist error")
	}
	if err := store.Remove("keep", "tool"); err == nil {
		t.Fatal("expected persist error")
	}
	if store.Snapshot() != before {
		t.Fatal("snapshot changed after failed persist")
	}

	fail = false
	if _, err := store.Add(cron.Job{Name: "new", Schedule: "0 9 * * *", Prompt: "p"}, "tool"); err != nil {
		t.Fatalf("add after recovery: %v", err)
	}
}

func TestJobStore_ReplaceSkipsPersistAndValidatesAll(t *testing.T) {
	calls := 0
	store, _ := cron.NewJobStore(nil, cron.StoreOptions{Persist: func([]cron.Job) error { calls++; return nil }})

	err := store.Replace([]cron.Job{
		{Name: "ok", Schedule: "0 9 * * *", Prompt: "p"},
		{Name: "broken", Schedule: "bad", Prompt: "p"},
	}, "reload")
	if !errors.Is(err, cron.ErrInvalidJob) {
		t.Fatalf("replace with bad job: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("partial replace applied")
	}

	err = store.Replace([]cron.Job{
		{Name: "dup", Schedule: "0 9 * * *", Prompt: "p"},
		{Name: "dup", Schedule: "0 10 * * *", Prompt: "p"},
	}, "reload")
	if !errors.Is(err, cron.ErrInvalidJob) {
		t.Fatalf("replace with duplicates: %v", err)
	}

	if err := store.Replace([]cron.Job{{Name: "ok", Schedule: "0 9 * * *", Prompt: "p"}}, "reload"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if calls != 0 {
		t.Fatalf("persist called %d times on reload", calls)
	}
	if len(store.List()) != 1 {
		t.Fatalf("jobs = %+v", store.List())
	}
}

func TestJobStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	store, _ := cron.NewJobStore(nil, cron.StoreOptions{})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Snapshot()
				for k := 1; k < len(snap.Jobs); k++ {
					if snap.Jobs[k-1].Name >= snap.Jobs[k].Name {
						t.Error("snapshot not sorted")
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		name := string(rune('a'+i%26)) + "job"
		if i%3 == 2 {
			_ = store.Remove(name, "tool")
			continue
		}
		if _, err := store.Add(cron.Job{Name: name, Schedule: "0 9 * * *", Prompt: "p"}, "tool"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
