package history_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/cordell/internal/history"
)

func openStore(t *testing.T) (*history.Store, *history.Reader) {
	t.Helper()
	dir := t.TempDir()
	store, err := history.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, history.NewReader(dir, nil)
}

func sameRecord(a, b history.Record) bool {
	return a.ID == b.ID &&
		a.Kind == b.Kind &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Content == b.Content &&
		a.CorrelationID == b.CorrelationID &&
		a.Tool == b.Tool &&
		bytes.Equal(a.Input, b.Input) &&
		a.IsError == b.IsError
}

func sampleTurn() []history.Record {
	return []history.Record{
		history.NewRecord(history.KindUser, "check the inbox"),
		history.ToolUse("call-1", "Read", json.RawMessage(`{"path":"inbox.md"}`)),
		history.ToolResult("call-1", "3 unread", false),
		history.NewRecord(history.KindAssistant, "You have 3 unread messages."),
	}
}

func TestRoundTrip_OnePass(t *testing.T) {
	store, reader := openStore(t)
	want := sampleTurn()

	size, err := store.Append("main", want...)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, next, err := reader.ReadAll("main", 0)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if next != size {
		t.Fatalf("next offset = %d, want log size %d", next, size)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !sameRecord(got[i], want[i]) {
			t.Fatalf("record %d differs:\n got %#v\nwant %#v", i, got[i], want[i])
		}
	}
}

func TestRoundTrip_ResumedMidStream(t *testing.T) {
	store, reader := openStore(t)
	want := append(sampleTurn(), sampleTurn()...)
	if _, err := store.Append("main", want...); err != nil {
		t.Fatalf("append: %v", err)
	}

	var first []history.Record
	var resumeAt int64
	for entry, err := range reader.Records("main", 0) {
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		first = append(first, entry.Record)
		resumeAt = entry.Next
		if len(first) == 3 {
			break
		}
	}

	rest, _, err := reader.ReadAll("main", resumeAt)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := append(first, rest...)
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !sameRecord(got[i], want[i]) {
			t.Fatalf("record %d differs after resume", i)
		}
	}
}

func TestRecords_ExcludesTrailingPartialLine(t *testing.T) {
	store, reader := openStore(t)
	if _, err := store.Append("main", history.NewRecord(history.KindUser, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.OpenFile(store.Path("main"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	partial := history.NewRecord(history.KindAssistant, "half written")
	line, _ := json.Marshal(partial)
	if _, err := f.Write(line[:len(line)/2]); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	got, _, err := reader.ReadAll("main", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected only the complete record, got %#v", got)
	}

	if _, err := f.Write(append(line[len(line)/2:], '\n')); err != nil {
		t.Fatalf("finish line: %v", err)
	}
	_ = f.Close()

	got, _, err = reader.ReadAll("main", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].ID != partial.ID {
		t.Fatalf("expected completed record to appear, got %#v", got)
	}
}

func TestRecords_SkipsMalformedCompleteLine(t *testing.T) {
	store, reader := openStore(t)
	if _, err := store.Append("main", history.NewRecord(history.KindUser, "one")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(store.Path("main"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{not json}\n\n")
	_ = f.Close()
	if _, err := store.Append("main", history.NewRecord(history.KindAssistant, "two")); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _, err := reader.ReadAll("main", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Content != "one" || got[1].Content != "two" {
		t.Fatalf("unexpected records %#v", got)
	}
}

func TestRecords_BoundedBySizeAtStart(t *testing.T) {
	store, reader := openStore(t)
	if _, err := store.Append("main", sampleTurn()...); err != nil {
		t.Fatalf("append: %v", err)
	}

	count := 0
	var next int64
	for entry, err := range reader.Records("main", 0) {
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		if count == 0 {
			if _, err := store.Append("main", history.NewRecord(history.KindUser, "late")); err != nil {
				t.Fatalf("append during read: %v", err)
			}
		}
		count++
		next = entry.Next
	}
	if count != 4 {
		t.Fatalf("iterated %d records, want 4", count)
	}

	late, _, err := reader.ReadAll("main", next)
	if err != nil {
		t.Fatalf("read late: %v", err)
	}
	if len(late) != 1 || late[0].Content != "late" {
		t.Fatalf("expected late record on next read, got %#v", late)
	}
}

func TestRecords_MissingLogAndBadOffset(t *testing.T) {
	_, reader := openStore(t)

	got, _, err := reader.ReadAll("nobody", 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("missing log: got %v, err %v", got, err)
	}
	if _, _, err := reader.ReadAll("nobody", 10); !errors.Is(err, history.ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
	if _, _, err := reader.ReadAll("../etc/passwd", 0); !errors.Is(err, history.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestAppend_RejectsInvalidRecords(t *testing.T) {
	store, _ := openStore(t)

	if _, err := store.Append("main", history.Record{Kind: "chatter"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := store.Append("main", history.Record{Kind: history.KindToolUse, Tool: "Read"}); err == nil {
		t.Fatal("expected error for tool_use without correlation id")
	}
	if _, err := store.Append("bad/name", history.NewRecord(history.KindUser, "x")); !errors.Is(err, history.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if size, _ := store.Size("main"); size != 0 {
		t.Fatalf("rejected batch must not write, size=%d", size)
	}
}

func TestAppend_DropsCrashLeftoverBeforeWriting(t *testing.T) {
	dir := t.TempDir()
	first, err := history.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := first.Append("main", history.NewRecord(history.KindUser, "kept")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, _ := os.OpenFile(filepath.Join(dir, "main.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString(`{"id":"x","kind":"assis`)
	_ = f.Close()

	second, err := history.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := second.Append("main", history.NewRecord(history.KindAssistant, "after restart")); err != nil {
		t.Fatalf("append after restart: %v", err)
	}

	got, _, err := history.NewReader(dir, nil).ReadAll("main", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Content != "kept" || got[1].Content != "after restart" {
		t.Fatalf("unexpected records after repair: %#v", got)
	}
}

func TestBuildTranscript_PairsAndPending(t *testing.T) {
	dup := history.NewRecord(history.KindAssistant, "done")
	records := []history.Record{
		history.NewRecord(history.KindUser, "go"),
		history.ToolUse("a", "Bash", json.RawMessage(`{"cmd":"ls"}`)),
		history.ToolUse("b", "Read", nil),
		history.ToolResult("a", "file.txt", false),
		history.ToolResult("zzz", "orphan", true),
		dup,
		dup,
	}

	tr := history.BuildTranscript(records)
	if len(tr.Turns) != 5 {
		t.Fatalf("turns = %d, want 5: %#v", len(tr.Turns), tr.Turns)
	}
	a := tr.Turns[1].Tool
	if a == nil || a.Name != "Bash" || a.Pending || a.Output != "file.txt" {
		t.Fatalf("call a not paired: %#v", a)
	}
	pending := tr.Pending()
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("pending = %#v, want only b", pending)
	}
	orphan := tr.Turns[3]
	if orphan.Kind != history.KindToolResult || orphan.Tool.ID != "zzz" || !orphan.Tool.IsError {
		t.Fatalf("orphan result not kept: %#v", orphan)
	}
	if tr.Turns[4].Content != "done" {
		t.Fatalf("duplicate assistant record not collapsed: %#v", tr.Turns)
	}
}

func TestReader_TranscriptFromLog(t *testing.T) {
	store, reader := openStore(t)
	if _, err := store.Append("main", sampleTurn()...); err != nil {
		t.Fatalf("append: %v", err)
	}
	tr, err := reader.Transcript("main")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(tr.Turns) != 3 || len(tr.Pending()) != 0 {
		t.Fatalf("unexpected transcript %#v", tr)
	}
}

func TestTail_LimitCacheAndDedup(t *testing.T) {
	store, reader := openStore(t)
	rec := history.NewRecord(history.KindUser, "repeat")
	if _, err := store.Append("main", rec, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := reader.Tail("main", 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected dedup to 1 record, got %d", len(got))
	}

	if _, err := store.Append("main", sampleTurn()...); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err = reader.Tail("main", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 2 || got[1].Kind != history.KindAssistant {
		t.Fatalf("tail(2) = %#v", got)
	}

	all, _ := reader.Tail("main", 0)
	if len(all) != 5 {
		t.Fatalf("expected incremental cache to hold 5 records, got %d", len(all))
	}

	if missing, err := reader.Tail("ghost", 10); err != nil || missing != nil {
		t.Fatalf("missing session tail: %v %v", missing, err)
	}
}

func TestTail_ForgetDropsStaleCache(t *testing.T) {
	store, reader := openStore(t)
	if _, err := store.Append("main", history.NewRecord(history.KindUser, "alpha")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got, err := reader.Tail("main", 0); err != nil || len(got) != 1 || got[0].Content != "alpha" {
		t.Fatalf("tail = %#v, %v", got, err)
	}

	// Same size and mtime: only Forget can tell the cache is stale.
	path := store.Path("main")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, bytes.Replace(data, []byte("alpha"), []byte("omega"), 1), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if got, _ := reader.Tail("main", 0); got[0].Content != "alpha" {
		t.Fatalf("expected cached record, got %q", got[0].Content)
	}

	reader.Forget("main")
	if got, _ := reader.Tail("main", 0); len(got) != 1 || got[0].Content != "omega" {
		t.Fatalf("tail after forget = %#v", got)
	}
}
