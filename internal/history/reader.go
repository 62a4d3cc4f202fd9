package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrOffsetOutOfRange is yielded when a read starts past the end of the log.
var ErrOffsetOutOfRange = errors.New("history offset beyond end of log")

// Entry is a record together with its position in the log. Next is the
// offset to pass to Records to continue after this entry.
type Entry struct {
	Record Record
	Offset int64
	Next   int64
}

// Reader reads session logs without taking any writer lock.
type Reader struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*tailCache
}

type tailCache struct {
	modTime time.Time
	next    int64
	seen    map[string]struct{}
	records []Record
}

// NewReader returns a Reader for the logs in dir.
func NewReader(dir string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{dir: dir, logger: logger, cache: make(map[string]*tailCache)}
}

// Records yields the session's records in log order starting at byte offset
// from. The sequence stops at the log size observed when iteration begins,
// so records appended concurrently are picked up by the next call. A
// trailing line without a newline is not yielded. Complete lines that fail
// to decode are logged and skipped. A missing log yields nothing.
func (r *Reader) Records(session string, from int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := ValidateSession(session); err != nil {
			yield(Entry{}, err)
			return
		}
		f, err := os.Open(logPath(r.dir, session))
		if errors.Is(err, os.ErrNotExist) {
			if from > 0 {
				yield(Entry{}, fmt.Errorf("%w: offset %d, log empty", ErrOffsetOutOfRange, from))
			}
			return
		}
		if err != nil {
			yield(Entry{}, fmt.Errorf("open log: %w", err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(Entry{}, fmt.Errorf("stat log: %w", err))
			return
		}
		size := info.Size()
		if from < 0 || from > size {
			yield(Entry{}, fmt.Errorf("%w: offset %d, size %d", ErrOffsetOutOfRange, from, size))
			return
		}

		br := bufio.NewReaderSize(io.NewSectionReader(f, from, size-from), 64*1024)
		offset := from
		for {
			line, err := br.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("read log: %w", err))
				return
			}
			start := offset
			offset += int64(len(line))

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				r.logger.Warn("history: skipping malformed record", "session", session, "offset", start, "error", err)
				continue
			}
			if !yield(Entry{Record: rec, Offset: start, Next: offset}, nil) {
				return
			}
		}
	}
}

// ReadAll collects every record of the session from offset from, returning
// the offset to resume at.
func (r *Reader) ReadAll(session string, from int64) ([]Record, int64, error) {
	var out []Record
	next := from
	for entry, err := range r.Records(session, from) {
		if err != nil {
			return out, next, err
		}
		out = append(out, entry.Record)
		next = entry.Next
	}
	return out, next, nil
}

// Tail returns up to limit of the most recent records, de-duplicated by
// record id. A limit of zero or less returns everything. Parsed records are
// cached per session and extended incrementally while the log only grows.
func (r *Reader) Tail(session string, limit int) ([]Record, error) {
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	info, err := os.Stat(logPath(r.dir, session))
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		delete(r.cache, session)
		r.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.cache[session]
	if c == nil || info.Size() < c.next {
		c = &tailCache{seen: make(map[string]struct{})}
		r.cache[session] = c
	}
	if info.Size() > c.next || !info.ModTime().Equal(c.modTime) {
		for entry, err := range r.Records(session, c.next) {
			if err != nil {
				return nil, err
			}
			c.next = entry.Next
			if id := entry.Record.ID; id != "" {
				if _, dup := c.seen[id]; dup {
					continue
				}
				c.seen[id] = struct{}{}
			}
			c.records = append(c.records, entry.Record)
		}
		c.modTime = info.ModTime()
	}

	records := c.records
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]Record(nil), records...), nil
}

// Forget drops the cached tail for session.
func (r *Reader) Forget(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, session)
}
