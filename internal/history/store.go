package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store appends records to per-session logs under a directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
	repaired map[string]bool
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      dir,
		logger:   logger,
		sessions: make(map[string]*sync.Mutex),
		repaired: make(map[string]bool),
	}, nil
}

// Path returns the log file path for session.
func (s *Store) Path(session string) string {
	return logPath(s.dir, session)
}

func logPath(dir, session string) string {
	return filepath.Join(dir, session+".jsonl")
}

func (s *Store) lockFor(session string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.sessions[session]
	if !ok {
		mu = &sync.Mutex{}
		s.sessions[session] = mu
	}
	return mu
}

// Append durably writes records to the session log in order and returns the
// log size after the write. The batch is written with a single write call and
// fsynced; on failure the file is truncated back to its previous size so no
// partial line survives.
func (s *Store) Append(session string, records ...Record) (int64, error) {
	if err := ValidateSession(session); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	for _, r := range records {
		if err := r.validate(); err != nil {
			return 0, err
		}
		line, err := json.Marshal(r)
		if err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	mu := s.lockFor(session)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(s.Path(session), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	size, err := s.repairTail(session, f)
	if err != nil {
		return 0, err
	}
	if buf.Len() == 0 {
		return size, nil
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		s.rollback(session, f, size)
		return 0, fmt.Errorf("write log: %w", err)
	}
	if err := f.Sync(); err != nil {
		s.rollback(session, f, size)
		return 0, fmt.Errorf("sync log: %w", err)
	}
	return size + int64(buf.Len()), nil
}

// Size returns the current log size for session, or 0 if it has no log.
func (s *Store) Size(session string) (int64, error) {
	info, err := os.Stat(s.Path(session))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) rollback(session string, f *os.File, size int64) {
	if err := f.Truncate(size); err != nil {
		s.logger.Error("history: rollback of partial append failed", "session", session, "error", err)
	}
}

// repairTail drops an unterminated trailing line left by a crash before the
// first append of this process. Such a line was never acknowledged.
func (s *Store) repairTail(session string, f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	s.mu.Lock()
	done := s.repaired[session]
	s.repaired[session] = true
	s.mu.Unlock()
	if done || size == 0 {
		return size, nil
	}

	end, err := lastLineEnd(f, size)
	if err != nil {
		return 0, fmt.Errorf("scan log tail: %w", err)
	}
	if end == size {
		return size, nil
	}
	s.logger.Warn("history: dropping unterminated trailing line", "session", session, "bytes", size-end)
	if err := f.Truncate(end); err != nil {
		return 0, fmt.Errorf("truncate partial line: %w", err)
	}
	return end, nil
}

// lastLineEnd returns the offset just past the final '\n' in the first size
// bytes of r, or 0 when there is none.
func lastLineEnd(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := r.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}
