package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ResumePointer lets a session reattach to its runtime conversation after a
// restart. It is stored next to the session log.
type ResumePointer struct {
	SessionID string    `json:"session_id"`
	LogOffset int64     `json:"log_offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

func pointerPath(dir, name string) string {
	return filepath.Join(dir, name+".resume.json")
}

// LoadPointer reads the resume pointer for name. A missing file yields the
// zero pointer.
func LoadPointer(dir, name string) (ResumePointer, error) {
	var p ResumePointer
	data, err := os.ReadFile(pointerPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read resume pointer: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ResumePointer{}, fmt.Errorf("decode resume pointer: %w", err)
	}
	return p, nil
}

// SavePointer writes the pointer with a temp file and rename so readers never
// see a torn file.
func SavePointer(dir, name string, p ResumePointer) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resume pointer: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".resume-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, pointerPath(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename resume pointer: %w", err)
	}
	return nil
}
