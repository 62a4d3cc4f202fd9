package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Notification is an inbox entry.
type Notification struct {
	ID        string     `json:"id"`
	Job       string     `json:"job"`
	Session   string     `json:"session"`
	Status    string     `json:"status"`
	Response  string     `json:"response"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// Read reports whether the notification has been marked read.
func (n Notification) Read() bool { return n.ReadAt != nil }

// InsertNotification adds an unread entry. An empty Status is stored as "ran".
func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	if n.Status == "" {
		n.Status = "ran"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (id, job, session, status, response, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, n.ID, n.Job, n.Session, n.Status, n.Response, n.Error, n.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return nil
	})
}

// ListNotifications returns notifications newest first. limit <= 0 means 50.
func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job, session, status, response, error, created_at, read_at FROM notifications`
	if unreadOnly {
		q += ` WHERE read_at IS NULL`
	}
	q += ` ORDER BY created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n      Notification
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.Job, &n.Session, &n.Status, &n.Response, &n.Error, &n.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks one notification read. It reports whether an unread
// notification with that id existed.
func (s *Store) MarkRead(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL;`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkAllRead marks every unread notification read.
func (s *Store) MarkAllRead(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read_at = ? WHERE read_at IS NULL;`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearNotifications deletes the whole inbox.
func (s *Store) ClearNotifications(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications;`)
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE read_at IS NULL;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
