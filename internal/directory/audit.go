package directory

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// AppendAudit records an administrative action in the system log.
func (s *Store) AppendAudit(ctx context.Context, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_logs (action, detail, created_at_unix) VALUES (?, ?, ?)`,
		action, detail, s.now().Unix())
	if err != nil {
		return fmt.Errorf("directory: append audit %q: %w", action, err)
	}
	return nil
}

// RecentAudit returns the newest entries first. limit <= 0 selects the
// default page size; larger values are capped.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	limit = min(limit, maxAuditLimit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, detail, created_at_unix FROM system_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: recent audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			unix int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Detail, &unix); err != nil {
			return nil, fmt.Errorf("directory: scan audit: %w", err)
		}
		e.CreatedAt = time.Unix(unix, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
