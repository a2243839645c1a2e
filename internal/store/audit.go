package store

import (
	"fmt"
	"time"
)

type AuditEntry struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveAuditEntry(source, message string, success bool, metadata string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (source, message, success, metadata)
		VALUES (?, ?, ?, ?)`,
		source, message, success, metadata)
	if err != nil {
		return fmt.Errorf("save audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEntries(source string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source, message, success, metadata, created_at
		FROM audit_log`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata *string
		if err := rows.Scan(&e.ID, &e.Source, &e.Message, &e.Success, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if metadata != nil {
			e.Metadata = *metadata
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
