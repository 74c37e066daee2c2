package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// insertAudit writes one audit row inside the caller's transaction.
// Every mutating operation records exactly one entry; the row commits
// or rolls back with the change it describes.
func insertAudit(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, action, target_type, target_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ActorID, entry.Action, entry.TargetType, entry.TargetID, payload); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows the audit listing. Zero values mean no filter.
type AuditFilter struct {
	ActorID      string
	Action       string
	ActionPrefix string
	TargetType   string
	TargetID     string
	Limit        uint64
	Offset       uint64
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	builder := psql.Select("id", "actor_id", "action", "target_type", "target_id", "details", "created_at").
		From("audit_log").
		OrderBy("created_at DESC", "id DESC")

	if filter.ActorID != "" {
		builder = builder.Where(sq.Eq{"actor_id": filter.ActorID})
	}
	if filter.Action != "" {
		builder = builder.Where(sq.Eq{"action": filter.Action})
	}
	if filter.ActionPrefix != "" {
		builder = builder.Where(sq.Like{"action": filter.ActionPrefix + "%"})
	}
	if filter.TargetType != "" {
		builder = builder.Where(sq.Eq{"target_type": filter.TargetType})
	}
	if filter.TargetID != "" {
		builder = builder.Where(sq.Eq{"target_id": filter.TargetID})
	}
	limit := filter.Limit
	if limit == 0 || limit > 200 {
		limit = 100
	}
	builder = builder.Limit(limit)
	if filter.Offset > 0 {
		builder = builder.Offset(filter.Offset)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.Action, &entry.TargetType, &entry.TargetID, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Details); err != nil {
				entry.Details = map[string]any{"raw": string(payload)}
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// WorkflowHistory is the article's review trail read straight from the
// audit log, oldest first.
func (s *PostgresStore) WorkflowHistory(ctx context.Context, articleID string) ([]AuditEntry, error) {
	if _, err := s.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	entries, err := s.ListAudit(ctx, AuditFilter{
		TargetType:   "article",
		TargetID:     articleID,
		ActionPrefix: "review.",
		Limit:        200,
	})
	if err != nil {
		return nil, err
	}
	// ListAudit returns newest first; history reads forward.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
