package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"folio/api/internal/util"
	"folio/api/internal/workflow"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const reviewColumns = `id, article_id, type, status, priority, reviewer_id, assignee_id, score, feedback, checklist, metadata, deadline, assigned_at, completed_at, created_at, updated_at`

func scanReview(scan func(dest ...any) error) (Review, error) {
	var r Review
	err := scan(&r.ID, &r.ArticleID, &r.Type, &r.Status, &r.Priority, &r.ReviewerID, &r.AssigneeID,
		&r.Score, &r.Feedback, &r.Checklist, &r.Metadata, &r.Deadline, &r.AssignedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt)
	return r, err
}

type SubmitReviewInput struct {
	ArticleID string
	Type      string
	Priority  string
	Deadline  *time.Time
	Checklist string
	Metadata  string
	ActorID   string
}

// SubmitReview opens a review of one stage for an article. The
// (article_id, type) unique index holds the slot: a terminal review of
// the same stage is replaced in place, an active one is a conflict.
func (s *PostgresStore) SubmitReview(ctx context.Context, input SubmitReviewInput) (Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Review{}, fmt.Errorf("begin submit review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var articleID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM articles WHERE id=$1 FOR UPDATE`, input.ArticleID).Scan(&articleID); err != nil {
		return Review{}, err
	}

	existing, err := scanReview(tx.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE article_id=$1 AND type=$2 FOR UPDATE
	`, input.ArticleID, input.Type).Scan)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Review{}, fmt.Errorf("check existing review: %w", err)
	}
	if err == nil && workflow.Active(workflow.Status(existing.Status)) {
		return Review{}, ErrActiveReview
	}

	review, err := scanReview(tx.QueryRowContext(ctx, `
		INSERT INTO reviews (id, article_id, type, status, priority, checklist, metadata, deadline)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7)
		ON CONFLICT (article_id, type) DO UPDATE SET
			status = 'pending',
			priority = EXCLUDED.priority,
			reviewer_id = NULL,
			assignee_id = NULL,
			score = NULL,
			feedback = '',
			checklist = EXCLUDED.checklist,
			metadata = EXCLUDED.metadata,
			deadline = EXCLUDED.deadline,
			assigned_at = NULL,
			completed_at = NULL,
			updated_at = NOW()
		RETURNING `+reviewColumns,
		util.NewID("rev"), input.ArticleID, input.Type, input.Priority, input.Checklist, input.Metadata, input.Deadline).Scan)
	if err != nil {
		return Review{}, fmt.Errorf("upsert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE articles SET status='pending_review', updated_at=NOW() WHERE id=$1
	`, input.ArticleID); err != nil {
		return Review{}, fmt.Errorf("mark article pending review: %w", err)
	}

	if err := upsertReviewState(ctx, tx, input.ArticleID,
		workflow.StageLabel(workflow.Stage(input.Type)), "In Review", input.Priority, input.Deadline); err != nil {
		return Review{}, err
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "review.submitted",
		TargetType: "article",
		TargetID:   input.ArticleID,
		Details:    map[string]any{"reviewId": review.ID, "type": review.Type, "priority": review.Priority},
	}); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(); err != nil {
		return Review{}, fmt.Errorf("commit submit review: %w", err)
	}
	return review, nil
}

type AssignReviewInput struct {
	ReviewID   string
	AssigneeID string
	Deadline   *time.Time
	ActorID    string
}

// AssignReview moves a pending review to in_progress, recording the
// assigner as reviewer and checking the assignee's reputation against
// the stage gate.
func (s *PostgresStore) AssignReview(ctx context.Context, input AssignReviewInput) (Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Review{}, fmt.Errorf("begin assign review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	review, err := scanReview(tx.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE id=$1 FOR UPDATE
	`, input.ReviewID).Scan)
	if err != nil {
		return Review{}, err
	}
	if review.Status != string(workflow.StatusPending) {
		return Review{}, ErrReviewNotPending
	}

	var reputation int
	if err := tx.QueryRowContext(ctx, `
		SELECT reviewer_reputation FROM users WHERE id=$1
	`, input.AssigneeID).Scan(&reputation); err != nil {
		return Review{}, fmt.Errorf("load assignee: %w", err)
	}
	if reputation < workflow.MinReputation(workflow.Stage(review.Type)) {
		return Review{}, ErrLowReputation
	}

	deadline := review.Deadline
	if input.Deadline != nil {
		deadline = input.Deadline
	}
	review, err = scanReview(tx.QueryRowContext(ctx, `
		UPDATE reviews SET
			status = 'in_progress',
			reviewer_id = $2,
			assignee_id = $3,
			deadline = $4,
			assigned_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+reviewColumns,
		input.ReviewID, input.ActorID, input.AssigneeID, deadline).Scan)
	if err != nil {
		return Review{}, fmt.Errorf("assign review: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET reviewer_reputation = reviewer_reputation + 1, updated_at=NOW() WHERE id=$1
	`, input.AssigneeID); err != nil {
		return Review{}, fmt.Errorf("bump assignee reputation: %w", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "review.assigned",
		TargetType: "article",
		TargetID:   review.ArticleID,
		Details:    map[string]any{"reviewId": review.ID, "type": review.Type, "assigneeId": input.AssigneeID, "from": "pending", "status": review.Status},
	}); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(); err != nil {
		return Review{}, fmt.Errorf("commit assign review: %w", err)
	}
	return review, nil
}

type UpdateReviewInput struct {
	ReviewID string
	// Optional fields. Nil leaves the current value in place.
	Status    *string
	Score     *int
	Feedback  *string
	Checklist *string
	Metadata  *string
	Priority  *string
	ActorID   string
}

// UpdateReview applies reviewer edits and, on a status change, runs the
// transition table and the publish decision for the whole article.
func (s *PostgresStore) UpdateReview(ctx context.Context, input UpdateReviewInput) (Review, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Review{}, fmt.Errorf("begin update review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	review, err := scanReview(tx.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE id=$1 FOR UPDATE
	`, input.ReviewID).Scan)
	if err != nil {
		return Review{}, err
	}

	priorStatus := review.Status
	newStatus := review.Status
	if input.Status != nil && *input.Status != review.Status {
		if !workflow.CanTransition(workflow.Status(review.Status), workflow.Status(*input.Status)) {
			return Review{}, ErrInvalidTransition
		}
		newStatus = *input.Status
	}

	score := review.Score
	if input.Score != nil {
		score = input.Score
	}
	feedback := review.Feedback
	if input.Feedback != nil {
		feedback = *input.Feedback
	}
	checklist := review.Checklist
	if input.Checklist != nil {
		checklist = *input.Checklist
	}
	metadata := review.Metadata
	if input.Metadata != nil {
		metadata = *input.Metadata
	}
	priority := review.Priority
	if input.Priority != nil {
		priority = *input.Priority
	}

	completedAt := review.CompletedAt
	terminal := newStatus == string(workflow.StatusCompleted) || newStatus == string(workflow.StatusRejected)
	if terminal && completedAt == nil {
		now := time.Now()
		completedAt = &now
	}

	review, err = scanReview(tx.QueryRowContext(ctx, `
		UPDATE reviews SET
			status = $2,
			score = $3,
			feedback = $4,
			checklist = $5,
			metadata = $6,
			priority = $7,
			completed_at = $8,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+reviewColumns,
		input.ReviewID, newStatus, score, feedback, checklist, metadata, priority, completedAt).Scan)
	if err != nil {
		return Review{}, fmt.Errorf("update review: %w", err)
	}

	if err := reconcileArticleState(ctx, tx, review.ArticleID); err != nil {
		return Review{}, err
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "review.updated",
		TargetType: "article",
		TargetID:   review.ArticleID,
		Details:    map[string]any{"reviewId": review.ID, "type": review.Type, "from": priorStatus, "status": review.Status},
	}); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(); err != nil {
		return Review{}, fmt.Errorf("commit update review: %w", err)
	}
	return review, nil
}

// reconcileArticleState recomputes article status and the review state
// row from all review rows of the article, inside the caller's tx.
func reconcileArticleState(ctx context.Context, tx *sql.Tx, articleID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT type, status FROM reviews WHERE article_id=$1`, articleID)
	if err != nil {
		return fmt.Errorf("load article reviews: %w", err)
	}
	defer rows.Close()

	snapshots := make([]workflow.ReviewSnapshot, 0)
	for rows.Next() {
		var stage, status string
		if err := rows.Scan(&stage, &status); err != nil {
			return fmt.Errorf("scan review snapshot: %w", err)
		}
		snapshots = append(snapshots, workflow.ReviewSnapshot{
			Stage:  workflow.Stage(stage),
			Status: workflow.Status(status),
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	stageLabel := workflow.StageLabel(workflow.CurrentStage(snapshots))
	switch {
	case workflow.ShouldPublish(snapshots):
		if _, err := tx.ExecContext(ctx, `
			UPDATE articles SET status='approved', is_published=TRUE, updated_at=NOW() WHERE id=$1
		`, articleID); err != nil {
			return fmt.Errorf("publish article: %w", err)
		}
		return upsertReviewState(ctx, tx, articleID, stageLabel, "Approved", "", nil)
	case workflow.AnyRejected(snapshots):
		if _, err := tx.ExecContext(ctx, `
			UPDATE articles SET status='draft', is_published=FALSE, updated_at=NOW() WHERE id=$1
		`, articleID); err != nil {
			return fmt.Errorf("return article to draft: %w", err)
		}
		return upsertReviewState(ctx, tx, articleID, stageLabel, "Changes Requested", "", nil)
	default:
		return upsertReviewState(ctx, tx, articleID, stageLabel, "In Review", "", nil)
	}
}

// upsertReviewState maintains the per-article summary row. started_at
// is fixed on the first insert; priority and due_date only move when
// the caller supplies them.
func upsertReviewState(ctx context.Context, tx *sql.Tx, articleID, stage, overallStatus, priority string, dueDate *time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO review_states (article_id, current_stage, overall_status, priority, due_date)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'normal'), $5)
		ON CONFLICT (article_id) DO UPDATE SET
			current_stage = EXCLUDED.current_stage,
			overall_status = EXCLUDED.overall_status,
			priority = COALESCE(NULLIF($4, ''), review_states.priority),
			due_date = COALESCE(EXCLUDED.due_date, review_states.due_date),
			last_updated_at = NOW()
	`, articleID, stage, overallStatus, priority, dueDate); err != nil {
		return fmt.Errorf("upsert review state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, reviewID string) (ReviewWithArticle, error) {
	var r ReviewWithArticle
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.article_id, r.type, r.status, r.priority, r.reviewer_id, r.assignee_id,
		       r.score, r.feedback, r.checklist, r.metadata, r.deadline, r.assigned_at, r.completed_at,
		       r.created_at, r.updated_at, a.title, a.status, a.author_id
		FROM reviews r
		JOIN articles a ON a.id = r.article_id
		WHERE r.id = $1
	`, reviewID).Scan(&r.ID, &r.ArticleID, &r.Type, &r.Status, &r.Priority, &r.ReviewerID, &r.AssigneeID,
		&r.Score, &r.Feedback, &r.Checklist, &r.Metadata, &r.Deadline, &r.AssignedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt, &r.ArticleTitle, &r.ArticleStatus, &r.ArticleAuthorID)
	if err != nil {
		return ReviewWithArticle{}, err
	}
	return r, nil
}

// ReviewFilter narrows the review queue. Zero values mean no filter.
type ReviewFilter struct {
	ArticleID  string
	Status     string
	Type       string
	Priority   string
	AssigneeID string
	// AuthorID restricts the queue to reviews of articles written by
	// this user.
	AuthorID string
	Limit    uint64
	Offset   uint64
}

func (s *PostgresStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]ReviewWithArticle, error) {
	builder := psql.Select(
		"r.id", "r.article_id", "r.type", "r.status", "r.priority", "r.reviewer_id", "r.assignee_id",
		"r.score", "r.feedback", "r.checklist", "r.metadata", "r.deadline", "r.assigned_at", "r.completed_at",
		"r.created_at", "r.updated_at", "a.title", "a.status", "a.author_id").
		From("reviews r").
		Join("articles a ON a.id = r.article_id").
		OrderBy("r.created_at DESC")

	if filter.ArticleID != "" {
		builder = builder.Where(sq.Eq{"r.article_id": filter.ArticleID})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"r.status": filter.Status})
	}
	if filter.Type != "" {
		builder = builder.Where(sq.Eq{"r.type": filter.Type})
	}
	if filter.Priority != "" {
		builder = builder.Where(sq.Eq{"r.priority": filter.Priority})
	}
	if filter.AssigneeID != "" {
		builder = builder.Where(sq.Eq{"r.assignee_id": filter.AssigneeID})
	}
	if filter.AuthorID != "" {
		builder = builder.Where(sq.Eq{"a.author_id": filter.AuthorID})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		builder = builder.Offset(filter.Offset)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build review query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	reviews := make([]ReviewWithArticle, 0)
	for rows.Next() {
		var r ReviewWithArticle
		if err := rows.Scan(&r.ID, &r.ArticleID, &r.Type, &r.Status, &r.Priority, &r.ReviewerID, &r.AssigneeID,
			&r.Score, &r.Feedback, &r.Checklist, &r.Metadata, &r.Deadline, &r.AssignedAt, &r.CompletedAt,
			&r.CreatedAt, &r.UpdatedAt, &r.ArticleTitle, &r.ArticleStatus, &r.ArticleAuthorID); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (s *PostgresStore) GetReviewState(ctx context.Context, articleID string) (ReviewState, error) {
	var rs ReviewState
	err := s.db.QueryRowContext(ctx, `
		SELECT article_id, current_stage, priority, due_date, overall_status,
		       is_blocked, block_reason, started_at, last_updated_at
		FROM review_states WHERE article_id=$1
	`, articleID).Scan(&rs.ArticleID, &rs.CurrentStage, &rs.Priority, &rs.DueDate, &rs.OverallStatus,
		&rs.IsBlocked, &rs.BlockReason, &rs.StartedAt, &rs.LastUpdatedAt)
	if err != nil {
		return ReviewState{}, err
	}
	return rs, nil
}
