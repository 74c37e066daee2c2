package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"folio/api/internal/util"
)

// DefaultBranchName is the branch every article starts with.
const DefaultBranchName = "main"

// versionInsertRetries bounds the reissue loop when two writers race
// for the same (branch, number) slot.
const versionInsertRetries = 3

type CreateArticleInput struct {
	Title    string
	Content  string
	AuthorID string
}

// CreateArticle creates the article, its default branch, and version 1
// seeded from the initial content, all in one transaction.
func (s *PostgresStore) CreateArticle(ctx context.Context, input CreateArticleInput) (Article, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Article{}, fmt.Errorf("begin create article: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	article := Article{
		ID:       util.NewID("art"),
		Title:    input.Title,
		Content:  input.Content,
		Status:   "draft",
		AuthorID: input.AuthorID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO articles (id, title, content, status, author_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, article.ID, article.Title, article.Content, article.Status, article.AuthorID).
		Scan(&article.CreatedAt, &article.UpdatedAt)
	if err != nil {
		return Article{}, fmt.Errorf("insert article: %w", err)
	}

	branchID := util.NewID("br")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branches (id, article_id, name, is_default, created_by)
		VALUES ($1, $2, $3, TRUE, $4)
	`, branchID, article.ID, DefaultBranchName, input.AuthorID); err != nil {
		return Article{}, fmt.Errorf("insert default branch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, branch_id, article_id, number, content, summary, created_by)
		VALUES ($1, $2, $3, 1, $4, 'Initial version', $5)
	`, util.NewID("ver"), branchID, article.ID, input.Content, input.AuthorID); err != nil {
		return Article{}, fmt.Errorf("insert initial version: %w", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.AuthorID,
		Action:     "article.created",
		TargetType: "article",
		TargetID:   article.ID,
		Details:    map[string]any{"title": article.Title, "branchId": branchID},
	}); err != nil {
		return Article{}, err
	}

	if err := tx.Commit(); err != nil {
		return Article{}, fmt.Errorf("commit create article: %w", err)
	}
	return article, nil
}

type CreateBranchInput struct {
	ArticleID   string
	Name        string
	Description string
	// BaseBranchID is optional. Without one, a branch after the first
	// starts empty.
	BaseBranchID string
	ActorID      string
}

// CreateBranch creates a branch. The article's first branch becomes the
// default and is seeded with version 1 from the article's current
// content. With a base branch, version 1 is copied from the base's
// latest version. Any other branch starts empty.
func (s *PostgresStore) CreateBranch(ctx context.Context, input CreateBranchInput) (Branch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Branch{}, fmt.Errorf("begin create branch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var articleContent string
	if err := tx.QueryRowContext(ctx, `SELECT content FROM articles WHERE id=$1 FOR UPDATE`, input.ArticleID).Scan(&articleContent); err != nil {
		return Branch{}, err
	}

	// The article row is locked above, so the count cannot race another
	// create.
	var branchCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM branches WHERE article_id=$1
	`, input.ArticleID).Scan(&branchCount); err != nil {
		return Branch{}, fmt.Errorf("count branches: %w", err)
	}
	isDefault := branchCount == 0

	auditDetails := map[string]any{"name": input.Name}

	var base Branch
	var baseContent string
	if input.BaseBranchID != "" {
		base, err = scanBranch(tx.QueryRowContext(ctx, `
			SELECT `+branchColumns+` FROM branches WHERE id=$1 FOR UPDATE
		`, input.BaseBranchID).Scan)
		if err != nil {
			return Branch{}, err
		}
		if base.ArticleID != input.ArticleID {
			return Branch{}, ErrWrongArticle
		}
		err = tx.QueryRowContext(ctx, `
			SELECT content FROM versions WHERE branch_id=$1 ORDER BY number DESC LIMIT 1
		`, base.ID).Scan(&baseContent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Branch{}, fmt.Errorf("load base version: %w", err)
		}
		auditDetails["baseBranchId"] = base.ID
	}

	branch := Branch{
		ID:          util.NewID("br"),
		ArticleID:   input.ArticleID,
		Name:        input.Name,
		Description: input.Description,
		IsDefault:   isDefault,
		CreatedBy:   input.ActorID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO branches (id, article_id, name, description, is_default, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, branch.ID, branch.ArticleID, branch.Name, branch.Description, branch.IsDefault, branch.CreatedBy).
		Scan(&branch.CreatedAt, &branch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return Branch{}, ErrDuplicateBranch
		}
		return Branch{}, fmt.Errorf("insert branch: %w", err)
	}

	seedContent, seedSummary := "", ""
	switch {
	case input.BaseBranchID != "":
		seedContent, seedSummary = baseContent, fmt.Sprintf("Branched from %s", base.Name)
	case isDefault:
		seedContent, seedSummary = articleContent, "Initial version"
	}
	if input.BaseBranchID != "" || isDefault {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO versions (id, branch_id, article_id, number, content, summary, created_by)
			VALUES ($1, $2, $3, 1, $4, $5, $6)
		`, util.NewID("ver"), branch.ID, branch.ArticleID, seedContent, seedSummary, input.ActorID); err != nil {
			return Branch{}, fmt.Errorf("seed branch version: %w", err)
		}
	}

	auditDetails["branchId"] = branch.ID
	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "branch.created",
		TargetType: "article",
		TargetID:   input.ArticleID,
		Details:    auditDetails,
	}); err != nil {
		return Branch{}, err
	}

	if err := tx.Commit(); err != nil {
		return Branch{}, fmt.Errorf("commit create branch: %w", err)
	}
	return branch, nil
}

type AppendVersionInput struct {
	BranchID string
	Content  string
	Summary  string
	ActorID  string
}

// AppendVersion appends the next gapless version number to a branch.
// Number allocation races with concurrent writers resolve through the
// (branch_id, number) unique index and a bounded retry.
func (s *PostgresStore) AppendVersion(ctx context.Context, input AppendVersionInput) (Version, error) {
	var version Version
	var lastErr error
	for attempt := 0; attempt < versionInsertRetries; attempt++ {
		version, lastErr = s.appendVersionOnce(ctx, input)
		if lastErr == nil || !isUniqueViolation(lastErr, "") {
			return version, lastErr
		}
	}
	return Version{}, fmt.Errorf("append version contention: %w", lastErr)
}

func (s *PostgresStore) appendVersionOnce(ctx context.Context, input AppendVersionInput) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	branch, err := scanBranch(tx.QueryRowContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE id=$1 FOR UPDATE
	`, input.BranchID).Scan)
	if err != nil {
		return Version{}, err
	}
	if branch.MergedTo != nil {
		return Version{}, ErrBranchMerged
	}

	version, err := insertNextVersion(ctx, tx, branch.ID, branch.ArticleID, input.Content, input.Summary, input.ActorID)
	if err != nil {
		return Version{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE branches SET updated_at=NOW() WHERE id=$1`, branch.ID); err != nil {
		return Version{}, fmt.Errorf("touch branch: %w", err)
	}
	if branch.IsDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE articles SET content=$1, updated_at=NOW() WHERE id=$2
		`, input.Content, branch.ArticleID); err != nil {
			return Version{}, fmt.Errorf("sync article content: %w", err)
		}
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "version.created",
		TargetType: "article",
		TargetID:   branch.ArticleID,
		Details:    map[string]any{"branchId": branch.ID, "versionId": version.ID, "number": version.Number},
	}); err != nil {
		return Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit append version: %w", err)
	}
	return version, nil
}

// insertNextVersion computes max(number)+1 inside the caller's
// transaction and inserts the row. A unique violation bubbles up so the
// caller can retry.
func insertNextVersion(ctx context.Context, tx *sql.Tx, branchID, articleID, content, summary, actorID string) (Version, error) {
	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number), 0) + 1 FROM versions WHERE branch_id=$1
	`, branchID).Scan(&next); err != nil {
		return Version{}, fmt.Errorf("next version number: %w", err)
	}

	version := Version{
		ID:        util.NewID("ver"),
		BranchID:  branchID,
		ArticleID: articleID,
		Number:    next,
		Content:   content,
		Summary:   summary,
		CreatedBy: actorID,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO versions (id, branch_id, article_id, number, content, summary, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, version.ID, version.BranchID, version.ArticleID, version.Number, version.Content, version.Summary, version.CreatedBy).
		Scan(&version.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return version, nil
}

type MergeBranchInput struct {
	BranchID string
	// TargetBranchID is optional. Empty means the article's default
	// branch.
	TargetBranchID string
	ActorID        string
}

// MergeBranch copies the source branch's latest version onto the target
// branch and marks the source merged into it. A merged source or target
// is immutable; merging a branch into itself is invalid. Both branch
// rows are locked in stable ID order so two concurrent merges cannot
// deadlock. When the target is the default branch the article content
// is synced to the merged head.
func (s *PostgresStore) MergeBranch(ctx context.Context, input MergeBranchInput) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	source, err := scanBranch(tx.QueryRowContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE id=$1
	`, input.BranchID).Scan)
	if err != nil {
		return Version{}, err
	}
	if source.IsDefault {
		return Version{}, ErrDefaultBranch
	}

	targetID := input.TargetBranchID
	if targetID == "" {
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM branches WHERE article_id=$1 AND is_default=TRUE
		`, source.ArticleID).Scan(&targetID); err != nil {
			return Version{}, fmt.Errorf("find default branch: %w", err)
		}
	}
	if targetID == source.ID {
		return Version{}, ErrSelfMerge
	}

	first, second := source.ID, targetID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM branches WHERE id=$1 FOR UPDATE`, id); err != nil {
			return Version{}, fmt.Errorf("lock branch %s: %w", id, err)
		}
	}

	// Re-read under the lock: another merge may have won the race.
	source, err = scanBranch(tx.QueryRowContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE id=$1
	`, input.BranchID).Scan)
	if err != nil {
		return Version{}, err
	}
	if source.MergedTo != nil {
		return Version{}, ErrBranchMerged
	}

	target, err := scanBranch(tx.QueryRowContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE id=$1
	`, targetID).Scan)
	if err != nil {
		return Version{}, err
	}
	if target.ArticleID != source.ArticleID {
		return Version{}, ErrWrongArticle
	}
	if target.MergedTo != nil {
		return Version{}, ErrBranchMerged
	}

	latest, err := scanVersion(tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE branch_id=$1 ORDER BY number DESC LIMIT 1
	`, source.ID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrEmptyBranch
	}
	if err != nil {
		return Version{}, fmt.Errorf("load source head: %w", err)
	}

	merged, err := insertNextVersion(ctx, tx, target.ID, target.ArticleID, latest.Content,
		fmt.Sprintf("Merged branch %s", source.Name), input.ActorID)
	if err != nil {
		return Version{}, fmt.Errorf("insert merge version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE branches SET merged_to=$2, merged_at=NOW(), updated_at=NOW() WHERE id=$1
	`, source.ID, target.ID); err != nil {
		return Version{}, fmt.Errorf("mark branch merged: %w", err)
	}
	if target.IsDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE articles SET content=$1, updated_at=NOW() WHERE id=$2
		`, latest.Content, source.ArticleID); err != nil {
			return Version{}, fmt.Errorf("sync article content: %w", err)
		}
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "branch.merged",
		TargetType: "article",
		TargetID:   source.ArticleID,
		Details: map[string]any{
			"branchId":  source.ID,
			"name":      source.Name,
			"targetId":  target.ID,
			"versionId": merged.ID,
			"number":    merged.Number,
		},
	}); err != nil {
		return Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit merge: %w", err)
	}
	return merged, nil
}

type RestoreVersionInput struct {
	ArticleID string
	VersionID string
	ActorID   string
}

// RestoreVersion re-appends an old version's content as a new head on
// the version's own branch. History stays intact; nothing is rewritten.
func (s *PostgresStore) RestoreVersion(ctx context.Context, input RestoreVersionInput) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanVersion(tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE id=$1
	`, input.VersionID).Scan)
	if err != nil {
		return Version{}, err
	}

	branch, err := scanBranch(tx.QueryRowContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE id=$1 FOR UPDATE
	`, old.BranchID).Scan)
	if err != nil {
		return Version{}, fmt.Errorf("lock version branch: %w", err)
	}
	if branch.ArticleID != input.ArticleID {
		return Version{}, ErrWrongArticle
	}
	if branch.MergedTo != nil {
		return Version{}, ErrBranchMerged
	}

	restored, err := insertNextVersion(ctx, tx, branch.ID, branch.ArticleID, old.Content,
		fmt.Sprintf("Restored from version %d", old.Number), input.ActorID)
	if err != nil {
		return Version{}, fmt.Errorf("insert restored version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE articles SET content=$1, updated_at=NOW() WHERE id=$2
	`, old.Content, input.ArticleID); err != nil {
		return Version{}, fmt.Errorf("sync article content: %w", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    input.ActorID,
		Action:     "version.restored",
		TargetType: "article",
		TargetID:   input.ArticleID,
		Details: map[string]any{
			"restoredFrom": old.ID,
			"fromNumber":   old.Number,
			"versionId":    restored.ID,
			"number":       restored.Number,
		},
	}); err != nil {
		return Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit restore: %w", err)
	}
	return restored, nil
}
