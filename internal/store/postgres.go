package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// optionally limited to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

const userColumns = `id, email, display_name, password_hash, role, reviewer_reputation, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.ReviewerReputation, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, reviewer_reputation)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role, user.ReviewerReputation)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err, "") {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

// Refresh sessions live here when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions WHERE token_hash=$1 AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash=$1`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const articleColumns = `id, title, content, status, is_published, author_id, created_at, updated_at`

func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (Article, error) {
	var a Article
	err := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id=$1`, articleID).
		Scan(&a.ID, &a.Title, &a.Content, &a.Status, &a.IsPublished, &a.AuthorID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Article{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+` FROM articles ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	articles := make([]Article, 0)
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.Status, &a.IsPublished, &a.AuthorID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

const branchColumns = `id, article_id, name, description, is_default, created_by, merged_to, merged_at, created_at, updated_at`

func scanBranch(scan func(dest ...any) error) (Branch, error) {
	var b Branch
	err := scan(&b.ID, &b.ArticleID, &b.Name, &b.Description, &b.IsDefault, &b.CreatedBy, &b.MergedTo, &b.MergedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	return scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, branchID).Scan)
}

func (s *PostgresStore) ListBranches(ctx context.Context, articleID string) ([]BranchWithCount, error) {
	if _, err := s.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.article_id, b.name, b.description, b.is_default, b.created_by, b.merged_to, b.merged_at, b.created_at, b.updated_at,
		       COUNT(v.id)
		FROM branches b
		LEFT JOIN versions v ON v.branch_id = b.id
		WHERE b.article_id = $1
		GROUP BY b.id
		ORDER BY b.is_default DESC, b.updated_at DESC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	branches := make([]BranchWithCount, 0)
	for rows.Next() {
		var b BranchWithCount
		if err := rows.Scan(&b.ID, &b.ArticleID, &b.Name, &b.Description, &b.IsDefault, &b.CreatedBy, &b.MergedTo, &b.MergedAt, &b.CreatedAt, &b.UpdatedAt, &b.VersionCount); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

const versionColumns = `id, branch_id, article_id, number, content, summary, created_by, created_at`

func scanVersion(scan func(dest ...any) error) (Version, error) {
	var v Version
	err := scan(&v.ID, &v.BranchID, &v.ArticleID, &v.Number, &v.Content, &v.Summary, &v.CreatedBy, &v.CreatedAt)
	return v, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return scanVersion(s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=$1`, versionID).Scan)
}

// GetArticleVersion fetches a version and verifies it belongs to the
// given article.
func (s *PostgresStore) GetArticleVersion(ctx context.Context, articleID, versionID string) (Version, error) {
	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	if version.ArticleID != articleID {
		return Version{}, ErrWrongArticle
	}
	return version, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, branchID string) ([]Version, error) {
	if _, err := s.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE branch_id=$1 ORDER BY number DESC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
