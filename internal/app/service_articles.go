package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"folio/api/internal/diff"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

const maxContentBytes = 1 << 20

type CreateArticleInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Service) CreateArticle(ctx context.Context, session Session, input CreateArticleInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	if len(input.Content) > maxContentBytes {
		return nil, domainError(422, "VALIDATION_ERROR", "content exceeds maximum size", nil)
	}

	article, err := s.store.CreateArticle(ctx, store.CreateArticleInput{
		Title:    title,
		Content:  input.Content,
		AuthorID: session.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.mirrorInit(article.ID, article.Content, session.UserName)
	return articlePayload(article), nil
}

func (s *Service) ListArticles(ctx context.Context) (map[string]any, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		items = append(items, articlePayload(article))
	}
	return map[string]any{"articles": items}, nil
}

func (s *Service) GetArticle(ctx context.Context, articleID string) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return articlePayload(article), nil
}

type CreateBranchInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	BaseBranchID string `json:"baseBranchId"`
}

func (s *Service) CreateBranch(ctx context.Context, session Session, articleID string, input CreateBranchInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "name is required", nil)
	}

	if err := s.requireArticleWrite(ctx, session, articleID); err != nil {
		return nil, err
	}

	branch, err := s.store.CreateBranch(ctx, store.CreateBranchInput{
		ArticleID:    articleID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		BaseBranchID: strings.TrimSpace(input.BaseBranchID),
		ActorID:      session.UserID,
	})
	if err != nil {
		return nil, err
	}

	// A based branch and the article's first branch are born with a
	// seeded version; any other starts empty.
	versionCount := 0
	if branch.IsDefault || strings.TrimSpace(input.BaseBranchID) != "" {
		versionCount = 1
	}
	return branchPayload(branch, versionCount), nil
}

func (s *Service) ListBranches(ctx context.Context, articleID string) (map[string]any, error) {
	branches, err := s.store.ListBranches(ctx, articleID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(branches))
	for _, branch := range branches {
		items = append(items, branchPayload(branch.Branch, branch.VersionCount))
	}
	return map[string]any{"branches": items}, nil
}

type AppendVersionInput struct {
	Content string `json:"content"`
	Summary string `json:"summary"`
}

func (s *Service) AppendVersion(ctx context.Context, session Session, branchID string, input AppendVersionInput) (map[string]any, error) {
	if len(input.Content) > maxContentBytes {
		return nil, domainError(422, "VALIDATION_ERROR", "content exceeds maximum size", nil)
	}

	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if err := s.requireArticleWrite(ctx, session, branch.ArticleID); err != nil {
		return nil, err
	}

	version, err := s.store.AppendVersion(ctx, store.AppendVersionInput{
		BranchID: branchID,
		Content:  input.Content,
		Summary:  strings.TrimSpace(input.Summary),
		ActorID:  session.UserID,
	})
	if err != nil {
		return nil, err
	}

	if branch.IsDefault {
		s.mirrorVersion(branch.ArticleID, version.Content, session.UserName,
			fmt.Sprintf("Version %d", version.Number))
	}
	return versionPayload(version), nil
}

func (s *Service) ListVersions(ctx context.Context, branchID string) (map[string]any, error) {
	versions, err := s.store.ListVersions(ctx, branchID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version))
	}
	return map[string]any{"versions": items}, nil
}

type MergeBranchInput struct {
	TargetBranchID string `json:"targetBranchId"`
}

func (s *Service) MergeBranch(ctx context.Context, session Session, branchID string, input MergeBranchInput) (map[string]any, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if err := s.requireArticleWrite(ctx, session, branch.ArticleID); err != nil {
		return nil, err
	}

	merged, err := s.store.MergeBranch(ctx, store.MergeBranchInput{
		BranchID:       branchID,
		TargetBranchID: strings.TrimSpace(input.TargetBranchID),
		ActorID:        session.UserID,
	})
	if err != nil {
		return nil, err
	}

	if target, err := s.store.GetBranch(ctx, merged.BranchID); err == nil && target.IsDefault {
		s.mirrorVersion(branch.ArticleID, merged.Content, session.UserName,
			fmt.Sprintf("Merged branch %s", branch.Name))
	}
	return map[string]any{
		"merged":  true,
		"version": versionPayload(merged),
	}, nil
}

func (s *Service) RestoreVersion(ctx context.Context, session Session, articleID, versionID string) (map[string]any, error) {
	if err := s.requireArticleWrite(ctx, session, articleID); err != nil {
		return nil, err
	}

	restored, err := s.store.RestoreVersion(ctx, store.RestoreVersionInput{
		ArticleID: articleID,
		VersionID: versionID,
		ActorID:   session.UserID,
	})
	if err != nil {
		return nil, err
	}

	if branch, err := s.store.GetBranch(ctx, restored.BranchID); err == nil && branch.IsDefault {
		s.mirrorVersion(articleID, restored.Content, session.UserName, restored.Summary)
	}
	return map[string]any{
		"restored": true,
		"version":  versionPayload(restored),
	}, nil
}

// DiffVersions compares two versions of the same article at line
// granularity.
func (s *Service) DiffVersions(ctx context.Context, articleID, fromVersionID, toVersionID string) (map[string]any, error) {
	if fromVersionID == "" || toVersionID == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "fromVersion and toVersion are required", nil)
	}

	from, err := s.store.GetArticleVersion(ctx, articleID, fromVersionID)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetArticleVersion(ctx, articleID, toVersionID)
	if err != nil {
		return nil, err
	}

	result := diff.Compare(from.Content, to.Content)
	lines := make([]map[string]any, 0, len(result.Lines))
	for _, line := range result.Lines {
		lines = append(lines, map[string]any{
			"op":    line.Op,
			"value": line.Value,
			"count": line.Count,
		})
	}
	return map[string]any{
		"fromVersion": map[string]any{"id": from.ID, "number": from.Number},
		"toVersion":   map[string]any{"id": to.ID, "number": to.Number},
		"lines":       lines,
		"added":       result.Added,
		"removed":     result.Removed,
	}, nil
}

// ArchiveHistory reads the article's git mirror trail.
func (s *Service) ArchiveHistory(ctx context.Context, articleID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return map[string]any{"commits": []map[string]any{}}, nil
	}

	records, err := s.archive.History(articleID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, map[string]any{
			"hash":      record.Hash,
			"message":   record.Message,
			"author":    record.Author,
			"createdAt": record.CreatedAt,
		})
	}
	return map[string]any{"commits": items}, nil
}

// requireArticleWrite enforces the write rule: the author, or an
// editor/admin.
func (s *Service) requireArticleWrite(ctx context.Context, session Session, articleID string) error {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}
	if !rbac.CanManageArticle(rbac.Normalize(session.Role), session.UserID, article.AuthorID) {
		return domainError(403, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// The git mirror is best effort: it runs after the store transaction
// commits, and a mirror failure never fails the request.
func (s *Service) mirrorInit(articleID, content, author string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.EnsureArticleRepo(articleID, content, author); err != nil {
		log.Printf(`{"event":"archive_init_failed","article_id":"%s","error":"%v"}`, articleID, err)
	}
}

func (s *Service) mirrorVersion(articleID, content, author, message string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.EnsureArticleRepo(articleID, content, author); err != nil {
		log.Printf(`{"event":"archive_init_failed","article_id":"%s","error":"%v"}`, articleID, err)
		return
	}
	if _, err := s.archive.RecordVersion(articleID, content, author, message); err != nil {
		log.Printf(`{"event":"archive_commit_failed","article_id":"%s","error":"%v"}`, articleID, err)
	}
}

func articlePayload(article store.Article) map[string]any {
	return map[string]any{
		"id":          article.ID,
		"title":       article.Title,
		"content":     article.Content,
		"status":      article.Status,
		"isPublished": article.IsPublished,
		"authorId":    article.AuthorID,
		"createdAt":   article.CreatedAt,
		"updatedAt":   article.UpdatedAt,
	}
}

func branchPayload(branch store.Branch, versionCount int) map[string]any {
	return map[string]any{
		"id":           branch.ID,
		"articleId":    branch.ArticleID,
		"name":         branch.Name,
		"description":  branch.Description,
		"isDefault":    branch.IsDefault,
		"createdBy":    branch.CreatedBy,
		"mergedTo":     branch.MergedTo,
		"mergedAt":     branch.MergedAt,
		"versionCount": versionCount,
		"createdAt":    branch.CreatedAt,
		"updatedAt":    branch.UpdatedAt,
	}
}

func versionPayload(version store.Version) map[string]any {
	return map[string]any{
		"id":        version.ID,
		"branchId":  version.BranchID,
		"number":    version.Number,
		"content":   version.Content,
		"summary":   version.Summary,
		"createdBy": version.CreatedBy,
		"createdAt": version.CreatedAt,
	}
}
