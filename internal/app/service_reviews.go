package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/workflow"
)

type SubmitReviewInput struct {
	ArticleID string          `json:"articleId"`
	Type      string          `json:"type"`
	Priority  string          `json:"priority"`
	Deadline  *time.Time      `json:"deadline"`
	Checklist json.RawMessage `json:"checklist"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) SubmitReview(ctx context.Context, session Session, input SubmitReviewInput) (map[string]any, error) {
	if strings.TrimSpace(input.ArticleID) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "articleId is required", nil)
	}
	if !workflow.ValidStage(input.Type) {
		return nil, domainError(422, "VALIDATION_ERROR", "type must be technical, editorial, or final", nil)
	}
	priority := input.Priority
	if priority == "" {
		priority = workflow.PriorityNormal
	}
	if !workflow.ValidPriority(priority) {
		return nil, domainError(422, "VALIDATION_ERROR", "priority must be low, normal, high, or urgent", nil)
	}

	if err := s.requireArticleWrite(ctx, session, input.ArticleID); err != nil {
		return nil, err
	}

	review, err := s.store.SubmitReview(ctx, store.SubmitReviewInput{
		ArticleID: input.ArticleID,
		Type:      input.Type,
		Priority:  priority,
		Deadline:  input.Deadline,
		Checklist: normalizeJSON(input.Checklist, "[]"),
		Metadata:  normalizeJSON(input.Metadata, "{}"),
		ActorID:   session.UserID,
	})
	if err != nil {
		return nil, err
	}
	return reviewPayload(review), nil
}

func (s *Service) GetReview(ctx context.Context, reviewID string) (map[string]any, error) {
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	payload := reviewPayload(review.Review)
	payload["article"] = map[string]any{
		"id":     review.ArticleID,
		"title":  review.ArticleTitle,
		"status": review.ArticleStatus,
	}
	return payload, nil
}

func (s *Service) ListReviews(ctx context.Context, session Session, filter store.ReviewFilter) (map[string]any, error) {
	if filter.Status != "" && !workflow.ValidStatus(filter.Status) {
		return nil, domainError(422, "VALIDATION_ERROR", "invalid status filter", nil)
	}
	if filter.Type != "" && !workflow.ValidStage(filter.Type) {
		return nil, domainError(422, "VALIDATION_ERROR", "invalid type filter", nil)
	}

	// Non-editors only see the queue for their own articles.
	if !s.Can(session.Role, rbac.ActionManageReview) {
		filter.AuthorID = session.UserID
	}

	reviews, err := s.store.ListReviews(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		payload := reviewPayload(review.Review)
		payload["article"] = map[string]any{
			"id":     review.ArticleID,
			"title":  review.ArticleTitle,
			"status": review.ArticleStatus,
		}
		items = append(items, payload)
	}
	return map[string]any{"reviews": items}, nil
}

type AssignReviewInput struct {
	AssigneeID string     `json:"assigneeId"`
	Deadline   *time.Time `json:"deadline"`
}

func (s *Service) AssignReview(ctx context.Context, session Session, reviewID string, input AssignReviewInput) (map[string]any, error) {
	if strings.TrimSpace(input.AssigneeID) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "assigneeId is required", nil)
	}

	assignee, err := s.store.GetUserByID(ctx, input.AssigneeID)
	if err != nil {
		return nil, err
	}
	if !s.Can(assignee.Role, rbac.ActionManageReview) {
		return nil, domainError(422, "VALIDATION_ERROR", "assignee must be an editor or admin", nil)
	}

	review, err := s.store.AssignReview(ctx, store.AssignReviewInput{
		ReviewID:   reviewID,
		AssigneeID: assignee.ID,
		Deadline:   input.Deadline,
		ActorID:    session.UserID,
	})
	if err != nil {
		return nil, err
	}
	return reviewPayload(review), nil
}

type UpdateReviewInput struct {
	Status    *string         `json:"status"`
	Score     *int            `json:"score"`
	Feedback  *string         `json:"feedback"`
	Checklist json.RawMessage `json:"checklist"`
	Metadata  json.RawMessage `json:"metadata"`
	Priority  *string         `json:"priority"`
}

func (s *Service) UpdateReview(ctx context.Context, session Session, reviewID string, input UpdateReviewInput) (map[string]any, error) {
	if input.Status != nil && !workflow.ValidStatus(*input.Status) {
		return nil, domainError(422, "VALIDATION_ERROR", "invalid status", nil)
	}
	if input.Score != nil && (*input.Score < 1 || *input.Score > 100) {
		return nil, domainError(422, "VALIDATION_ERROR", "score must be between 1 and 100", nil)
	}
	if input.Priority != nil && !workflow.ValidPriority(*input.Priority) {
		return nil, domainError(422, "VALIDATION_ERROR", "invalid priority", nil)
	}

	current, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if err := requireReviewEdit(session, current, input); err != nil {
		return nil, err
	}

	storeInput := store.UpdateReviewInput{
		ReviewID: reviewID,
		Status:   input.Status,
		Score:    input.Score,
		Feedback: input.Feedback,
		Priority: input.Priority,
		ActorID:  session.UserID,
	}
	if input.Checklist != nil {
		checklist := normalizeJSON(input.Checklist, "[]")
		storeInput.Checklist = &checklist
	}
	if input.Metadata != nil {
		metadata := normalizeJSON(input.Metadata, "{}")
		storeInput.Metadata = &metadata
	}

	review, err := s.store.UpdateReview(ctx, storeInput)
	if err != nil {
		return nil, err
	}
	return reviewPayload(review), nil
}

// requireReviewEdit enforces who may change what on a review: the
// assigned reviewer or an editor/admin may change anything; the
// article's author may only attach feedback.
func requireReviewEdit(session Session, review store.ReviewWithArticle, input UpdateReviewInput) error {
	role := rbac.Normalize(session.Role)
	if rbac.Can(role, rbac.ActionManageReview) {
		return nil
	}
	if review.AssigneeID != nil && *review.AssigneeID == session.UserID {
		return nil
	}
	if review.ArticleAuthorID == session.UserID {
		if input.Status != nil || input.Score != nil || input.Priority != nil ||
			input.Checklist != nil || input.Metadata != nil {
			return domainError(403, "FORBIDDEN", "authors may only attach feedback", nil)
		}
		return nil
	}
	return domainError(403, "FORBIDDEN", "Forbidden", nil)
}

func (s *Service) ReviewState(ctx context.Context, articleID string) (map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}
	state, err := s.store.GetReviewState(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"articleId":     state.ArticleID,
		"currentStage":  state.CurrentStage,
		"priority":      state.Priority,
		"dueDate":       state.DueDate,
		"overallStatus": state.OverallStatus,
		"isBlocked":     state.IsBlocked,
		"blockReason":   state.BlockReason,
		"startedAt":     state.StartedAt,
		"lastUpdatedAt": state.LastUpdatedAt,
	}, nil
}

// WorkflowHistory reads the review trail for an article out of the
// audit log, oldest first.
func (s *Service) WorkflowHistory(ctx context.Context, articleID string) (map[string]any, error) {
	entries, err := s.store.WorkflowHistory(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": auditPayloads(entries)}, nil
}

func (s *Service) AuditLog(ctx context.Context, filter store.AuditFilter) (map[string]any, error) {
	entries, err := s.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": auditPayloads(entries)}, nil
}

func auditPayloads(entries []store.AuditEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":         entry.ID,
			"actorId":    entry.ActorID,
			"action":     entry.Action,
			"targetType": entry.TargetType,
			"targetId":   entry.TargetID,
			"details":    entry.Details,
			"createdAt":  entry.CreatedAt,
		})
	}
	return items
}

func reviewPayload(review store.Review) map[string]any {
	return map[string]any{
		"id":          review.ID,
		"articleId":   review.ArticleID,
		"type":        review.Type,
		"status":      review.Status,
		"priority":    review.Priority,
		"reviewerId":  review.ReviewerID,
		"assigneeId":  review.AssigneeID,
		"score":       review.Score,
		"feedback":    review.Feedback,
		"checklist":   json.RawMessage(normalizeJSON(json.RawMessage(review.Checklist), "[]")),
		"metadata":    json.RawMessage(normalizeJSON(json.RawMessage(review.Metadata), "{}")),
		"deadline":    review.Deadline,
		"assignedAt":  review.AssignedAt,
		"completedAt": review.CompletedAt,
		"createdAt":   review.CreatedAt,
		"updatedAt":   review.UpdatedAt,
	}
}

// normalizeJSON keeps only well-formed JSON in the given slot,
// substituting the empty value for anything malformed or absent.
// Malformed input is logged, never fatal.
func normalizeJSON(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	if !json.Valid(raw) {
		log.Printf(`{"event":"malformed_json_replaced","bytes":%d}`, len(raw))
		return empty
	}
	return string(raw)
}
