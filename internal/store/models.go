package store

import "time"

type User struct {
	ID                 string
	Email              string
	DisplayName        string
	PasswordHash       string
	Role               string
	ReviewerReputation int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Article struct {
	ID          string
	Title       string
	Content     string
	Status      string
	IsPublished bool
	AuthorID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Branch struct {
	ID          string
	ArticleID   string
	Name        string
	Description string
	IsDefault   bool
	CreatedBy   string
	// MergedTo references the branch this one was merged into. A
	// non-nil value makes the branch immutable.
	MergedTo  *string
	MergedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BranchWithCount carries the version tally the branch list shows.
type BranchWithCount struct {
	Branch
	VersionCount int
}

type Version struct {
	ID        string
	BranchID  string
	ArticleID string
	Number    int
	Content   string
	Summary   string
	CreatedBy string
	CreatedAt time.Time
}

type Review struct {
	ID          string
	ArticleID   string
	Type        string
	Status      string
	Priority    string
	ReviewerID  *string
	AssigneeID  *string
	Score       *int
	Feedback    string
	Checklist   string
	Metadata    string
	Deadline    *time.Time
	AssignedAt  *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReviewWithArticle includes joined article fields for queue listings
// and authorization checks.
type ReviewWithArticle struct {
	Review
	ArticleTitle    string
	ArticleStatus   string
	ArticleAuthorID string
}

// ReviewState is the denormalized per-article summary of the review
// set. StartedAt is fixed at first submission; the rest tracks the
// latest reconciliation.
type ReviewState struct {
	ArticleID     string
	CurrentStage  string
	Priority      string
	DueDate       *time.Time
	OverallStatus string
	IsBlocked     bool
	BlockReason   string
	StartedAt     time.Time
	LastUpdatedAt time.Time
}

type AuditEntry struct {
	ID         int64
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
	CreatedAt  time.Time
}

type RefreshSession struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
