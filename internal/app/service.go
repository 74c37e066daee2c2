package app

import (
	"context"
	"time"

	"folio/api/internal/archive"
	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the storage surface the service consumes. The Postgres
// store implements it; tests swap in a fake.
type dataStore interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateArticle(context.Context, store.CreateArticleInput) (store.Article, error)
	ListArticles(context.Context) ([]store.Article, error)
	GetArticle(context.Context, string) (store.Article, error)
	CreateBranch(context.Context, store.CreateBranchInput) (store.Branch, error)
	ListBranches(context.Context, string) ([]store.BranchWithCount, error)
	GetBranch(context.Context, string) (store.Branch, error)
	AppendVersion(context.Context, store.AppendVersionInput) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	GetArticleVersion(context.Context, string, string) (store.Version, error)
	MergeBranch(context.Context, store.MergeBranchInput) (store.Version, error)
	RestoreVersion(context.Context, store.RestoreVersionInput) (store.Version, error)

	SubmitReview(context.Context, store.SubmitReviewInput) (store.Review, error)
	AssignReview(context.Context, store.AssignReviewInput) (store.Review, error)
	UpdateReview(context.Context, store.UpdateReviewInput) (store.Review, error)
	GetReview(context.Context, string) (store.ReviewWithArticle, error)
	ListReviews(context.Context, store.ReviewFilter) ([]store.ReviewWithArticle, error)
	GetReviewState(context.Context, string) (store.ReviewState, error)
	ListAudit(context.Context, store.AuditFilter) ([]store.AuditEntry, error)
	WorkflowHistory(context.Context, string) ([]store.AuditEntry, error)

	Ping(context.Context) error
}

// sessionStore holds refresh token sessions. Redis when configured,
// the Postgres store otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, ttl time.Duration) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// archiveService mirrors published article history into git.
type archiveService interface {
	EnsureArticleRepo(articleID, content, author string) error
	RecordVersion(articleID, content, author, message string) (archive.CommitRecord, error)
	History(articleID string, limit int) ([]archive.CommitRecord, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	archive  archiveService
	auth     *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, archiveSvc *archive.Service) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		archive:  archiveSvc,
		auth:     authpw.NewService(dataStore),
	}
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.auth.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented token is revoked and
// a fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, s.cfg.RefreshTTL); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
