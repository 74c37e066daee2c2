package store

import "errors"

// Sentinel errors surfaced by transactional operations. The HTTP layer
// maps these onto response codes.
var (
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateBranch   = errors.New("branch name already exists for article")
	ErrBranchMerged      = errors.New("branch already merged")
	ErrEmptyBranch       = errors.New("branch has no versions")
	ErrDefaultBranch     = errors.New("operation not valid on default branch")
	ErrSelfMerge         = errors.New("branch cannot merge into itself")
	ErrActiveReview      = errors.New("active review of this type already exists")
	ErrReviewNotPending  = errors.New("review is not pending")
	ErrInvalidTransition = errors.New("invalid review status transition")
	ErrLowReputation     = errors.New("assignee reputation below stage minimum")
	ErrWrongArticle      = errors.New("resource does not belong to article")
)
