// Package rbac is the single place role and ownership checks live.
package rbac

type Role string
type Action string

const (
	RoleUser   Role = "user"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead         Action = "read"
	ActionWrite        Action = "write"
	ActionManageReview Action = "manage_review"
	ActionAudit        Action = "audit"
	ActionAdmin        Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionManageReview || action == ActionAudit
	case RoleUser:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// CanManageArticle reports whether the actor may mutate an article's
// branches and versions: the owning author, or any editor/admin.
func CanManageArticle(role Role, actorID, authorID string) bool {
	if actorID != "" && actorID == authorID {
		return true
	}
	return role == RoleEditor || role == RoleAdmin
}
