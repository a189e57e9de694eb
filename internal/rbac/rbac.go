package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead covers documents, threads, ranges and exports.
	ActionRead Action = "read"
	// ActionComment covers threads, comments and selection.
	ActionComment Action = "comment"
	// ActionEdit covers document text, undo and redo, revisions and saves.
	ActionEdit Action = "edit"
	// ActionModerate covers synchronizer runs, ledger rebuilds and closing sessions.
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionEdit || action == ActionModerate
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Allowed lists the actions a role may take, for clients that gate UI.
func Allowed(role Role) []Action {
	out := []Action{}
	for _, action := range []Action{ActionRead, ActionComment, ActionEdit, ActionModerate, ActionAdmin} {
		if Can(role, action) {
			out = append(out, action)
		}
	}
	return out
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
