package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleExecutor    Role = "executor"
	RoleOwner       Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionManage  Action = "manage"
	ActionExecute Action = "execute"
)

// Can reports whether an estate role may perform an action. Executors
// read and execute but never edit; contributors edit but cannot touch
// membership, switch policy, or sealed material.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleExecutor:
		return action == ActionRead || action == ActionExecute
	case RoleContributor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Assignable reports whether a role may be granted through invites and
// member updates. Ownership moves with the estate, never by assignment.
func Assignable(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleExecutor:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleExecutor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
