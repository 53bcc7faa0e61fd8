package rbac

type Role string
type Action string

const (
	// RoleViewer may only see the public projection of reports.
	RoleViewer   Role = "viewer"
	RoleObserver Role = "observer"
)

const (
	ActionReadPublic Action = "read_public"
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleObserver:
		return true
	case RoleViewer:
		return action == ActionReadPublic
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleObserver:
		return Role(role)
	default:
		return RoleViewer
	}
}
