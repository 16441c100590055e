package rbac

type TaskRole string
type Op string

const (
	TaskCreator  TaskRole = "CREATOR"
	TaskEditor   TaskRole = "EDITOR"
	TaskReviewer TaskRole = "REVIEWER"
)

const (
	OpStartEditing             Op = "start_editing"
	OpUpdateData               Op = "update_data"
	OpCompleteEditing          Op = "complete_editing"
	OpAssignEditor             Op = "assign_editor"
	OpAssignReviewer           Op = "assign_reviewer"
	OpCompleteSignerAssignment Op = "complete_signer_assignment"
	OpApprove                  Op = "approve"
	OpReject                   Op = "reject"
	OpDelete                   Op = "delete"
)

// Binding is a user's task role on one document, with the per-binding
// reviewer-assignment grant.
type Binding struct {
	Role              TaskRole
	CanAssignReviewer bool
}

var allowed = map[Op][]TaskRole{
	OpStartEditing:             {TaskEditor},
	OpUpdateData:               {TaskEditor},
	OpCompleteEditing:          {TaskEditor, TaskCreator},
	OpAssignEditor:             {TaskCreator},
	OpAssignReviewer:           {TaskCreator, TaskEditor},
	OpCompleteSignerAssignment: {TaskCreator, TaskEditor},
	OpApprove:                  {TaskReviewer},
	OpReject:                   {TaskReviewer},
	OpDelete:                   {TaskCreator, TaskEditor},
}

// CanPerform reports whether any of the user's bindings permits the
// operation. For reviewer-assignment operations an EDITOR binding only
// counts when it carries the assign-reviewer grant; a CREATOR binding
// always suffices.
func CanPerform(op Op, bindings []Binding) bool {
	roles, ok := allowed[op]
	if !ok {
		return false
	}
	for _, binding := range bindings {
		for _, role := range roles {
			if binding.Role != role {
				continue
			}
			if requiresAssignGrant(op) && binding.Role == TaskEditor && !binding.CanAssignReviewer {
				continue
			}
			return true
		}
	}
	return false
}

func requiresAssignGrant(op Op) bool {
	return op == OpAssignReviewer || op == OpCompleteSignerAssignment
}

func Normalize(role string) (TaskRole, bool) {
	switch TaskRole(role) {
	case TaskCreator, TaskEditor, TaskReviewer:
		return TaskRole(role), true
	default:
		return "", false
	}
}
