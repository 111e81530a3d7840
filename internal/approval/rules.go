// Package approval decides where a work request goes next in the
// multi-role approval chain.
package approval

import "github.com/pitabwire/solicitudes/model"

// DevolutionState is where a request goes when it is sent back to its
// originator.
const DevolutionState = model.StateReturnedPetitioner

// RuleFallback names the outcome when no rule of the role matched.
const RuleFallback = "role_fallthrough"

// Facts are the inputs a rule condition may inspect.
type Facts struct {
	Action Action
	Latest *model.WorkflowEvent
}

func (f Facts) approve() bool            { return f.Action.Approves() }
func (f Facts) approveWithChanges() bool { return f.Action.WithChanges() }

func (f Facts) approvedByPlanner() bool {
	return f.Latest != nil && f.Latest.PrevState == model.StatePlanner
}

func (f Facts) returnedPetitioner() bool {
	return f.Latest != nil && f.Latest.NewState == model.StateReturnedPetitioner
}

func (f Facts) returnedContOp() bool {
	return f.Latest != nil && f.Latest.NewState == model.StateReturnedContOp
}

func (f Facts) dateHasChanged() bool {
	if f.Latest == nil || f.Latest.PrevDoc == nil {
		return false
	}
	_, ok := f.Latest.PrevDoc[model.FieldStart]
	return ok
}

// Rule routes a request to Then when When holds.
type Rule struct {
	Name string
	When func(Facts) bool
	Then model.State
}

// Rules lists, per role, the routing rules in evaluation order.
var Rules = map[model.Role][]Rule{
	model.RoleContractOperator: {
		{
			Name: "petitioner_accepts_planner_return",
			When: func(f Facts) bool { return f.approve() && f.approvedByPlanner() && f.returnedPetitioner() },
			Then: model.StateContAdmin,
		},
		{
			Name: "petitioner_accepts_date_change",
			When: func(f Facts) bool { return f.approve() && f.dateHasChanged() && f.returnedPetitioner() },
			Then: model.StateContOwner,
		},
	},
	model.RoleContractOwner: {
		{
			Name: "contop_accepts_planner_return",
			When: func(f Facts) bool { return f.approve() && f.approvedByPlanner() && f.returnedContOp() },
			Then: model.StateContAdmin,
		},
		{
			Name: "contop_accepts_return",
			When: func(f Facts) bool { return f.approve() && !f.approvedByPlanner() && f.returnedContOp() },
			Then: model.StateContOwner,
		},
	},
	model.RolePlannerPredecessor: {
		{
			Name: "edited_by_planner_predecessor",
			When: func(f Facts) bool { return f.approveWithChanges() },
			Then: DevolutionState,
		},
	},
	model.RoleContractAdmin: {
		{
			Name: "contadmin_date_changed",
			When: func(f Facts) bool { return f.approve() && !f.approveWithChanges() && f.dateHasChanged() },
			Then: DevolutionState,
		},
		{
			Name: "contadmin_edits",
			When: func(f Facts) bool { return f.approve() && f.approveWithChanges() && !f.dateHasChanged() },
			Then: DevolutionState,
		},
		{
			Name: "contadmin_edits_date_changed",
			When: func(f Facts) bool { return f.approve() && f.approveWithChanges() && f.dateHasChanged() },
			Then: DevolutionState,
		},
	},
	model.RoleSupervisor: {
		{
			Name: "supervisor_return_reason",
			When: func(f Facts) bool { return f.Action.Kind == KindReturnReason },
			Then: DevolutionState,
		},
	},
}

// Evaluate returns the next state for a request acted on by role, together
// with the name of the rule that produced it. Rules of the role are tried
// in order and the first match wins. When none match the role code itself
// becomes the state.
func Evaluate(role model.Role, action Action, latest *model.WorkflowEvent) (model.State, string) {
	facts := Facts{Action: action, Latest: latest}
	for _, r := range Rules[role] {
		if r.When(facts) {
			return r.Then, r.Name
		}
	}
	return model.State(role), RuleFallback
}

// NextState is Evaluate without the rule name.
func NextState(role model.Role, action Action, latest *model.WorkflowEvent) model.State {
	s, _ := Evaluate(role, action, latest)
	return s
}

// SupervisorShift returns the supervisor shift for an ISO week number: "A"
// on even weeks, "B" on odd ones.
func SupervisorShift(isoWeek int) string {
	if isoWeek%2 == 0 {
		return "A"
	}
	return "B"
}
