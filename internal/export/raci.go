package export

import (
	"procmap/api/internal/process"
)

// RACI cell letters, strongest first. A cell keeps the strongest letter that
// applies to it.
const (
	letterResponsible = "R"
	letterAccountable = "A"
	letterConsulted   = "C"
	letterInformed    = "I"
)

// RoleColumn is one matrix column.
type RoleColumn struct {
	RoleID         string
	RoleName       string
	DepartmentName string
}

// MatrixRow is one action or decision step with its cell letters keyed by
// role ID.
type MatrixRow struct {
	StepID    string
	StepLabel string
	StepType  string
	Cells     map[string]string
}

// Matrix is the RACI view of one process.
type Matrix struct {
	ProcessTitle string
	Roles        []RoleColumn
	Rows         []MatrixRow
}

// BuildRACI derives the matrix from a step graph. Per step: the assigned
// role is Responsible, predecessor roles are Consulted, successor roles are
// Informed, and the role of the nearest upstream decision step is
// Accountable.
func BuildRACI(title string, steps []process.Step, departments []process.Department) Matrix {
	knownRoles := make(map[string]process.Role)
	deptNames := make(map[string]string)
	for _, dept := range departments {
		deptNames[dept.ID] = dept.Name
		for _, role := range dept.Roles {
			knownRoles[role.ID] = role
		}
	}

	matrix := Matrix{ProcessTitle: title}
	seenRoles := make(map[string]bool)
	addRole := func(roleID string) {
		if seenRoles[roleID] {
			return
		}
		role, ok := knownRoles[roleID]
		if !ok {
			return
		}
		seenRoles[roleID] = true
		matrix.Roles = append(matrix.Roles, RoleColumn{
			RoleID:         role.ID,
			RoleName:       role.Name,
			DepartmentName: deptNames[role.DepartmentID],
		})
	}

	for _, step := range steps {
		if step.RoleID != nil {
			addRole(*step.RoleID)
		}
	}

	byID := make(map[string]process.Step, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	for _, step := range steps {
		if step.Type != process.StepAction && step.Type != process.StepDecision {
			continue
		}

		row := MatrixRow{
			StepID:    step.ID,
			StepLabel: step.Label,
			StepType:  string(step.Type),
			Cells:     make(map[string]string),
		}

		assign := func(roleID, letter string) {
			if !seenRoles[roleID] {
				return
			}
			if stronger(row.Cells[roleID], letter) {
				return
			}
			row.Cells[roleID] = letter
		}

		if step.RoleID != nil {
			assign(*step.RoleID, letterResponsible)
		}
		if decider := nearestUpstreamDecision(step, steps); decider != "" {
			assign(decider, letterAccountable)
		}
		for _, other := range steps {
			if other.ID == step.ID || other.RoleID == nil {
				continue
			}
			if pointsAt(other, step.ID) {
				assign(*other.RoleID, letterConsulted)
			}
		}
		for _, targetID := range outgoing(step) {
			next, found := byID[targetID]
			if !found || next.RoleID == nil {
				continue
			}
			assign(*next.RoleID, letterInformed)
		}

		matrix.Rows = append(matrix.Rows, row)
	}

	return matrix
}

// nearestUpstreamDecision walks predecessors breadth-first and returns the
// role of the closest decision step, or "" when the path back to the start
// has none.
func nearestUpstreamDecision(step process.Step, steps []process.Step) string {
	visited := map[string]bool{step.ID: true}
	frontier := []string{step.ID}

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, other := range steps {
				if visited[other.ID] || !pointsAt(other, id) {
					continue
				}
				visited[other.ID] = true
				if other.Type == process.StepDecision && other.RoleID != nil {
					return *other.RoleID
				}
				next = append(next, other.ID)
			}
		}
		frontier = next
	}
	return ""
}

func pointsAt(step process.Step, targetID string) bool {
	if step.YesTargetID != nil && *step.YesTargetID == targetID {
		return true
	}
	if step.NoTargetID != nil && *step.NoTargetID == targetID {
		return true
	}
	return false
}

func outgoing(step process.Step) []string {
	var out []string
	if step.YesTargetID != nil {
		out = append(out, *step.YesTargetID)
	}
	if step.NoTargetID != nil {
		out = append(out, *step.NoTargetID)
	}
	return out
}

// stronger reports whether current outranks candidate.
func stronger(current, candidate string) bool {
	rank := map[string]int{letterResponsible: 4, letterAccountable: 3, letterConsulted: 2, letterInformed: 1}
	return rank[current] >= rank[candidate]
}
