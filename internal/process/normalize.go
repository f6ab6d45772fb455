package process

import (
	"regexp"
	"strings"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsEntityID reports whether value looks like a persisted entity identifier.
func IsEntityID(value string) bool {
	return uuidPattern.MatchString(value)
}

// NormalizeStep returns a sanitized copy of step. Malformed references never
// raise: a departmentId or roleId that does not match the UUID pattern
// degrades to nil, draft names are trimmed with blank coerced to nil, and a
// draft name is dropped entirely once the resolved ID is present. Branch
// targets go through the same trim-or-nil filter.
func NormalizeStep(step Step) Step {
	out := step
	out.ID = strings.TrimSpace(step.ID)
	out.DepartmentID = normalizeEntityRef(step.DepartmentID)
	out.RoleID = normalizeEntityRef(step.RoleID)
	out.DraftDepartmentName = trimOrNil(step.DraftDepartmentName)
	out.DraftRoleName = trimOrNil(step.DraftRoleName)
	if out.DepartmentID != nil {
		out.DraftDepartmentName = nil
	}
	if out.RoleID != nil {
		out.DraftRoleName = nil
	}
	out.YesTargetID = trimOrNil(step.YesTargetID)
	out.NoTargetID = trimOrNil(step.NoTargetID)
	return out
}

// CloneSteps returns a deep, normalized copy that the caller may mutate
// without affecting the input.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, step := range steps {
		out[i] = NormalizeStep(step)
	}
	return out
}

// StepsEqual compares two step lists after normalization. Identity is
// positional: the same steps at different positions count as a change. Used
// to decide whether a save actually modified the process.
func StepsEqual(a, b []Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !stepEqual(NormalizeStep(a[i]), NormalizeStep(b[i])) {
			return false
		}
	}
	return true
}

func stepEqual(a, b Step) bool {
	return a.ID == b.ID &&
		a.Type == b.Type &&
		a.Label == b.Label &&
		ptrEqual(a.DepartmentID, b.DepartmentID) &&
		ptrEqual(a.RoleID, b.RoleID) &&
		ptrEqual(a.DraftDepartmentName, b.DraftDepartmentName) &&
		ptrEqual(a.DraftRoleName, b.DraftRoleName) &&
		ptrEqual(a.YesTargetID, b.YesTargetID) &&
		ptrEqual(a.NoTargetID, b.NoTargetID)
}

func normalizeEntityRef(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if !IsEntityID(trimmed) {
		return nil
	}
	return &trimmed
}

func trimOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
