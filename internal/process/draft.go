package process

import (
	"strings"
	"time"

	"procmap/api/internal/util"
)

// Palette colors assigned to departments and roles materialized from drafts.
var draftPalette = []string{
	"#2563eb", "#16a34a", "#d97706", "#dc2626",
	"#7c3aed", "#0891b2", "#db2777", "#65a30d",
}

// MergeDraftEntities materializes draft department and role names carried by
// steps into the existing department list. The base list is deep-cloned; the
// result is safe to persist directly.
//
// Departments are resolved-or-created keyed by case-insensitive trimmed name,
// first-seen wins on case variants. A draft role name resolves within its
// department by the same key and is skipped when a role with that normalized
// name already exists. New entities receive a generated UUID and the current
// time for both timestamps.
//
// Re-applying the same draft set never creates duplicates. Renaming an
// already-materialized department breaks the name key on purpose: the next
// merge of the old draft name creates a fresh department.
func MergeDraftEntities(steps []Step, base []Department) []Department {
	departments := cloneDepartments(base)

	deptByKey := make(map[string]int, len(departments))
	for i, dept := range departments {
		key := nameKey(dept.Name)
		if _, seen := deptByKey[key]; !seen {
			deptByKey[key] = i
		}
	}

	now := time.Now()
	for _, raw := range steps {
		step := NormalizeStep(raw)
		if step.DraftDepartmentName == nil {
			continue
		}
		deptName := *step.DraftDepartmentName
		deptKey := nameKey(deptName)

		idx, ok := deptByKey[deptKey]
		if !ok {
			departments = append(departments, Department{
				ID:        util.NewUUID(),
				Name:      deptName,
				Color:     draftPalette[len(departments)%len(draftPalette)],
				CreatedAt: now,
				UpdatedAt: now,
			})
			idx = len(departments) - 1
			deptByKey[deptKey] = idx
		}

		if step.DraftRoleName == nil {
			continue
		}
		roleName := *step.DraftRoleName
		if hasRole(departments[idx].Roles, nameKey(roleName)) {
			continue
		}
		departments[idx].Roles = append(departments[idx].Roles, Role{
			ID:           util.NewUUID(),
			DepartmentID: departments[idx].ID,
			Name:         roleName,
			Color:        draftPalette[len(departments[idx].Roles)%len(draftPalette)],
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	return departments
}

func cloneDepartments(base []Department) []Department {
	out := make([]Department, len(base))
	for i, dept := range base {
		out[i] = dept
		out[i].Roles = make([]Role, len(dept.Roles))
		copy(out[i].Roles, dept.Roles)
	}
	return out
}

func hasRole(roles []Role, key string) bool {
	for _, role := range roles {
		if nameKey(role.Name) == key {
			return true
		}
	}
	return false
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
