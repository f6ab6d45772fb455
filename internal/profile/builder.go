// Package profile derives a cross-process summary of where a role appears
// and which roles and departments it directly interacts with.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"procmap/api/internal/process"
)

var (
	// ErrRoleNotFound is returned when the role does not belong to the
	// organization.
	ErrRoleNotFound = errors.New("role not found in organization")
	// ErrRoleUnreferenced is returned when no process references the role.
	ErrRoleUnreferenced = errors.New("no process references this role")
)

// DataStore is the slice of storage the builder needs.
type DataStore interface {
	ListDepartments(ctx context.Context, orgID string) ([]process.Department, error)
	ListProcesses(ctx context.Context, orgID string) ([]ProcessRecord, error)
}

// ProcessRecord is one stored process snapshot with its raw steps column.
type ProcessRecord struct {
	ID       string
	Name     string
	RawSteps []byte
}

// RelevantStep is a step assigned to the target role, with its resolved
// direct neighbors.
type RelevantStep struct {
	StepID          string   `json:"stepId"`
	Label           string   `json:"label"`
	Type            string   `json:"type"`
	PreviousRoleIDs []string `json:"previousRoleIds"`
	NextRoleIDs     []string `json:"nextRoleIds"`
}

// ProcessAppearance groups the relevant steps of one process.
type ProcessAppearance struct {
	ProcessID   string         `json:"processId"`
	ProcessName string         `json:"processName"`
	Steps       []RelevantStep `json:"steps"`
}

// RoleProfile is computed per request and never persisted.
type RoleProfile struct {
	RoleID            string              `json:"roleId"`
	RoleName          string              `json:"roleName"`
	DepartmentID      string              `json:"departmentId"`
	DepartmentName    string              `json:"departmentName"`
	Processes         []ProcessAppearance `json:"processes"`
	DirectRoles       []string            `json:"directRoles"`
	DirectDepartments []string            `json:"directDepartments"`
}

// Builder walks every process step graph of an organization.
type Builder struct {
	store DataStore
}

func NewBuilder(store DataStore) *Builder {
	return &Builder{store: store}
}

// BuildRoleProfile resolves the role inside the organization, then scans all
// processes for action/decision steps assigned to it. Predecessor detection
// is symmetric over both branch fields: a step reached only through a "no"
// branch counts the same as one reached through "yes".
func (b *Builder) BuildRoleProfile(ctx context.Context, orgID, roleID string) (*RoleProfile, error) {
	departments, err := b.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}

	knownRoles := make(map[string]process.Role)
	knownDepartments := make(map[string]process.Department)
	for _, dept := range departments {
		knownDepartments[dept.ID] = dept
		for _, role := range dept.Roles {
			knownRoles[role.ID] = role
		}
	}

	target, ok := knownRoles[roleID]
	if !ok {
		return nil, ErrRoleNotFound
	}

	records, err := b.store.ListProcesses(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	result := &RoleProfile{
		RoleID:         target.ID,
		RoleName:       target.Name,
		DepartmentID:   target.DepartmentID,
		DepartmentName: knownDepartments[target.DepartmentID].Name,
	}
	directRoles := make(map[string]struct{})
	directDepartments := make(map[string]struct{})

	for _, record := range records {
		steps, err := process.DecodeSteps(record.RawSteps)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", record.ID, err)
		}

		byID := make(map[string]process.Step, len(steps))
		for _, step := range steps {
			byID[step.ID] = step
		}

		var relevant []RelevantStep
		for _, step := range steps {
			if step.Type != process.StepAction && step.Type != process.StepDecision {
				continue
			}
			if step.RoleID == nil || *step.RoleID != roleID {
				continue
			}

			var neighbors []process.Step
			entry := RelevantStep{StepID: step.ID, Label: step.Label, Type: string(step.Type)}

			for _, other := range steps {
				if other.ID == step.ID {
					continue
				}
				if targetsStep(other, step.ID) {
					neighbors = append(neighbors, other)
					if rid := neighborRoleID(other, roleID, knownRoles); rid != "" {
						entry.PreviousRoleIDs = appendUnique(entry.PreviousRoleIDs, rid)
					}
				}
			}
			for _, targetID := range branchTargets(step) {
				next, found := byID[targetID]
				if !found {
					continue
				}
				neighbors = append(neighbors, next)
				if rid := neighborRoleID(next, roleID, knownRoles); rid != "" {
					entry.NextRoleIDs = appendUnique(entry.NextRoleIDs, rid)
				}
			}

			for _, neighbor := range neighbors {
				if rid := neighborRoleID(neighbor, roleID, knownRoles); rid != "" {
					directRoles[rid] = struct{}{}
				}
				if neighbor.DepartmentID != nil {
					if _, known := knownDepartments[*neighbor.DepartmentID]; known {
						directDepartments[*neighbor.DepartmentID] = struct{}{}
					}
				}
			}

			relevant = append(relevant, entry)
		}

		if len(relevant) > 0 {
			result.Processes = append(result.Processes, ProcessAppearance{
				ProcessID:   record.ID,
				ProcessName: record.Name,
				Steps:       relevant,
			})
		}
	}

	if len(result.Processes) == 0 {
		return nil, ErrRoleUnreferenced
	}

	result.DirectRoles = sortedKeys(directRoles)
	result.DirectDepartments = sortedKeys(directDepartments)
	return result, nil
}

// targetsStep reports whether other points at stepID through either branch.
func targetsStep(other process.Step, stepID string) bool {
	if other.YesTargetID != nil && *other.YesTargetID == stepID {
		return true
	}
	if other.NoTargetID != nil && *other.NoTargetID == stepID {
		return true
	}
	return false
}

func branchTargets(step process.Step) []string {
	var out []string
	if step.YesTargetID != nil {
		out = append(out, *step.YesTargetID)
	}
	if step.NoTargetID != nil {
		out = append(out, *step.NoTargetID)
	}
	return out
}

// neighborRoleID returns the neighbor's role id when it is a different role
// recognized by the organization, otherwise "".
func neighborRoleID(step process.Step, ownRoleID string, known map[string]process.Role) string {
	if step.RoleID == nil || *step.RoleID == ownRoleID {
		return ""
	}
	if _, ok := known[*step.RoleID]; !ok {
		return ""
	}
	return *step.RoleID
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
