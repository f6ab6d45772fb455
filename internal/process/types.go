// Package process implements the step engine: normalization, cloning and
// comparison of process step lists, and materialization of draft department
// and role names into persisted entities.
package process

import "time"

// StepType enumerates the node kinds of a process graph.
type StepType string

const (
	StepStart    StepType = "start"
	StepAction   StepType = "action"
	StepDecision StepType = "decision"
	StepFinish   StepType = "finish"
)

// Step is one node of a process graph. A process is expected to carry exactly
// one start and at least one finish step, though the engine does not enforce
// that structurally.
//
// DepartmentID/RoleID reference persisted entities and are mutually exclusive
// with the draft name fields: normalization clears a draft name whenever the
// corresponding resolved ID is present. YesTargetID is the sole successor for
// start and action steps; decision steps use both targets for their two
// branches; finish steps have neither.
type Step struct {
	ID                  string   `json:"id"`
	Type                StepType `json:"type"`
	Label               string   `json:"label"`
	DepartmentID        *string  `json:"departmentId"`
	RoleID              *string  `json:"roleId"`
	DraftDepartmentName *string  `json:"draftDepartmentName"`
	DraftRoleName       *string  `json:"draftRoleName"`
	YesTargetID         *string  `json:"yesTargetId"`
	NoTargetID          *string  `json:"noTargetId"`
}

// Department owns an ordered list of roles.
type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Roles     []Role    `json:"roles"`
}

// Role belongs to exactly one department.
type Role struct {
	ID           string    `json:"id"`
	DepartmentID string    `json:"departmentId"`
	Name         string    `json:"name"`
	Color        string    `json:"color"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DefaultProcessTitle replaces a blank title on save.
const DefaultProcessTitle = "Processus sans titre"
