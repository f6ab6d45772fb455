package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProcess    ResultType = "process"
	ResultRole       ResultType = "role"
	ResultDepartment ResultType = "department"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	OrgID        string     `json:"orgId"`
	DepartmentID string     `json:"departmentId,omitempty"`
}

// Query describes a search request. Searches are always scoped to one
// organization.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	OrgID      string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProcessRecord is the data we index for a process.
type ProcessRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OrgID     string `json:"orgId"`
	StepCount int    `json:"stepCount"`
}

// RoleRecord is the data we index for a role.
type RoleRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DepartmentID   string `json:"departmentId"`
	DepartmentName string `json:"departmentName"`
	OrgID          string `json:"orgId"`
}

// DepartmentRecord is the data we index for a department.
type DepartmentRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	OrgID string `json:"orgId"`
}
