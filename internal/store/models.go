package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Membership struct {
	OrgID     string
	UserID    string
	Role      string
	CreatedAt time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type Invitation struct {
	Token      string
	OrgID      string
	Email      string
	Role       string
	InvitedBy  string
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// Process is one snapshot per organization process: the title plus the raw
// steps column, decoded by the step engine on read.
type Process struct {
	ID        string
	OrgID     string
	Title     string
	RawSteps  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobDescription is the persisted LLM output for one role. The structured
// sections are re-derived and validated on every read path; the row is a
// cache, not a source of truth.
type JobDescription struct {
	RoleID    string
	Content   string
	Sections  []byte
	UpdatedAt time.Time
}

// OnboardingState tracks the guided overlay per user.
type OnboardingState struct {
	UserID         string
	CompletedSteps []string
	Dismissed      bool
	UpdatedAt      time.Time
}
