package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"procmap/api/internal/history"
	"procmap/api/internal/process"
	"procmap/api/internal/profile"
	"procmap/api/internal/store"
)

// fakeData is an in-memory stand-in for the Postgres store. It also serves
// as the refresh-session backend and the password auth user store.
type fakeData struct {
	mu sync.Mutex

	users       map[string]store.User // by id
	resets      map[string]string     // token -> user id
	orgs        map[string]store.Organization
	memberships map[string]store.Membership // orgID|userID
	invitations map[string]store.Invitation // by token
	departments map[string][]process.Department
	processes   map[string]store.Process // orgID|processID
	jds         map[string]store.JobDescription
	onboarding  map[string]store.OnboardingState
	refresh     map[string]store.User // token hash -> user
}

func newFakeData() *fakeData {
	return &fakeData{
		users:       make(map[string]store.User),
		resets:      make(map[string]string),
		orgs:        make(map[string]store.Organization),
		memberships: make(map[string]store.Membership),
		invitations: make(map[string]store.Invitation),
		departments: make(map[string][]process.Department),
		processes:   make(map[string]store.Process),
		jds:         make(map[string]store.JobDescription),
		onboarding:  make(map[string]store.OnboardingState),
		refresh:     make(map[string]store.User),
	}
}

func (f *fakeData) Ping(ctx context.Context) error { return nil }

// ── Users (authpw.UserStore) ──

func (f *fakeData) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeData) GetUserByID(ctx context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeData) CreateUser(ctx context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	f.users[user.ID] = user
	return nil
}

func (f *fakeData) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	f.users[userID] = user
	return nil
}

func (f *fakeData) VerifyUserEmail(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if token != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeData) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeData) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeData) GetPasswordReset(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeData) MarkPasswordResetUsed(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

// ── Refresh sessions ──

func (f *fakeData) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = user
	return nil
}

func (f *fakeData) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeData) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

// ── Organizations ──

func membershipKey(orgID, userID string) string { return orgID + "|" + userID }

func (f *fakeData) CreateOrganization(ctx context.Context, org store.Organization, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	org.CreatedAt = time.Now()
	f.orgs[org.ID] = org
	f.memberships[membershipKey(org.ID, ownerID)] = store.Membership{OrgID: org.ID, UserID: ownerID, Role: "owner"}
	return nil
}

func (f *fakeData) GetOrganization(ctx context.Context, orgID string) (store.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return store.Organization{}, sql.ErrNoRows
	}
	return org, nil
}

func (f *fakeData) ListOrganizationsForUser(ctx context.Context, userID string) ([]store.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Organization
	for _, m := range f.memberships {
		if m.UserID == userID {
			out = append(out, f.orgs[m.OrgID])
		}
	}
	return out, nil
}

func (f *fakeData) GetMembership(ctx context.Context, orgID, userID string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(orgID, userID)]
	if !ok {
		return store.Membership{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeData) ListMemberships(ctx context.Context, orgID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Membership
	for _, m := range f.memberships {
		if m.OrgID == orgID {
			if user, ok := f.users[m.UserID]; ok {
				m.UserEmail = user.Email
				m.UserName = user.DisplayName
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeData) UpsertMembership(ctx context.Context, m store.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[membershipKey(m.OrgID, m.UserID)] = m
	return nil
}

func (f *fakeData) CreateInvitation(ctx context.Context, inv store.Invitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invitations[inv.Token] = inv
	return nil
}

func (f *fakeData) GetInvitation(ctx context.Context, token string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[token]
	if !ok || inv.AcceptedAt != nil || time.Now().After(inv.ExpiresAt) {
		return store.Invitation{}, sql.ErrNoRows
	}
	return inv, nil
}

func (f *fakeData) MarkInvitationAccepted(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invitations[token]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	inv.AcceptedAt = &now
	f.invitations[token] = inv
	return nil
}

// ── Departments and roles ──

func (f *fakeData) ListDepartments(ctx context.Context, orgID string) ([]process.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.departments[orgID]
	out := make([]process.Department, len(src))
	for i, dept := range src {
		out[i] = dept
		out[i].Roles = append([]process.Role(nil), dept.Roles...)
	}
	return out, nil
}

func (f *fakeData) InsertDepartment(ctx context.Context, orgID string, dept process.Department) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dept.Roles = append([]process.Role(nil), dept.Roles...)
	f.departments[orgID] = append(f.departments[orgID], dept)
	return nil
}

func (f *fakeData) UpdateDepartment(ctx context.Context, orgID, deptID, name, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, dept := range f.departments[orgID] {
		if dept.ID == deptID {
			f.departments[orgID][i].Name = name
			f.departments[orgID][i].Color = color
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeData) DeleteDepartment(ctx context.Context, orgID, deptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, dept := range f.departments[orgID] {
		if dept.ID == deptID {
			f.departments[orgID] = append(f.departments[orgID][:i], f.departments[orgID][i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeData) InsertRole(ctx context.Context, role process.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for orgID, depts := range f.departments {
		for i, dept := range depts {
			if dept.ID == role.DepartmentID {
				f.departments[orgID][i].Roles = append(f.departments[orgID][i].Roles, role)
				return nil
			}
		}
	}
	return fmt.Errorf("department %s not found", role.DepartmentID)
}

func (f *fakeData) UpdateRole(ctx context.Context, orgID, roleID, name, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, dept := range f.departments[orgID] {
		for j, role := range dept.Roles {
			if role.ID == roleID {
				f.departments[orgID][i].Roles[j].Name = name
				f.departments[orgID][i].Roles[j].Color = color
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (f *fakeData) DeleteRole(ctx context.Context, orgID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, dept := range f.departments[orgID] {
		for j, role := range dept.Roles {
			if role.ID == roleID {
				f.departments[orgID][i].Roles = append(dept.Roles[:j], dept.Roles[j+1:]...)
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

// ── Processes ──

func processKey(orgID, processID string) string { return orgID + "|" + processID }

func (f *fakeData) ListProcesses(ctx context.Context, orgID string) ([]profile.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []profile.ProcessRecord
	for _, p := range f.processes {
		if p.OrgID == orgID {
			out = append(out, profile.ProcessRecord{ID: p.ID, Name: p.Title, RawSteps: p.RawSteps})
		}
	}
	return out, nil
}

func (f *fakeData) GetProcess(ctx context.Context, orgID, processID string) (store.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processes[processKey(orgID, processID)]
	if !ok {
		return store.Process{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeData) InsertProcess(ctx context.Context, p store.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes[processKey(p.OrgID, p.ID)] = p
	return nil
}

func (f *fakeData) UpdateProcessSnapshot(ctx context.Context, orgID, processID, title string, rawSteps []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processes[processKey(orgID, processID)]
	if !ok {
		return sql.ErrNoRows
	}
	p.Title = title
	p.RawSteps = rawSteps
	f.processes[processKey(orgID, processID)] = p
	return nil
}

func (f *fakeData) DeleteProcess(ctx context.Context, orgID, processID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := processKey(orgID, processID)
	if _, ok := f.processes[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.processes, key)
	return nil
}

// ── Job descriptions and onboarding ──

func (f *fakeData) UpsertJobDescription(ctx context.Context, jd store.JobDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	jd.UpdatedAt = time.Now()
	f.jds[jd.RoleID] = jd
	return nil
}

func (f *fakeData) GetJobDescription(ctx context.Context, roleID string) (store.JobDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jd, ok := f.jds[roleID]
	if !ok {
		return store.JobDescription{}, sql.ErrNoRows
	}
	return jd, nil
}

func (f *fakeData) GetOnboarding(ctx context.Context, userID string) (store.OnboardingState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.onboarding[userID]
	if !ok {
		return store.OnboardingState{UserID: userID, CompletedSteps: []string{}}, nil
	}
	return state, nil
}

func (f *fakeData) UpsertOnboarding(ctx context.Context, state store.OnboardingState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onboarding[state.UserID] = state
	return nil
}

// fakeHistory records commits in memory.
type fakeHistory struct {
	mu      sync.Mutex
	commits map[string][]history.CommitInfo
	snaps   map[string]history.Snapshot // processID|hash
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		commits: make(map[string][]history.CommitInfo),
		snaps:   make(map[string]history.Snapshot),
	}
}

func (f *fakeHistory) Commit(processID string, snapshot history.Snapshot, author, message string) (history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := history.CommitInfo{
		Hash:      fmt.Sprintf("%07d", len(f.commits[processID])+1),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now(),
	}
	f.commits[processID] = append([]history.CommitInfo{info}, f.commits[processID]...)
	f.snaps[processID+"|"+info.Hash] = snapshot
	return info, nil
}

func (f *fakeHistory) History(processID string, limit int) ([]history.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[processID]
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}
	return append([]history.CommitInfo(nil), commits...), nil
}

func (f *fakeHistory) GetSnapshotByHash(processID, hash string) (history.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[processID+"|"+hash]
	if !ok {
		return history.Snapshot{}, fmt.Errorf("no snapshot for %s", hash)
	}
	return snap, nil
}

func (f *fakeHistory) Remove(processID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.commits, processID)
	return nil
}
