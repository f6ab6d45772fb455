package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"procmap/api/internal/process"
	"procmap/api/internal/profile"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── Organizations, memberships, invitations ──

func (s *PostgresStore) CreateOrganization(ctx context.Context, org Organization, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create org: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name) VALUES ($1, $2)
	`, org.ID, org.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert organization: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO org_memberships (org_id, user_id, role) VALUES ($1, $2, 'owner')
	`, org.ID, ownerID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert owner membership: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at FROM organizations WHERE id=$1
	`, orgID).Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, err
	}
	return org, nil
}

func (s *PostgresStore) ListOrganizationsForUser(ctx context.Context, userID string) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.created_at, o.updated_at
		FROM organizations o
		JOIN org_memberships m ON m.org_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	items := make([]Organization, 0)
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		items = append(items, org)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetMembership(ctx context.Context, orgID, userID string) (Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id, user_id, role, created_at FROM org_memberships WHERE org_id=$1 AND user_id=$2
	`, orgID, userID).Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, orgID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.org_id, m.user_id, m.role, m.created_at, u.email, u.display_name
		FROM org_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.org_id = $1
		ORDER BY m.created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt, &m.UserEmail, &m.UserName); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_memberships (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, m.OrgID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_invitations (token, org_id, email, role, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, inv.Token, inv.OrgID, inv.Email, inv.Role, inv.InvitedBy, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT token, org_id, email, role, invited_by, expires_at, accepted_at, created_at
		FROM org_invitations
		WHERE token=$1 AND accepted_at IS NULL AND expires_at > NOW()
	`, token).Scan(&inv.Token, &inv.OrgID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) MarkInvitationAccepted(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE org_invitations SET accepted_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	return nil
}

// ── Departments and roles ──

// ListDepartments returns the organization's departments with their ordered
// role lists, in the shape the step engine works with.
func (s *PostgresStore) ListDepartments(ctx context.Context, orgID string) ([]process.Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, color, created_at, updated_at
		FROM departments WHERE org_id=$1 ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	departments := make([]process.Department, 0)
	index := make(map[string]int)
	for rows.Next() {
		var dept process.Department
		if err := rows.Scan(&dept.ID, &dept.Name, &dept.Color, &dept.CreatedAt, &dept.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		dept.Roles = make([]process.Role, 0)
		index[dept.ID] = len(departments)
		departments = append(departments, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}

	roleRows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.department_id, r.name, r.color, r.created_at, r.updated_at
		FROM roles r
		JOIN departments d ON d.id = r.department_id
		WHERE d.org_id=$1
		ORDER BY r.created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer roleRows.Close()

	for roleRows.Next() {
		var role process.Role
		if err := roleRows.Scan(&role.ID, &role.DepartmentID, &role.Name, &role.Color, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if i, ok := index[role.DepartmentID]; ok {
			departments[i].Roles = append(departments[i].Roles, role)
		}
	}
	return departments, roleRows.Err()
}

func (s *PostgresStore) InsertDepartment(ctx context.Context, orgID string, dept process.Department) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, org_id, name, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, dept.ID, orgID, dept.Name, dept.Color, dept.CreatedAt, dept.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDepartment(ctx context.Context, orgID, deptID, name, color string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE departments SET name=$3, color=$4, updated_at=NOW() WHERE id=$2 AND org_id=$1
	`, orgID, deptID, name, color)
	if err != nil {
		return fmt.Errorf("update department: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteDepartment(ctx context.Context, orgID, deptID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM departments WHERE id=$2 AND org_id=$1`, orgID, deptID)
	if err != nil {
		return fmt.Errorf("delete department: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) InsertRole(ctx context.Context, role process.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, department_id, name, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, role.ID, role.DepartmentID, role.Name, role.Color, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRole(ctx context.Context, orgID, roleID, name, color string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE roles SET name=$3, color=$4, updated_at=NOW()
		WHERE id=$2 AND department_id IN (SELECT id FROM departments WHERE org_id=$1)
	`, orgID, roleID, name, color)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteRole(ctx context.Context, orgID, roleID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM roles
		WHERE id=$2 AND department_id IN (SELECT id FROM departments WHERE org_id=$1)
	`, orgID, roleID)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return requireRow(result)
}

// ── Processes ──

func (s *PostgresStore) ListProcesses(ctx context.Context, orgID string) ([]profile.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, steps FROM processes WHERE org_id=$1 ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	items := make([]profile.ProcessRecord, 0)
	for rows.Next() {
		var record profile.ProcessRecord
		if err := rows.Scan(&record.ID, &record.Name, &record.RawSteps); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetProcess(ctx context.Context, orgID, processID string) (Process, error) {
	var p Process
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, title, steps, created_at, updated_at
		FROM processes WHERE id=$2 AND org_id=$1
	`, orgID, processID).Scan(&p.ID, &p.OrgID, &p.Title, &p.RawSteps, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Process{}, err
	}
	return p, nil
}

func (s *PostgresStore) InsertProcess(ctx context.Context, p Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, org_id, title, steps) VALUES ($1, $2, $3, $4)
	`, p.ID, p.OrgID, p.Title, p.RawSteps)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProcessSnapshot(ctx context.Context, orgID, processID, title string, rawSteps []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE processes SET title=$3, steps=$4, updated_at=NOW() WHERE id=$2 AND org_id=$1
	`, orgID, processID, title, rawSteps)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteProcess(ctx context.Context, orgID, processID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id=$2 AND org_id=$1`, orgID, processID)
	if err != nil {
		return fmt.Errorf("delete process: %w", err)
	}
	return requireRow(result)
}

// ── Job descriptions ──

func (s *PostgresStore) UpsertJobDescription(ctx context.Context, jd JobDescription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_descriptions (role_id, content, sections, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (role_id) DO UPDATE SET content=EXCLUDED.content, sections=EXCLUDED.sections, updated_at=NOW()
	`, jd.RoleID, jd.Content, jd.Sections)
	if err != nil {
		return fmt.Errorf("upsert job description: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJobDescription(ctx context.Context, roleID string) (JobDescription, error) {
	var jd JobDescription
	err := s.db.QueryRowContext(ctx, `
		SELECT role_id, content, sections, updated_at FROM job_descriptions WHERE role_id=$1
	`, roleID).Scan(&jd.RoleID, &jd.Content, &jd.Sections, &jd.UpdatedAt)
	if err != nil {
		return JobDescription{}, err
	}
	return jd, nil
}

// ── Onboarding ──

func (s *PostgresStore) GetOnboarding(ctx context.Context, userID string) (OnboardingState, error) {
	var state OnboardingState
	var rawSteps []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, completed_steps, dismissed, updated_at FROM user_onboarding WHERE user_id=$1
	`, userID).Scan(&state.UserID, &rawSteps, &state.Dismissed, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OnboardingState{UserID: userID, CompletedSteps: []string{}}, nil
	}
	if err != nil {
		return OnboardingState{}, fmt.Errorf("get onboarding: %w", err)
	}
	if err := json.Unmarshal(rawSteps, &state.CompletedSteps); err != nil {
		state.CompletedSteps = []string{}
	}
	return state, nil
}

func (s *PostgresStore) UpsertOnboarding(ctx context.Context, state OnboardingState) error {
	rawSteps, err := json.Marshal(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal onboarding steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_onboarding (user_id, completed_steps, dismissed, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET completed_steps=EXCLUDED.completed_steps, dismissed=EXCLUDED.dismissed, updated_at=NOW()
	`, state.UserID, rawSteps, state.Dismissed)
	if err != nil {
		return fmt.Errorf("upsert onboarding: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
