// Package app wires the domain packages behind the HTTP surface: sessions,
// organization scoping and rbac checks, and the orchestration of process
// saves, exports and LLM generation.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"procmap/api/internal/auth"
	"procmap/api/internal/authpw"
	"procmap/api/internal/config"
	"procmap/api/internal/diagram"
	"procmap/api/internal/email"
	"procmap/api/internal/export"
	"procmap/api/internal/history"
	"procmap/api/internal/jobdesc"
	"procmap/api/internal/llm"
	"procmap/api/internal/process"
	"procmap/api/internal/profile"
	"procmap/api/internal/ratelimit"
	"procmap/api/internal/rbac"
	"procmap/api/internal/search"
	"procmap/api/internal/store"
	"procmap/api/internal/util"
)

// dataStore is the storage surface the service layer depends on. The
// Postgres store satisfies it; tests substitute fakes.
type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	CreateOrganization(ctx context.Context, org store.Organization, ownerID string) error
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	ListOrganizationsForUser(ctx context.Context, userID string) ([]store.Organization, error)
	GetMembership(ctx context.Context, orgID, userID string) (store.Membership, error)
	ListMemberships(ctx context.Context, orgID string) ([]store.Membership, error)
	UpsertMembership(ctx context.Context, m store.Membership) error
	CreateInvitation(ctx context.Context, inv store.Invitation) error
	GetInvitation(ctx context.Context, token string) (store.Invitation, error)
	MarkInvitationAccepted(ctx context.Context, token string) error

	ListDepartments(ctx context.Context, orgID string) ([]process.Department, error)
	InsertDepartment(ctx context.Context, orgID string, dept process.Department) error
	UpdateDepartment(ctx context.Context, orgID, deptID, name, color string) error
	DeleteDepartment(ctx context.Context, orgID, deptID string) error
	InsertRole(ctx context.Context, role process.Role) error
	UpdateRole(ctx context.Context, orgID, roleID, name, color string) error
	DeleteRole(ctx context.Context, orgID, roleID string) error

	ListProcesses(ctx context.Context, orgID string) ([]profile.ProcessRecord, error)
	GetProcess(ctx context.Context, orgID, processID string) (store.Process, error)
	InsertProcess(ctx context.Context, p store.Process) error
	UpdateProcessSnapshot(ctx context.Context, orgID, processID, title string, rawSteps []byte) error
	DeleteProcess(ctx context.Context, orgID, processID string) error

	UpsertJobDescription(ctx context.Context, jd store.JobDescription) error
	GetJobDescription(ctx context.Context, roleID string) (store.JobDescription, error)

	GetOnboarding(ctx context.Context, userID string) (store.OnboardingState, error)
	UpsertOnboarding(ctx context.Context, state store.OnboardingState) error
}

// sessionStore holds refresh sessions. Redis when configured, the Postgres
// store otherwise; both satisfy the same surface.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// historyStore versions process snapshots.
type historyStore interface {
	Commit(processID string, snapshot history.Snapshot, author, message string) (history.CommitInfo, error)
	History(processID string, limit int) ([]history.CommitInfo, error)
	GetSnapshotByHash(processID, hash string) (history.Snapshot, error)
	Remove(processID string) error
}

// Session is the authenticated caller resolved from a bearer token.
type Session struct {
	UserID       string
	UserName     string
	JTI          string
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	history  historyStore
	profiles *profile.Builder
	exporter *export.Service
	authpw   *authpw.Service
	email    *email.Service

	// Optional handles, nil when the backing service is not configured.
	search  *search.Service
	llm     *llm.Client
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, pg *store.PostgresStore, hist *history.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    pg,
		sessions: pg,
		history:  hist,
		profiles: profile.NewBuilder(pg),
		exporter: export.NewService(),
		authpw:   authpw.NewService(pg),
		email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}
}

// UseSessionStore swaps the refresh-session backend, normally for Redis.
func (s *Service) UseSessionStore(st sessionStore) {
	s.sessions = st
}

func (s *Service) UseSearch(svc *search.Service) {
	s.search = svc
}

func (s *Service) UseLLM(client *llm.Client, limiter *ratelimit.Limiter) {
	s.llm = client
	s.limiter = limiter
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

func (s *Service) issueSession(ctx context.Context, user store.User) (*Session, error) {
	jti := util.NewUUID()
	expiresAt := time.Now().Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refresh := util.NewToken() + util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("save refresh session: %w", err)
	}

	return &Session{
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and resolves the caller.
func (s *Service) SessionFromToken(token string) (*Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil, err
	}
	return &Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		Token:     token,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return nil, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token not recognized", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return nil, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	return s.issueSession(ctx, user)
}

// Logout revokes the refresh token. An unknown token is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// ── Account flows ──

func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (map[string]any, error) {
	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddr,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailExists) {
		return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "this email is already registered", nil)
	}
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	payload := map[string]any{
		"userId":              resp.UserID,
		"requiresEmailVerify": resp.RequiresEmailVerify,
	}
	if s.email.IsConfigured() {
		verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + resp.VerificationToken
		if err := s.email.SendVerificationEmail(emailAddr, displayName, verifyURL); err != nil {
			log.Printf("send verification email: %v", err)
		}
	} else {
		// Without SMTP the token is surfaced so local setups can verify.
		payload["devVerificationToken"] = resp.VerificationToken
	}
	return payload, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (map[string]any, error) {
	resp, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if err != nil {
		return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
	}
	if resp.RequiresVerify {
		return nil, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "verify your email before signing in", nil)
	}

	session, err := s.issueSession(ctx, resp.User)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.UTC(),
		"user": map[string]any{
			"id":    resp.User.ID,
			"name":  resp.User.DisplayName,
			"email": resp.User.Email,
		},
	}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.authpw.VerifyEmail(ctx, token); err != nil {
		return domainError(http.StatusUnprocessableEntity, "INVALID_TOKEN", err.Error(), nil)
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (map[string]any, error) {
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"status": "ok"}
	if token == "" {
		return payload, nil
	}
	if s.email.IsConfigured() {
		resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + token
		if err := s.email.SendPasswordResetEmail(emailAddr, "", resetURL); err != nil {
			log.Printf("send password reset email: %v", err)
		}
	} else {
		payload["devResetToken"] = token
	}
	return payload, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.authpw.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

// ── Organizations, memberships, invitations ──

// requireRole resolves the caller's membership and checks the action.
func (s *Service) requireRole(ctx context.Context, orgID, userID string, action rbac.Action) (store.Membership, error) {
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, domainError(http.StatusForbidden, "NOT_A_MEMBER", "you are not a member of this organization", nil)
	}
	if err != nil {
		return store.Membership{}, fmt.Errorf("resolve membership: %w", err)
	}
	if !rbac.Can(rbac.Role(m.Role), action) {
		return store.Membership{}, domainError(http.StatusForbidden, "FORBIDDEN", "your role does not allow this action", nil)
	}
	return m, nil
}

func (s *Service) CreateOrg(ctx context.Context, sess *Session, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "organization name is required", nil)
	}

	org := store.Organization{ID: util.NewUUID(), Name: name}
	if err := s.store.CreateOrganization(ctx, org, sess.UserID); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return map[string]any{"id": org.ID, "name": org.Name, "role": string(rbac.RoleOwner)}, nil
}

func (s *Service) ListOrgs(ctx context.Context, sess *Session) ([]map[string]any, error) {
	orgs, err := s.store.ListOrganizationsForUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(orgs))
	for _, org := range orgs {
		items = append(items, map[string]any{"id": org.ID, "name": org.Name, "createdAt": org.CreatedAt})
	}
	return items, nil
}

func (s *Service) GetOrg(ctx context.Context, sess *Session, orgID string) (map[string]any, error) {
	membership, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.ListMemberships(ctx, orgID)
	if err != nil {
		return nil, err
	}

	members := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, map[string]any{
			"userId":   m.UserID,
			"name":     m.UserName,
			"email":    m.UserEmail,
			"role":     m.Role,
			"joinedAt": m.CreatedAt,
		})
	}
	return map[string]any{
		"id":        org.ID,
		"name":      org.Name,
		"role":      membership.Role,
		"members":   members,
		"createdAt": org.CreatedAt,
	}, nil
}

func invitableRole(role string) bool {
	switch rbac.Role(role) {
	case rbac.RoleAdmin, rbac.RoleMember, rbac.RoleViewer:
		return true
	default:
		return false
	}
}

func (s *Service) InviteMember(ctx context.Context, sess *Session, orgID, emailAddr, role string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionInvite); err != nil {
		return nil, err
	}
	emailAddr = strings.TrimSpace(emailAddr)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a valid email is required", nil)
	}
	if !invitableRole(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be admin, member or viewer", map[string]any{"role": role})
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	inv := store.Invitation{
		Token:     util.NewToken(),
		OrgID:     orgID,
		Email:     emailAddr,
		Role:      role,
		InvitedBy: sess.UserID,
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"email":     inv.Email,
		"role":      inv.Role,
		"expiresAt": inv.ExpiresAt.UTC(),
	}
	if s.email.IsConfigured() {
		inviteURL := s.cfg.AppBaseURL + "/invitations/accept?token=" + inv.Token
		if err := s.email.SendInvitationEmail(inv.Email, org.Name, sess.UserName, inv.Role, inviteURL); err != nil {
			log.Printf("send invitation email: %v", err)
		}
	} else {
		payload["devInvitationToken"] = inv.Token
	}
	return payload, nil
}

func (s *Service) AcceptInvitation(ctx context.Context, sess *Session, token string) (map[string]any, error) {
	inv, err := s.store.GetInvitation(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "INVITATION_INVALID", "invitation not found or expired", nil)
	}
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.Email, inv.Email) {
		return nil, domainError(http.StatusForbidden, "INVITATION_EMAIL_MISMATCH", "this invitation was issued for a different email", nil)
	}

	if err := s.store.UpsertMembership(ctx, store.Membership{OrgID: inv.OrgID, UserID: sess.UserID, Role: inv.Role}); err != nil {
		return nil, err
	}
	if err := s.store.MarkInvitationAccepted(ctx, token); err != nil {
		return nil, err
	}

	org, err := s.store.GetOrganization(ctx, inv.OrgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orgId": org.ID, "orgName": org.Name, "role": inv.Role}, nil
}

// ── Departments and roles ──

func departmentPayload(dept process.Department) map[string]any {
	roles := make([]map[string]any, 0, len(dept.Roles))
	for _, role := range dept.Roles {
		roles = append(roles, rolePayload(role))
	}
	return map[string]any{
		"id":        dept.ID,
		"name":      dept.Name,
		"color":     dept.Color,
		"roles":     roles,
		"createdAt": dept.CreatedAt,
		"updatedAt": dept.UpdatedAt,
	}
}

func rolePayload(role process.Role) map[string]any {
	return map[string]any{
		"id":           role.ID,
		"departmentId": role.DepartmentID,
		"name":         role.Name,
		"color":        role.Color,
		"createdAt":    role.CreatedAt,
		"updatedAt":    role.UpdatedAt,
	}
}

const defaultEntityColor = "#2563eb"

func validateEntityColor(color string) (string, error) {
	color = strings.TrimSpace(color)
	if color == "" {
		return defaultEntityColor, nil
	}
	if !diagram.IsHexColor(color) {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_COLOR", "color must be a #rrggbb hex value", map[string]any{"color": color})
	}
	return color, nil
}

func (s *Service) ListDepartments(ctx context.Context, sess *Session, orgID string) ([]map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(departments))
	for _, dept := range departments {
		items = append(items, departmentPayload(dept))
	}
	return items, nil
}

func (s *Service) CreateDepartment(ctx context.Context, sess *Session, orgID, name, color string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "department name is required", nil)
	}
	color, err := validateEntityColor(color)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dept := process.Department{
		ID:        util.NewUUID(),
		Name:      name,
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
		Roles:     []process.Role{},
	}
	if err := s.store.InsertDepartment(ctx, orgID, dept); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDepartment(search.DepartmentRecord{ID: dept.ID, Name: dept.Name, OrgID: orgID})
	}
	return departmentPayload(dept), nil
}

func (s *Service) UpdateDepartment(ctx context.Context, sess *Session, orgID, deptID, name, color string) error {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "department name is required", nil)
	}
	color, err := validateEntityColor(color)
	if err != nil {
		return err
	}
	if err := s.store.UpdateDepartment(ctx, orgID, deptID, name, color); err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexDepartment(search.DepartmentRecord{ID: deptID, Name: name, OrgID: orgID})
	}
	return nil
}

func (s *Service) DeleteDepartment(ctx context.Context, sess *Session, orgID, deptID string) error {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return err
	}

	// Collect role ids first: deleting the department cascades its roles.
	var roleIDs []string
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return err
	}
	for _, dept := range departments {
		if dept.ID != deptID {
			continue
		}
		for _, role := range dept.Roles {
			roleIDs = append(roleIDs, role.ID)
		}
	}

	if err := s.store.DeleteDepartment(ctx, orgID, deptID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDepartment(deptID)
		for _, roleID := range roleIDs {
			s.search.DeleteRole(roleID)
		}
	}
	return nil
}

// findRole resolves a role and its department inside the organization.
func (s *Service) findRole(ctx context.Context, orgID, roleID string) (process.Role, process.Department, error) {
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return process.Role{}, process.Department{}, err
	}
	for _, dept := range departments {
		for _, role := range dept.Roles {
			if role.ID == roleID {
				return role, dept, nil
			}
		}
	}
	return process.Role{}, process.Department{}, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "role not found in this organization", nil)
}

func (s *Service) CreateRole(ctx context.Context, sess *Session, orgID, deptID, name, color string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role name is required", nil)
	}
	color, err := validateEntityColor(color)
	if err != nil {
		return nil, err
	}

	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var parent *process.Department
	for i := range departments {
		if departments[i].ID == deptID {
			parent = &departments[i]
			break
		}
	}
	if parent == nil {
		return nil, domainError(http.StatusNotFound, "DEPARTMENT_NOT_FOUND", "department not found in this organization", nil)
	}

	now := time.Now()
	role := process.Role{
		ID:           util.NewUUID(),
		DepartmentID: deptID,
		Name:         name,
		Color:        color,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertRole(ctx, role); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexRole(search.RoleRecord{
			ID:             role.ID,
			Name:           role.Name,
			DepartmentID:   deptID,
			DepartmentName: parent.Name,
			OrgID:          orgID,
		})
	}
	return rolePayload(role), nil
}

func (s *Service) UpdateRole(ctx context.Context, sess *Session, orgID, roleID, name, color string) error {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role name is required", nil)
	}
	color, err := validateEntityColor(color)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRole(ctx, orgID, roleID, name, color); err != nil {
		return err
	}
	if s.search != nil {
		if role, dept, findErr := s.findRole(ctx, orgID, roleID); findErr == nil {
			s.search.IndexRole(search.RoleRecord{
				ID:             role.ID,
				Name:           role.Name,
				DepartmentID:   dept.ID,
				DepartmentName: dept.Name,
				OrgID:          orgID,
			})
		}
	}
	return nil
}

func (s *Service) DeleteRole(ctx context.Context, sess *Session, orgID, roleID string) error {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, orgID, roleID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteRole(roleID)
	}
	return nil
}

// ── Processes ──

func (s *Service) ListProcesses(ctx context.Context, sess *Session, orgID string) ([]map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	records, err := s.store.ListProcesses(ctx, orgID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		stepCount := 0
		if steps, decodeErr := process.DecodeSteps(record.RawSteps); decodeErr == nil {
			stepCount = len(steps)
		}
		items = append(items, map[string]any{
			"id":        record.ID,
			"title":     record.Name,
			"stepCount": stepCount,
		})
	}
	return items, nil
}

func (s *Service) CreateProcess(ctx context.Context, sess *Session, orgID, title string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = process.DefaultProcessTitle
	}

	p := store.Process{
		ID:       util.NewUUID(),
		OrgID:    orgID,
		Title:    title,
		RawSteps: []byte("[]"),
	}
	if err := s.store.InsertProcess(ctx, p); err != nil {
		return nil, err
	}

	if _, err := s.history.Commit(p.ID, history.Snapshot{Title: title, Steps: []process.Step{}}, sess.UserName, "Create process"); err != nil {
		log.Printf("history commit for new process %s: %v", p.ID, err)
	}
	if s.search != nil {
		s.search.IndexProcess(search.ProcessRecord{ID: p.ID, Title: title, OrgID: orgID, StepCount: 0})
	}
	return map[string]any{"id": p.ID, "title": title, "steps": []process.Step{}}, nil
}

func (s *Service) GetProcess(ctx context.Context, sess *Session, orgID, processID string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	p, err := s.store.GetProcess(ctx, orgID, processID)
	if err != nil {
		return nil, err
	}
	steps, err := process.DecodeSteps(p.RawSteps)
	if err != nil {
		return nil, fmt.Errorf("decode stored steps for %s: %w", processID, err)
	}
	return map[string]any{
		"id":        p.ID,
		"title":     p.Title,
		"steps":     steps,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}, nil
}

// SaveProcess normalizes the submitted steps, materializes draft departments
// and roles, persists the snapshot and commits it to history when it differs
// from the stored one.
func (s *Service) SaveProcess(ctx context.Context, sess *Session, orgID, processID, title string, rawSteps json.RawMessage) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}

	stored, err := s.store.GetProcess(ctx, orgID, processID)
	if err != nil {
		return nil, err
	}

	steps, err := process.DecodeSteps(rawSteps)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_STEPS", err.Error(), nil)
	}
	oldSteps, err := process.DecodeSteps(stored.RawSteps)
	if err != nil {
		return nil, fmt.Errorf("decode stored steps for %s: %w", processID, err)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = process.DefaultProcessTitle
	}
	changed := title != stored.Title || !process.StepsEqual(oldSteps, steps)

	base, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	merged := process.MergeDraftEntities(steps, base)

	knownDepts := make(map[string]bool, len(base))
	knownRoles := make(map[string]bool)
	for _, dept := range base {
		knownDepts[dept.ID] = true
		for _, role := range dept.Roles {
			knownRoles[role.ID] = true
		}
	}
	for _, dept := range merged {
		if !knownDepts[dept.ID] {
			if err := s.store.InsertDepartment(ctx, orgID, dept); err != nil {
				return nil, err
			}
			if s.search != nil {
				s.search.IndexDepartment(search.DepartmentRecord{ID: dept.ID, Name: dept.Name, OrgID: orgID})
			}
		}
		for _, role := range dept.Roles {
			if knownRoles[role.ID] {
				continue
			}
			if err := s.store.InsertRole(ctx, role); err != nil {
				return nil, err
			}
			if s.search != nil {
				s.search.IndexRole(search.RoleRecord{
					ID:             role.ID,
					Name:           role.Name,
					DepartmentID:   dept.ID,
					DepartmentName: dept.Name,
					OrgID:          orgID,
				})
			}
		}
	}

	normalized := process.CloneSteps(steps)
	encoded, err := process.EncodeSteps(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	if err := s.store.UpdateProcessSnapshot(ctx, orgID, processID, title, encoded); err != nil {
		return nil, err
	}

	if changed {
		if _, err := s.history.Commit(processID, history.Snapshot{Title: title, Steps: normalized}, sess.UserName, "Update process"); err != nil {
			log.Printf("history commit for process %s: %v", processID, err)
		}
	}
	if s.search != nil {
		s.search.IndexProcess(search.ProcessRecord{ID: processID, Title: title, OrgID: orgID, StepCount: len(normalized)})
	}

	departments := make([]map[string]any, 0, len(merged))
	for _, dept := range merged {
		departments = append(departments, departmentPayload(dept))
	}
	return map[string]any{
		"process": map[string]any{
			"id":    processID,
			"title": title,
			"steps": normalized,
		},
		"changed":     changed,
		"departments": departments,
	}, nil
}

func (s *Service) DeleteProcess(ctx context.Context, sess *Session, orgID, processID string) error {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteProcess(ctx, orgID, processID); err != nil {
		return err
	}
	if err := s.history.Remove(processID); err != nil {
		log.Printf("remove history for process %s: %v", processID, err)
	}
	if s.search != nil {
		s.search.DeleteProcess(processID)
	}
	return nil
}

// ProcessDiagram renders the stored snapshot as Mermaid flowchart text.
func (s *Service) ProcessDiagram(ctx context.Context, sess *Session, orgID, processID string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	p, err := s.store.GetProcess(ctx, orgID, processID)
	if err != nil {
		return nil, err
	}
	steps, err := process.DecodeSteps(p.RawSteps)
	if err != nil {
		return nil, fmt.Errorf("decode stored steps for %s: %w", processID, err)
	}
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"processId": p.ID,
		"title":     p.Title,
		"mermaid":   diagram.BuildFlowchart(steps, departments),
	}, nil
}

func (s *Service) ProcessHistory(ctx context.Context, sess *Session, orgID, processID string, limit int) ([]history.CommitInfo, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProcess(ctx, orgID, processID); err != nil {
		return nil, err
	}
	return s.history.History(processID, limit)
}

func (s *Service) ProcessSnapshot(ctx context.Context, sess *Session, orgID, processID, hash string) (*history.Snapshot, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProcess(ctx, orgID, processID); err != nil {
		return nil, err
	}
	snapshot, err := s.history.GetSnapshotByHash(processID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "no snapshot for this commit", map[string]any{"hash": hash})
	}
	return &snapshot, nil
}

// ExportRACI renders the responsibility matrix of one process.
func (s *Service) ExportRACI(ctx context.Context, sess *Session, orgID, processID string, format export.Format) (*export.Result, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	p, err := s.store.GetProcess(ctx, orgID, processID)
	if err != nil {
		return nil, err
	}
	steps, err := process.DecodeSteps(p.RawSteps)
	if err != nil {
		return nil, fmt.Errorf("decode stored steps for %s: %w", processID, err)
	}
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportRACI(format, p.Title, steps, departments)
}

// ── Role profiles and job descriptions ──

func (s *Service) RoleProfile(ctx context.Context, sess *Session, orgID, roleID string) (*profile.RoleProfile, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	prof, err := s.profiles.BuildRoleProfile(ctx, orgID, roleID)
	if errors.Is(err, profile.ErrRoleNotFound) {
		return nil, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "role not found in this organization", nil)
	}
	if errors.Is(err, profile.ErrRoleUnreferenced) {
		return nil, domainError(http.StatusUnprocessableEntity, "ROLE_UNREFERENCED", "no process references this role yet", nil)
	}
	if err != nil {
		return nil, err
	}
	return prof, nil
}

// entityNames resolves role and department ids to display names.
func entityNames(departments []process.Department, roleIDs, deptIDs []string) (roles, depts []string) {
	roleNames := make(map[string]string)
	deptNames := make(map[string]string)
	for _, dept := range departments {
		deptNames[dept.ID] = dept.Name
		for _, role := range dept.Roles {
			roleNames[role.ID] = role.Name
		}
	}
	for _, id := range roleIDs {
		if name, ok := roleNames[id]; ok {
			roles = append(roles, name)
		}
	}
	for _, id := range deptIDs {
		if name, ok := deptNames[id]; ok {
			depts = append(depts, name)
		}
	}
	return roles, depts
}

func jobDescriptionFallbackTitle(roleName string) string {
	return "Fiche de poste : " + roleName
}

// GenerateJobDescription builds the role's cross-process profile, prompts the
// LLM and persists the reconciled sections.
func (s *Service) GenerateJobDescription(ctx context.Context, sess *Session, orgID, roleID string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if s.llm == nil || !s.llm.Configured() {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_NOT_CONFIGURED", "no LLM backend is configured", nil)
	}
	if err := s.limiter.Allow(ctx, orgID); err != nil {
		if errors.Is(err, ratelimit.ErrBudgetExceeded) {
			return nil, domainError(http.StatusTooManyRequests, "BUDGET_EXCEEDED", "daily generation budget exhausted for this organization", nil)
		}
		return nil, err
	}

	prof, err := s.profiles.BuildRoleProfile(ctx, orgID, roleID)
	if errors.Is(err, profile.ErrRoleNotFound) {
		return nil, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "role not found in this organization", nil)
	}
	if errors.Is(err, profile.ErrRoleUnreferenced) {
		return nil, domainError(http.StatusUnprocessableEntity, "ROLE_UNREFERENCED", "no process references this role yet", nil)
	}
	if err != nil {
		return nil, err
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	departments, err := s.store.ListDepartments(ctx, orgID)
	if err != nil {
		return nil, err
	}
	directRoles, directDepts := entityNames(departments, prof.DirectRoles, prof.DirectDepartments)

	summaries := make([]string, 0, len(prof.Processes))
	for _, appearance := range prof.Processes {
		labels := make([]string, 0, len(appearance.Steps))
		for _, step := range appearance.Steps {
			labels = append(labels, step.Label)
		}
		summaries = append(summaries, fmt.Sprintf("%s : %s", appearance.ProcessName, strings.Join(labels, ", ")))
	}

	content, err := s.llm.Complete(ctx, jobdesc.BuildPrompt(jobdesc.PromptContext{
		RoleName:          prof.RoleName,
		DepartmentName:    prof.DepartmentName,
		OrganizationName:  org.Name,
		ProcessSummaries:  summaries,
		DirectRoles:       directRoles,
		DirectDepartments: directDepts,
	}))
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "LLM_FAILED", "the generation backend did not return a usable answer", map[string]any{"cause": err.Error()})
	}

	sections, err := jobdesc.EnsureSections(jobdesc.EnsureInput{
		Content:       content,
		FallbackTitle: jobDescriptionFallbackTitle(prof.RoleName),
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile sections: %w", err)
	}
	rawSections, err := json.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("marshal sections: %w", err)
	}

	if err := s.store.UpsertJobDescription(ctx, store.JobDescription{RoleID: roleID, Content: content, Sections: rawSections}); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"roleId":   roleID,
		"content":  content,
		"sections": sections,
	}
	if remaining, remErr := s.limiter.Remaining(ctx, orgID); remErr == nil {
		payload["remainingBudget"] = remaining
	}
	return payload, nil
}

// loadJobDescription reads the stored row and re-reconciles its sections.
func (s *Service) loadJobDescription(ctx context.Context, orgID, roleID string) (store.JobDescription, jobdesc.Sections, process.Role, process.Department, error) {
	role, dept, err := s.findRole(ctx, orgID, roleID)
	if err != nil {
		return store.JobDescription{}, jobdesc.Sections{}, process.Role{}, process.Department{}, err
	}

	jd, err := s.store.GetJobDescription(ctx, roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.JobDescription{}, jobdesc.Sections{}, process.Role{}, process.Department{},
			domainError(http.StatusNotFound, "JOB_DESCRIPTION_NOT_FOUND", "no job description generated for this role yet", nil)
	}
	if err != nil {
		return store.JobDescription{}, jobdesc.Sections{}, process.Role{}, process.Department{}, err
	}

	var storedSections *jobdesc.Sections
	if len(jd.Sections) > 0 {
		var parsed jobdesc.Sections
		if unmarshalErr := json.Unmarshal(jd.Sections, &parsed); unmarshalErr == nil {
			storedSections = &parsed
		}
	}
	sections, err := jobdesc.EnsureSections(jobdesc.EnsureInput{
		Content:       jd.Content,
		Sections:      storedSections,
		FallbackTitle: jobDescriptionFallbackTitle(role.Name),
	})
	if err != nil {
		return store.JobDescription{}, jobdesc.Sections{}, process.Role{}, process.Department{},
			fmt.Errorf("reconcile stored sections: %w", err)
	}
	return jd, sections, role, dept, nil
}

func (s *Service) GetJobDescription(ctx context.Context, sess *Session, orgID, roleID string) (map[string]any, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	jd, sections, _, _, err := s.loadJobDescription(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"roleId":    roleID,
		"content":   jd.Content,
		"sections":  sections,
		"updatedAt": jd.UpdatedAt,
	}, nil
}

func (s *Service) ExportJobDescription(ctx context.Context, sess *Session, orgID, roleID string, format export.Format) (*export.Result, error) {
	if _, err := s.requireRole(ctx, orgID, sess.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	_, sections, role, dept, err := s.loadJobDescription(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportJobDescription(format, sections, role.Name, dept.Name, org.Name)
}

// ── Search ──

func (s *Service) Search(ctx context.Context, sess *Session, q search.Query) (search.Response, error) {
	if _, err := s.requireRole(ctx, q.OrgID, sess.UserID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

// ── Onboarding ──

func (s *Service) GetOnboarding(ctx context.Context, sess *Session) (map[string]any, error) {
	state, err := s.store.GetOnboarding(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"completedSteps": state.CompletedSteps,
		"dismissed":      state.Dismissed,
	}, nil
}

func (s *Service) UpdateOnboarding(ctx context.Context, sess *Session, completedSteps []string, dismissed bool) (map[string]any, error) {
	if completedSteps == nil {
		completedSteps = []string{}
	}
	state := store.OnboardingState{
		UserID:         sess.UserID,
		CompletedSteps: completedSteps,
		Dismissed:      dismissed,
	}
	if err := s.store.UpsertOnboarding(ctx, state); err != nil {
		return nil, err
	}
	return map[string]any{
		"completedSteps": state.CompletedSteps,
		"dismissed":      state.Dismissed,
	}, nil
}
