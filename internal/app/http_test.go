package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"procmap/api/internal/authpw"
	"procmap/api/internal/config"
	"procmap/api/internal/email"
	"procmap/api/internal/export"
	"procmap/api/internal/profile"
	"procmap/api/internal/store"
)

func newTestHandler(t *testing.T) (http.Handler, *fakeData) {
	t.Helper()
	fake := newFakeData()
	svc := &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
			AppBaseURL: "http://localhost:3000",
		},
		store:    fake,
		sessions: fake,
		history:  newFakeHistory(),
		profiles: profile.NewBuilder(fake),
		exporter: export.NewService(),
		authpw:   authpw.NewService(fake),
		email:    email.NewService(email.Config{}),
	}
	return NewHTTPServer(svc, "*").Handler(), fake
}

// doJSON performs one request and decodes the JSON body into a generic map.
func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// registerUser runs signup, dev-token verification and signin, returning the
// access and refresh tokens.
func registerUser(t *testing.T, handler http.Handler, emailAddr, name string) (token, refreshToken string) {
	t.Helper()

	status, body := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       emailAddr,
		"password":    "correct horse battery",
		"displayName": name,
	})
	if status != http.StatusCreated {
		t.Fatalf("signup status = %d, body %v", status, body)
	}
	verifyToken, _ := body["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatalf("signup without SMTP must surface a dev verification token, got %v", body)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verifyToken})
	if status != http.StatusOK {
		t.Fatalf("verify status = %d, body %v", status, body)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    emailAddr,
		"password": "correct horse battery",
	})
	if status != http.StatusOK {
		t.Fatalf("signin status = %d, body %v", status, body)
	}
	token, _ = body["token"].(string)
	refreshToken, _ = body["refreshToken"].(string)
	if token == "" || refreshToken == "" {
		t.Fatalf("signin response missing tokens: %v", body)
	}
	return token, refreshToken
}

func createOrg(t *testing.T, handler http.Handler, token, name string) string {
	t.Helper()
	status, body := doJSON(t, handler, http.MethodPost, "/api/orgs", token, map[string]any{"name": name})
	if status != http.StatusCreated {
		t.Fatalf("create org status = %d, body %v", status, body)
	}
	orgID, _ := body["id"].(string)
	if orgID == "" {
		t.Fatalf("create org response missing id: %v", body)
	}
	return orgID
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	status, body := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", status, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler, _ := newTestHandler(t)
	status, body := doJSON(t, handler, http.MethodGet, "/api/nope", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d", status)
	}
	if code := errorCode(t, body); code != "NOT_FOUND" {
		t.Errorf("code = %q", code)
	}
}

func TestSessionRequiresBearer(t *testing.T) {
	handler, _ := newTestHandler(t)

	status, body := doJSON(t, handler, http.MethodGet, "/api/session", "", nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != "UNAUTHORIZED" {
		t.Errorf("no token = %d %v", status, body)
	}

	status, body = doJSON(t, handler, http.MethodGet, "/api/session", "garbage", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("bad token = %d %v", status, body)
	}
}

func TestSignupVerifySignin(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")

	status, body := doJSON(t, handler, http.MethodGet, "/api/session", token, nil)
	if status != http.StatusOK {
		t.Fatalf("session status = %d, body %v", status, body)
	}
	if body["name"] != "Marie" {
		t.Errorf("session name = %v", body["name"])
	}

	// A second signup on the same email conflicts.
	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "MARIE@example.com",
		"password":    "another password",
		"displayName": "Imposter",
	})
	if status != http.StatusConflict || errorCode(t, body) != "EMAIL_EXISTS" {
		t.Errorf("duplicate signup = %d %v", status, body)
	}
}

func TestSignInUnverified(t *testing.T) {
	handler, _ := newTestHandler(t)

	status, _ := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "paul@example.com",
		"password":    "long enough pass",
		"displayName": "Paul",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup status = %d", status)
	}

	status, body := doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "paul@example.com",
		"password": "long enough pass",
	})
	if status != http.StatusForbidden || errorCode(t, body) != "EMAIL_NOT_VERIFIED" {
		t.Errorf("unverified signin = %d %v", status, body)
	}
}

func TestRefreshRotation(t *testing.T) {
	handler, _ := newTestHandler(t)
	_, refreshToken := registerUser(t, handler, "marie@example.com", "Marie")

	status, body := doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d, body %v", status, body)
	}
	rotated, _ := body["refreshToken"].(string)
	if rotated == "" || rotated == refreshToken {
		t.Fatalf("refresh must rotate the token, got %q", rotated)
	}

	// The consumed token is gone.
	status, body = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if status != http.StatusUnauthorized || errorCode(t, body) != "INVALID_REFRESH_TOKEN" {
		t.Errorf("reused token = %d %v", status, body)
	}

	// The rotated one still works, and logout revokes it.
	status, _ = doJSON(t, handler, http.MethodPost, "/api/session/logout", "", map[string]any{"refreshToken": rotated})
	if status != http.StatusOK {
		t.Fatalf("logout status = %d", status)
	}
	status, _ = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": rotated})
	if status != http.StatusUnauthorized {
		t.Errorf("refresh after logout = %d", status)
	}
}

func TestOrgAndProcessFlow(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, token, "Acme SARL")
	base := "/api/orgs/" + orgID

	status, body := doJSON(t, handler, http.MethodGet, "/api/orgs", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list orgs = %d %v", status, body)
	}
	if orgs, _ := body["organizations"].([]any); len(orgs) != 1 {
		t.Errorf("organizations = %v", body["organizations"])
	}

	status, body = doJSON(t, handler, http.MethodGet, base, token, nil)
	if status != http.StatusOK || body["role"] != "owner" {
		t.Errorf("get org = %d %v", status, body)
	}

	// Seed a department with one role.
	status, body = doJSON(t, handler, http.MethodPost, base+"/departments", token, map[string]any{"name": "Comptabilité", "color": "#16a34a"})
	if status != http.StatusCreated {
		t.Fatalf("create department = %d %v", status, body)
	}
	deptID, _ := body["id"].(string)

	status, body = doJSON(t, handler, http.MethodPost, base+"/departments/"+deptID+"/roles", token, map[string]any{"name": "Comptable"})
	if status != http.StatusCreated {
		t.Fatalf("create role = %d %v", status, body)
	}

	// Create a process and save a step graph with drafts.
	status, body = doJSON(t, handler, http.MethodPost, base+"/processes", token, map[string]any{"title": "Commande client"})
	if status != http.StatusCreated {
		t.Fatalf("create process = %d %v", status, body)
	}
	processID, _ := body["id"].(string)

	steps := []map[string]any{
		{"id": "s1", "type": "start", "label": "Début", "yesTargetId": "s2"},
		{"id": "s2", "type": "action", "label": "Saisir la commande", "draftDepartmentName": "Ventes", "draftRoleName": "Commercial", "yesTargetId": "s3"},
		{"id": "s3", "type": "finish", "label": "Fin"},
	}
	status, body = doJSON(t, handler, http.MethodPut, base+"/processes/"+processID, token, map[string]any{
		"title": "Commande client",
		"steps": steps,
	})
	if status != http.StatusOK {
		t.Fatalf("save process = %d %v", status, body)
	}
	if body["changed"] != true {
		t.Errorf("first save must report changed, got %v", body["changed"])
	}
	departments, _ := body["departments"].([]any)
	if len(departments) != 2 {
		t.Fatalf("departments after draft merge = %d, want base + Ventes", len(departments))
	}
	foundVentes := false
	for _, raw := range departments {
		dept, _ := raw.(map[string]any)
		if dept["name"] == "Ventes" {
			foundVentes = true
			if roles, _ := dept["roles"].([]any); len(roles) != 1 {
				t.Errorf("Ventes roles = %v", dept["roles"])
			}
		}
	}
	if !foundVentes {
		t.Error("draft department Ventes was not materialized")
	}

	// An identical resave is a no-op for history.
	status, body = doJSON(t, handler, http.MethodPut, base+"/processes/"+processID, token, map[string]any{
		"title": "Commande client",
		"steps": steps,
	})
	if status != http.StatusOK {
		t.Fatalf("resave = %d %v", status, body)
	}
	if body["changed"] != false {
		t.Errorf("identical resave must not report changed, got %v", body["changed"])
	}

	status, body = doJSON(t, handler, http.MethodGet, base+"/processes", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list processes = %d", status)
	}
	items, _ := body["processes"].([]any)
	if len(items) != 1 {
		t.Fatalf("processes = %v", body["processes"])
	}
	if item, _ := items[0].(map[string]any); item["stepCount"] != float64(3) {
		t.Errorf("stepCount = %v", items[0])
	}

	// Create + one real change.
	status, body = doJSON(t, handler, http.MethodGet, base+"/processes/"+processID+"/history", token, nil)
	if status != http.StatusOK {
		t.Fatalf("history = %d %v", status, body)
	}
	if commits, _ := body["commits"].([]any); len(commits) != 2 {
		t.Errorf("commit count = %d, want 2", len(commits))
	}

	status, body = doJSON(t, handler, http.MethodGet, base+"/processes/"+processID+"/diagram", token, nil)
	if status != http.StatusOK {
		t.Fatalf("diagram = %d %v", status, body)
	}
	mermaid, _ := body["mermaid"].(string)
	if !strings.Contains(mermaid, "flowchart TD") ||
		!strings.Contains(mermaid, `s1(["Début"])`) ||
		!strings.Contains(mermaid, "s1 --> s2") {
		t.Errorf("mermaid output:\n%s", mermaid)
	}

	req := httptest.NewRequest(http.MethodGet, base+"/processes/"+processID+"/raci?format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("raci export = %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("raci content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("raci disposition = %q", cd)
	}

	status, _ = doJSON(t, handler, http.MethodDelete, base+"/processes/"+processID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete process = %d", status)
	}
	status, _ = doJSON(t, handler, http.MethodGet, base+"/processes/"+processID, token, nil)
	if status != http.StatusNotFound {
		t.Errorf("deleted process fetch = %d", status)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	handler, fake := newTestHandler(t)
	ownerToken, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, ownerToken, "Acme SARL")

	viewerToken, _ := registerUser(t, handler, "paul@example.com", "Paul")
	viewer, err := fake.GetUserByEmail(context.Background(), "paul@example.com")
	if err != nil {
		t.Fatalf("lookup viewer: %v", err)
	}
	if err := fake.UpsertMembership(context.Background(), store.Membership{OrgID: orgID, UserID: viewer.ID, Role: "viewer"}); err != nil {
		t.Fatalf("seed membership: %v", err)
	}

	base := "/api/orgs/" + orgID
	status, body := doJSON(t, handler, http.MethodGet, base+"/departments", viewerToken, nil)
	if status != http.StatusOK {
		t.Fatalf("viewer read = %d %v", status, body)
	}

	status, body = doJSON(t, handler, http.MethodPost, base+"/departments", viewerToken, map[string]any{"name": "Ventes"})
	if status != http.StatusForbidden || errorCode(t, body) != "FORBIDDEN" {
		t.Errorf("viewer write = %d %v", status, body)
	}

	// A non-member sees neither.
	strangerToken, _ := registerUser(t, handler, "eve@example.com", "Eve")
	status, body = doJSON(t, handler, http.MethodGet, base+"/departments", strangerToken, nil)
	if status != http.StatusForbidden || errorCode(t, body) != "NOT_A_MEMBER" {
		t.Errorf("stranger read = %d %v", status, body)
	}
}

func TestInvitationFlow(t *testing.T) {
	handler, _ := newTestHandler(t)
	ownerToken, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, ownerToken, "Acme SARL")

	status, body := doJSON(t, handler, http.MethodPost, "/api/orgs/"+orgID+"/invitations", ownerToken, map[string]any{
		"email": "paul@example.com",
		"role":  "member",
	})
	if status != http.StatusCreated {
		t.Fatalf("invite = %d %v", status, body)
	}
	inviteToken, _ := body["devInvitationToken"].(string)
	if inviteToken == "" {
		t.Fatalf("invite without SMTP must surface a dev token, got %v", body)
	}

	// The wrong account cannot consume it.
	eveToken, _ := registerUser(t, handler, "eve@example.com", "Eve")
	status, body = doJSON(t, handler, http.MethodPost, "/api/invitations/accept", eveToken, map[string]any{"token": inviteToken})
	if status != http.StatusForbidden || errorCode(t, body) != "INVITATION_EMAIL_MISMATCH" {
		t.Errorf("mismatched accept = %d %v", status, body)
	}

	paulToken, _ := registerUser(t, handler, "paul@example.com", "Paul")
	status, body = doJSON(t, handler, http.MethodPost, "/api/invitations/accept", paulToken, map[string]any{"token": inviteToken})
	if status != http.StatusOK {
		t.Fatalf("accept = %d %v", status, body)
	}
	if body["role"] != "member" || body["orgName"] != "Acme SARL" {
		t.Errorf("accept payload = %v", body)
	}

	// Single use.
	status, body = doJSON(t, handler, http.MethodPost, "/api/invitations/accept", paulToken, map[string]any{"token": inviteToken})
	if status != http.StatusNotFound || errorCode(t, body) != "INVITATION_INVALID" {
		t.Errorf("replayed accept = %d %v", status, body)
	}

	status, _ = doJSON(t, handler, http.MethodGet, "/api/orgs/"+orgID, paulToken, nil)
	if status != http.StatusOK {
		t.Errorf("member org read = %d", status)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/orgs/"+orgID+"/invitations", ownerToken, map[string]any{
		"email": "x@example.com",
		"role":  "owner",
	})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "VALIDATION_ERROR" {
		t.Errorf("owner invitation must be rejected = %d %v", status, body)
	}
}

func TestInvalidColorRejected(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, token, "Acme SARL")

	status, body := doJSON(t, handler, http.MethodPost, "/api/orgs/"+orgID+"/departments", token, map[string]any{
		"name":  "Ventes",
		"color": "blue",
	})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "INVALID_COLOR" {
		t.Errorf("bad color = %d %v", status, body)
	}
}

func TestJobDescriptionWithoutLLM(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, token, "Acme SARL")

	roleID := "11111111-2222-3333-4444-555555555555"
	status, body := doJSON(t, handler, http.MethodPost,
		fmt.Sprintf("/api/orgs/%s/roles/%s/job-description", orgID, roleID), token, map[string]any{})
	if status != http.StatusServiceUnavailable || errorCode(t, body) != "LLM_NOT_CONFIGURED" {
		t.Errorf("generation without backend = %d %v", status, body)
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")
	orgID := createOrg(t, handler, token, "Acme SARL")

	status, body := doJSON(t, handler, http.MethodGet, "/api/search?orgId="+orgID+"&q=commande", token, nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d %v", status, body)
	}
	if results, ok := body["results"].([]any); !ok || len(results) != 0 {
		t.Errorf("results = %v", body["results"])
	}

	status, body = doJSON(t, handler, http.MethodGet, "/api/search?q=commande", token, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("search without orgId = %d %v", status, body)
	}
}

func TestOnboardingRoundtrip(t *testing.T) {
	handler, _ := newTestHandler(t)
	token, _ := registerUser(t, handler, "marie@example.com", "Marie")

	status, body := doJSON(t, handler, http.MethodGet, "/api/onboarding", token, nil)
	if status != http.StatusOK {
		t.Fatalf("get onboarding = %d %v", status, body)
	}
	if steps, ok := body["completedSteps"].([]any); !ok || len(steps) != 0 {
		t.Errorf("fresh state = %v", body)
	}

	status, _ = doJSON(t, handler, http.MethodPut, "/api/onboarding", token, map[string]any{
		"completedSteps": []string{"create-org", "first-process"},
		"dismissed":      true,
	})
	if status != http.StatusOK {
		t.Fatalf("put onboarding = %d", status)
	}

	status, body = doJSON(t, handler, http.MethodGet, "/api/onboarding", token, nil)
	if status != http.StatusOK {
		t.Fatalf("get onboarding = %d", status)
	}
	if steps, _ := body["completedSteps"].([]any); len(steps) != 2 || body["dismissed"] != true {
		t.Errorf("saved state = %v", body)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	handler, _ := newTestHandler(t)
	registerUser(t, handler, "marie@example.com", "Marie")

	status, body := doJSON(t, handler, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": "marie@example.com"})
	if status != http.StatusOK {
		t.Fatalf("request reset = %d %v", status, body)
	}
	resetToken, _ := body["devResetToken"].(string)
	if resetToken == "" {
		t.Fatalf("reset without SMTP must surface a dev token, got %v", body)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/reset-password", "", map[string]any{
		"token":       resetToken,
		"newPassword": "a brand new password",
	})
	if status != http.StatusOK {
		t.Fatalf("reset = %d %v", status, body)
	}

	status, _ = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "marie@example.com",
		"password": "a brand new password",
	})
	if status != http.StatusOK {
		t.Errorf("signin with new password = %d", status)
	}

	// Unknown emails get the same neutral answer, without a token.
	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": "ghost@example.com"})
	if status != http.StatusOK {
		t.Fatalf("request for unknown email = %d", status)
	}
	if _, ok := body["devResetToken"]; ok {
		t.Error("unknown email must not yield a reset token")
	}
}
