package app

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procmap/api/internal/auth"
	"procmap/api/internal/export"
	"procmap/api/internal/ratelimit"
	"procmap/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return withMiddleware(http.HandlerFunc(s.handle), s.corsOrigin)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
		return
	}
	parts = parts[1:]
	ctx := r.Context()

	// Open routes.
	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	case len(parts) == 1 && parts[0] == "ready" && r.Method == http.MethodGet:
		if err := s.service.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unreachable", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	case len(parts) >= 2 && parts[0] == "auth":
		s.handleAuth(w, r, parts[1:])
		return
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "refresh" && r.Method == http.MethodPost:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		session, err := s.service.Refresh(ctx, body.RefreshToken)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"expiresAt":    session.ExpiresAt.UTC(),
		})
		return
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "logout" && r.Method == http.MethodPost:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.service.Logout(ctx, body.RefreshToken); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	// Everything below requires a bearer session.
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "session" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":    session.UserID,
			"name":      session.UserName,
			"expiresAt": session.ExpiresAt.UTC(),
		})
	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, session)
	case len(parts) == 1 && parts[0] == "orgs" && r.Method == http.MethodGet:
		items, err := s.service.ListOrgs(ctx, session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"organizations": items})
	case len(parts) == 1 && parts[0] == "orgs" && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateOrg(ctx, session, body.Name)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 2 && parts[0] == "invitations" && parts[1] == "accept" && r.Method == http.MethodPost:
		var body struct {
			Token string `json:"token"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.AcceptInvitation(ctx, session, body.Token)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "onboarding" && r.Method == http.MethodGet:
		payload, err := s.service.GetOnboarding(ctx, session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "onboarding" && r.Method == http.MethodPut:
		var body struct {
			CompletedSteps []string `json:"completedSteps"`
			Dismissed      bool     `json:"dismissed"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateOnboarding(ctx, session, body.CompletedSteps, body.Dismissed)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) >= 2 && parts[0] == "orgs":
		s.handleOrgScoped(w, r, session, parts[1], parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "auth routes are POST only", nil)
		return
	}
	ctx := r.Context()

	switch {
	case len(parts) == 1 && parts[0] == "signup":
		var body struct {
			Email       string `json:"email"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.SignUp(ctx, body.Email, body.Password, body.DisplayName)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 1 && parts[0] == "signin":
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.SignIn(ctx, body.Email, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "verify-email":
		var body struct {
			Token string `json:"token"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.service.VerifyEmail(ctx, body.Token); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
	case len(parts) == 2 && parts[0] == "reset-password" && parts[1] == "request":
		var body struct {
			Email string `json:"email"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.RequestPasswordReset(ctx, body.Email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "reset-password":
		var body struct {
			Token       string `json:"token"`
			NewPassword string `json:"newPassword"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.service.ResetPassword(ctx, body.Token, body.NewPassword); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown auth route", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session *Session) {
	query := r.URL.Query()
	orgID := query.Get("orgId")
	if orgID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orgId query parameter is required", nil)
		return
	}

	q := search.Query{
		Text:       query.Get("q"),
		FilterType: search.ResultType(query.Get("type")),
		OrgID:      orgID,
		Limit:      20,
	}
	switch q.FilterType {
	case "", search.ResultProcess, search.ResultRole, search.ResultDepartment:
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be process, role or department", nil)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer between 1 and 100", nil)
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be a non-negative integer", nil)
			return
		}
		q.Offset = offset
	}

	resp, err := s.service.Search(r.Context(), session, q)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOrgScoped dispatches /api/orgs/{org}/... routes. Membership and role
// checks happen in the service layer.
func (s *HTTPServer) handleOrgScoped(w http.ResponseWriter, r *http.Request, session *Session, orgID string, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetOrg(ctx, session, orgID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 1 && parts[0] == "invitations" && r.Method == http.MethodPost:
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.InviteMember(ctx, session, orgID, body.Email, body.Role)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(parts) == 1 && parts[0] == "departments" && r.Method == http.MethodGet:
		items, err := s.service.ListDepartments(ctx, session, orgID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"departments": items})
	case len(parts) == 1 && parts[0] == "departments" && r.Method == http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateDepartment(ctx, session, orgID, body.Name, body.Color)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 2 && parts[0] == "departments" && r.Method == http.MethodPut:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.service.UpdateDepartment(ctx, session, orgID, parts[1], body.Name, body.Color); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
	case len(parts) == 2 && parts[0] == "departments" && r.Method == http.MethodDelete:
		if err := s.service.DeleteDepartment(ctx, session, orgID, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	case len(parts) == 3 && parts[0] == "departments" && parts[2] == "roles" && r.Method == http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateRole(ctx, session, orgID, parts[1], body.Name, body.Color)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(parts) == 2 && parts[0] == "roles" && r.Method == http.MethodPut:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.service.UpdateRole(ctx, session, orgID, parts[1], body.Name, body.Color); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
	case len(parts) == 2 && parts[0] == "roles" && r.Method == http.MethodDelete:
		if err := s.service.DeleteRole(ctx, session, orgID, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	case len(parts) == 3 && parts[0] == "roles" && parts[2] == "profile" && r.Method == http.MethodGet:
		prof, err := s.service.RoleProfile(ctx, session, orgID, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prof)
	case len(parts) == 3 && parts[0] == "roles" && parts[2] == "job-description" && r.Method == http.MethodPost:
		payload, err := s.service.GenerateJobDescription(ctx, session, orgID, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 3 && parts[0] == "roles" && parts[2] == "job-description" && r.Method == http.MethodGet:
		payload, err := s.service.GetJobDescription(ctx, session, orgID, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 4 && parts[0] == "roles" && parts[2] == "job-description" && parts[3] == "export" && r.Method == http.MethodPost:
		format := exportFormat(r, export.FormatPDF)
		result, err := s.service.ExportJobDescription(ctx, session, orgID, parts[1], format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeDownload(w, result)

	case len(parts) == 1 && parts[0] == "processes" && r.Method == http.MethodGet:
		items, err := s.service.ListProcesses(ctx, session, orgID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"processes": items})
	case len(parts) == 1 && parts[0] == "processes" && r.Method == http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateProcess(ctx, session, orgID, body.Title)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 2 && parts[0] == "processes" && r.Method == http.MethodGet:
		payload, err := s.service.GetProcess(ctx, session, orgID, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[0] == "processes" && r.Method == http.MethodPut:
		var body struct {
			Title string          `json:"title"`
			Steps json.RawMessage `json:"steps"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		payload, err := s.service.SaveProcess(ctx, session, orgID, parts[1], body.Title, body.Steps)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[0] == "processes" && r.Method == http.MethodDelete:
		if err := s.service.DeleteProcess(ctx, session, orgID, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	case len(parts) == 3 && parts[0] == "processes" && parts[2] == "diagram" && r.Method == http.MethodGet:
		payload, err := s.service.ProcessDiagram(ctx, session, orgID, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 3 && parts[0] == "processes" && parts[2] == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 500 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer between 1 and 500", nil)
				return
			}
			limit = parsed
		}
		commits, err := s.service.ProcessHistory(ctx, session, orgID, parts[1], limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
	case len(parts) == 4 && parts[0] == "processes" && parts[2] == "history" && r.Method == http.MethodGet:
		snapshot, err := s.service.ProcessSnapshot(ctx, session, orgID, parts[1], parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case len(parts) == 3 && parts[0] == "processes" && parts[2] == "raci" && r.Method == http.MethodGet:
		format := exportFormat(r, export.FormatCSV)
		result, err := s.service.ExportRACI(ctx, session, orgID, parts[1], format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeDownload(w, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return nil, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeMappedError(w, err)
		return nil, false
	}
	return session, true
}

// ── Helpers ──

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func exportFormat(r *http.Request, fallback export.Format) export.Format {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if raw == "" {
		return fallback
	}
	return export.Format(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (int, string, string, any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "resource not found", nil
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "session expired", nil
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token", nil
	case errors.Is(err, ratelimit.ErrBudgetExceeded):
		return http.StatusTooManyRequests, "BUDGET_EXCEEDED", "daily generation budget exhausted", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "export tooling is not installed on this server", nil
	default:
		log.Printf("internal error: %v", err)
		return http.StatusInternalServerError, "INTERNAL", "internal server error", nil
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", nil)
		return false
	}
	return true
}

func writeDownload(w http.ResponseWriter, result *export.Result) {
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		log.Printf("write download: %v", err)
	}
}

// ── Middleware ──

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withMiddleware(next http.Handler, corsOrigin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		setCORSHeaders(w, corsOrigin)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		log.Printf(`{"request_id":%q,"method":%q,"path":%q,"status":%d,"duration_ms":%d}`,
			requestID, r.Method, r.URL.Path, recorder.status, time.Since(start).Milliseconds())
	})
}

func setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Cache-Control", "no-store")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
