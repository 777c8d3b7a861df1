package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tauhid97k/school-management-api/internal/db"
	"github.com/tauhid97k/school-management-api/internal/mail"
	"github.com/tauhid97k/school-management-api/internal/model"
	"github.com/tauhid97k/school-management-api/internal/repository"
	"github.com/tauhid97k/school-management-api/internal/session"
	"github.com/tauhid97k/school-management-api/internal/verification"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("AUTH_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("AUTH_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(context.Background(), string(migration)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return pool
}

type testApp struct {
	server *httptest.Server
	store  *repository.Store
	pool   *pgxpool.Pool
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	pool := openTestDB(t)
	if pool == nil {
		return nil
	}
	t.Cleanup(pool.Close)

	cfg := testConfig()
	tokens := testTokens()
	store := repository.NewStore(pool)
	sessions := session.NewManager(store, tokens, zerolog.Nop())
	codes := verification.NewIssuer(store, mail.NewNopMailer(zerolog.Nop()), 24*time.Hour, zerolog.Nop())
	server := NewServer(cfg, store, tokens, sessions, codes, nil, zerolog.Nop())

	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return &testApp{server: app, store: store, pool: pool}
}

type testReq struct {
	method string
	path   string
	token  string
	cookie string
	body   interface{}
}

func (a *testApp) do(t *testing.T, req testReq) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if req.body != nil {
		if err := json.NewEncoder(&buf).Encode(req.body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	httpReq, err := http.NewRequest(req.method, a.server.URL+req.path, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.cookie != "" {
		httpReq.AddCookie(&http.Cookie{Name: "express_jwt", Value: req.cookie})
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	out := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return out
}

func refreshCookieValue(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "express_jwt" {
			return cookie.Value
		}
	}
	return ""
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s.%d@example.local", prefix, time.Now().UnixNano())
}

func (a *testApp) register(t *testing.T, email string) (accessToken, refreshToken string) {
	t.Helper()
	resp := a.do(t, testReq{method: http.MethodPost, path: "/auth/register", body: map[string]string{
		"name":     "Test Admin",
		"email":    email,
		"password": "Secret123!",
		"school":   "Test School",
	}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["accessToken"] == "" {
		t.Fatalf("expected access token in body")
	}
	cookie := refreshCookieValue(resp)
	if cookie == "" {
		t.Fatalf("expected refresh cookie")
	}
	return body["accessToken"], cookie
}

func (a *testApp) adminID(t *testing.T, email string) string {
	t.Helper()
	principal, err := a.store.GetPrincipalByEmail(context.Background(), model.PrincipalAdmin, email)
	if err != nil {
		t.Fatalf("admin lookup error: %v", err)
	}
	return principal.ID
}

func (a *testApp) sessionCount(t *testing.T, principalID string) int {
	t.Helper()
	count, err := a.store.CountRefreshSessionsByPrincipal(context.Background(), model.PrincipalAdmin, principalID)
	if err != nil {
		t.Fatalf("session count error: %v", err)
	}
	return count
}

func (a *testApp) verificationCode(t *testing.T, principalID string, purpose model.CodePurpose) (token, code string, expiresAt time.Time) {
	t.Helper()
	row := a.pool.QueryRow(context.Background(), `
		SELECT token, code, expires_at FROM verification_codes
		WHERE principal_type = 'admin' AND principal_id = $1 AND purpose = $2
	`, principalID, purpose)
	if err := row.Scan(&token, &code, &expiresAt); err != nil {
		t.Fatalf("verification code lookup error: %v", err)
	}
	return token, code, expiresAt
}

func TestRegisterIssuesTokensAndVerificationCode(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("register")
	accessToken, refreshToken := app.register(t, email)

	tokens := testTokens()
	claims, err := tokens.ParseAccess(accessToken)
	if err != nil {
		t.Fatalf("access token parse error: %v", err)
	}
	if claims.Role != "admin" || claims.Email != email {
		t.Fatalf("unexpected claims %+v", claims)
	}

	// Stored session expiry must equal the refresh token's embedded
	// expiry in epoch seconds.
	refreshClaims, err := tokens.ParseRefresh(refreshToken)
	if err != nil {
		t.Fatalf("refresh token parse error: %v", err)
	}
	adminID := app.adminID(t, email)
	var storedExpiry int64
	err = app.pool.QueryRow(context.Background(), `
		SELECT expires_at FROM refresh_sessions WHERE principal_id = $1
	`, adminID).Scan(&storedExpiry)
	if err != nil {
		t.Fatalf("session lookup error: %v", err)
	}
	if storedExpiry != refreshClaims.ExpiresAt.Unix() {
		t.Fatalf("stored expiry %d != embedded expiry %d", storedExpiry, refreshClaims.ExpiresAt.Unix())
	}

	_, code, expiresAt := app.verificationCode(t, adminID, model.PurposeEmailVerify)
	if len(code) != 8 {
		t.Fatalf("expected 8-digit code, got %q", code)
	}
	want := time.Now().UTC().Add(24 * time.Hour)
	if diff := expiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expected ~24h code expiry, got %s", expiresAt)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("login")
	app.register(t, email)
	adminID := app.adminID(t, email)
	before := app.sessionCount(t, adminID)

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    email,
		"password": "WrongPass1!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "Invalid email or password" {
		t.Fatalf("expected generic message, got %q", body["message"])
	}
	if app.sessionCount(t, adminID) != before {
		t.Fatalf("expected no session row on failed login")
	}

	// Unknown email gets the same message.
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    uniqueEmail("ghost"),
		"password": "Secret123!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "Invalid email or password" {
		t.Fatalf("expected generic message, got %q", body["message"])
	}
}

func TestLoginRejectsSuspendedAccount(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("suspended")
	app.register(t, email)
	adminID := app.adminID(t, email)
	if _, err := app.pool.Exec(context.Background(), `
		UPDATE admins SET is_suspended = TRUE WHERE id = $1
	`, adminID); err != nil {
		t.Fatalf("suspend error: %v", err)
	}
	before := app.sessionCount(t, adminID)

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    email,
		"password": "Secret123!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if app.sessionCount(t, adminID) != before {
		t.Fatalf("expected no tokens issued for suspended account")
	}
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("refresh")
	_, refreshToken := app.register(t, email)
	adminID := app.adminID(t, email)

	resp := app.do(t, testReq{method: http.MethodGet, path: "/auth/refresh", cookie: refreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rotated := refreshCookieValue(resp)
	if rotated == "" || rotated == refreshToken {
		t.Fatalf("expected a rotated refresh cookie")
	}
	if body := decodeBody(t, resp); body["accessToken"] == "" {
		t.Fatalf("expected new access token")
	}
	if app.sessionCount(t, adminID) != 1 {
		t.Fatalf("expected rotation to reuse the session slot")
	}

	// Replaying the original token is a reuse signal: Forbidden, and
	// every session for the principal is revoked.
	resp = app.do(t, testReq{method: http.MethodGet, path: "/auth/refresh", cookie: refreshToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on replay, got %d", resp.StatusCode)
	}
	if app.sessionCount(t, adminID) != 0 {
		t.Fatalf("expected zero sessions after reuse detection")
	}

	// The rotated token died with the rest.
	resp = app.do(t, testReq{method: http.MethodGet, path: "/auth/refresh", cookie: rotated})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for revoked token, got %d", resp.StatusCode)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}
	resp := app.do(t, testReq{method: http.MethodGet, path: "/auth/refresh"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", resp.StatusCode)
	}
}

func TestLogoutAllRemovesEverySession(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("logoutall")
	accessToken, _ := app.register(t, email)
	adminID := app.adminID(t, email)

	for i := 0; i < 2; i++ {
		resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
			"email":    email,
			"password": "Secret123!",
			"role":     "admin",
		}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 login, got %d", resp.StatusCode)
		}
	}
	if count := app.sessionCount(t, adminID); count != 3 {
		t.Fatalf("expected 3 sessions, got %d", count)
	}

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/logout-all", token: accessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if count := app.sessionCount(t, adminID); count != 0 {
		t.Fatalf("expected 0 sessions after logout-all, got %d", count)
	}
}

func TestLogoutRemovesSingleSession(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("logout")
	accessToken, refreshToken := app.register(t, email)
	adminID := app.adminID(t, email)

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    email,
		"password": "Secret123!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 login, got %d", resp.StatusCode)
	}
	if count := app.sessionCount(t, adminID); count != 2 {
		t.Fatalf("expected 2 sessions, got %d", count)
	}

	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/logout", token: accessToken, cookie: refreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if count := app.sessionCount(t, adminID); count != 1 {
		t.Fatalf("expected 1 session after logout, got %d", count)
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("verify")
	accessToken, _ := app.register(t, email)
	adminID := app.adminID(t, email)
	token, code, _ := app.verificationCode(t, adminID, model.PurposeEmailVerify)

	// Wrong code is a soft failure.
	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-email", token: accessToken, body: map[string]string{
		"token": token,
		"code":  "00000000",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "Invalid Code" {
		t.Fatalf("expected soft failure, got %q", body["message"])
	}

	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-email", token: accessToken, body: map[string]string{
		"token": token,
		"code":  code,
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "Email verified" {
		t.Fatalf("expected verification, got %q", body["message"])
	}

	var verifiedAt *time.Time
	if err := app.pool.QueryRow(context.Background(), `
		SELECT email_verified_at FROM admins WHERE id = $1
	`, adminID).Scan(&verifiedAt); err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if verifiedAt == nil {
		t.Fatalf("expected email_verified_at to be set")
	}

	// Single-use: the same pair must not verify twice.
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-email", token: accessToken, body: map[string]string{
		"token": token,
		"code":  code,
	}})
	if body := decodeBody(t, resp); body["message"] != "Invalid Code" {
		t.Fatalf("expected replay rejection, got %q", body["message"])
	}

	// Resend after verification is a no-op success.
	resp = app.do(t, testReq{method: http.MethodGet, path: "/auth/resend-verification", token: accessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "Email already verified" {
		t.Fatalf("expected no-op message, got %q", body["message"])
	}
}

func TestResendVerificationSupersedesCode(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("resend")
	accessToken, _ := app.register(t, email)
	adminID := app.adminID(t, email)
	oldToken, oldCode, _ := app.verificationCode(t, adminID, model.PurposeEmailVerify)

	resp := app.do(t, testReq{method: http.MethodGet, path: "/auth/resend-verification", token: accessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	newToken, newCode, _ := app.verificationCode(t, adminID, model.PurposeEmailVerify)
	if newToken == oldToken {
		t.Fatalf("expected a fresh code row")
	}

	// The superseded pair no longer verifies.
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-email", token: accessToken, body: map[string]string{
		"token": oldToken,
		"code":  oldCode,
	}})
	if body := decodeBody(t, resp); body["message"] != "Invalid Code" {
		t.Fatalf("expected superseded code rejection, got %q", body["message"])
	}

	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-email", token: accessToken, body: map[string]string{
		"token": newToken,
		"code":  newCode,
	}})
	if body := decodeBody(t, resp); body["message"] != "Email verified" {
		t.Fatalf("expected fresh code to verify, got %q", body["message"])
	}
}

func TestPasswordResetFlow(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("reset")
	_, refreshToken := app.register(t, email)
	adminID := app.adminID(t, email)

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/password-reset", body: map[string]string{
		"email": email,
		"role":  "admin",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	token, code, _ := app.verificationCode(t, adminID, model.PurposePasswordReset)

	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-reset-code", body: map[string]string{
		"token": token,
		"code":  code,
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	resetToken := body["resetToken"]
	if resetToken == "" {
		t.Fatalf("expected reset token, got %+v", body)
	}

	// The matched code is single-use.
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/verify-reset-code", body: map[string]string{
		"token": token,
		"code":  code,
	}})
	if body := decodeBody(t, resp); body["message"] != "Invalid Code" {
		t.Fatalf("expected replay rejection, got %q", body["message"])
	}

	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/update-password", token: resetToken, body: map[string]string{
		"password": "NewSecret123!",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Password update revoked every prior session.
	if count := app.sessionCount(t, adminID); count != 0 {
		t.Fatalf("expected 0 sessions after password update, got %d", count)
	}
	resp = app.do(t, testReq{method: http.MethodGet, path: "/auth/refresh", cookie: refreshToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected old cookie to fail, got %d", resp.StatusCode)
	}

	// Old password is gone, new one works.
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    email,
		"password": "Secret123!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected old password rejection, got %d", resp.StatusCode)
	}
	resp = app.do(t, testReq{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"email":    email,
		"password": "NewSecret123!",
		"role":     "admin",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected new password login, got %d", resp.StatusCode)
	}
}

func TestPasswordResetUnknownEmailIsGeneric(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}
	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/password-reset", body: map[string]string{
		"email": uniqueEmail("nobody"),
		"role":  "admin",
	}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unknown email, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["message"] != "A password reset code has been sent" {
		t.Fatalf("expected generic message, got %q", body["message"])
	}
}

func TestDuplicateRegistration(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("dup")
	app.register(t, email)

	resp := app.do(t, testReq{method: http.MethodPost, path: "/auth/register", body: map[string]string{
		"name":     "Test Admin",
		"email":    email,
		"password": "Secret123!",
		"school":   "Test School",
	}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate email, got %d", resp.StatusCode)
	}
}

func TestMeReturnsClaims(t *testing.T) {
	app := newTestApp(t)
	if app == nil {
		return
	}

	email := uniqueEmail("me")
	accessToken, _ := app.register(t, email)

	resp := app.do(t, testReq{method: http.MethodGet, path: "/auth/me", token: accessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["email"] != email || body["role"] != "admin" {
		t.Fatalf("unexpected claims %+v", body)
	}
}
