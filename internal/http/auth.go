package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tauhid97k/school-management-api/internal/crypto"
	"github.com/tauhid97k/school-management-api/internal/model"
	"github.com/tauhid97k/school-management-api/internal/repository"
	"github.com/tauhid97k/school-management-api/internal/session"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	School   string `json:"school"`
}

type accessTokenResponse struct {
	Message     string `json:"message"`
	AccessToken string `json:"accessToken"`
}

// handleRegister creates a self-service account. Self-registration is
// admin-only; teachers and students are provisioned by an admin.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password_hash_failed")
		return
	}

	now := time.Now().UTC()
	principal := model.Principal{
		ID:           uuid.NewString(),
		Type:         model.PrincipalAdmin,
		Name:         req.Name,
		Email:        req.Email,
		School:       strings.TrimSpace(req.School),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	accessToken, err := s.tokens.AccessToken(principal.Email, string(principal.Type))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	refreshToken, expiresAt, err := s.tokens.RefreshToken(principal.Email, string(principal.Type))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	txCtx, cancel := s.txContext(r.Context())
	defer cancel()
	err = s.store.WithTx(txCtx, func(tx *repository.Store) error {
		if err := tx.CreatePrincipal(txCtx, principal); err != nil {
			return err
		}
		return tx.CreateRefreshSession(txCtx, session.NewRow(principal, refreshToken, expiresAt, deviceLabel(r)))
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			writeError(w, http.StatusBadRequest, "email_taken")
			return
		}
		s.logger.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// The verification code goes out after the account commit; a
	// failure here is recoverable via resend.
	if _, err := s.codes.Issue(r.Context(), principal, model.PurposeEmailVerify); err != nil {
		s.logger.Error().Err(err).Str("principal_id", principal.ID).Msg("verification code issue failed")
	}

	s.setRefreshCookie(w, refreshToken)
	writeJSON(w, http.StatusCreated, accessTokenResponse{
		Message:     "Registration successful. Please verify your email.",
		AccessToken: accessToken,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	ptype := model.PrincipalType(strings.TrimSpace(strings.ToLower(req.Role)))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	if !ptype.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(r.Context(), req.Email, ip) {
		writeError(w, http.StatusTooManyRequests, "too_many_attempts")
		return
	}

	principal, err := s.store.GetPrincipalByEmail(r.Context(), ptype, req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.limiter.RecordFailure(r.Context(), req.Email, ip)
			writeMessage(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := crypto.CheckPassword(principal.PasswordHash, req.Password); err != nil {
		s.limiter.RecordFailure(r.Context(), req.Email, ip)
		writeMessage(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if principal.IsSuspended {
		writeMessage(w, http.StatusForbidden, "Your account is suspended")
		return
	}
	s.limiter.Reset(r.Context(), req.Email, ip)

	accessToken, err := s.tokens.AccessToken(principal.Email, string(principal.Type))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	refreshToken, expiresAt, err := s.tokens.RefreshToken(principal.Email, string(principal.Type))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	if err := s.sessions.Record(r.Context(), principal, refreshToken, expiresAt, deviceLabel(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.setRefreshCookie(w, refreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{
		Message:     "Login successful",
		AccessToken: accessToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	oldToken := s.refreshCookie(r)
	if oldToken == "" {
		writeError(w, http.StatusUnauthorized, "missing_refresh_cookie")
		return
	}

	result, err := s.sessions.Rotate(r.Context(), oldToken)
	if err != nil {
		// Reuse detection must look identical to an ordinary failure.
		s.clearRefreshCookie(w)
		switch {
		case errors.Is(err, session.ErrSessionInvalid),
			errors.Is(err, session.ErrReuseDetected),
			errors.Is(err, session.ErrPrincipalSuspended):
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	s.setRefreshCookie(w, result.RefreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{
		Message:     "Token refreshed",
		AccessToken: result.AccessToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := s.refreshCookie(r); token != "" {
		if err := s.sessions.RevokeOne(r.Context(), token); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}
	s.clearRefreshCookie(w)
	writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	ptype := model.PrincipalType(claims.Role)
	if !ptype.Valid() {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	principal, err := s.store.GetPrincipalByEmail(r.Context(), ptype, claims.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	if err := s.sessions.RevokeAll(r.Context(), ptype, principal.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.clearRefreshCookie(w)
	writeMessage(w, http.StatusOK, "Logged out from all devices")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"email": claims.Email,
		"role":  claims.Role,
	})
}
