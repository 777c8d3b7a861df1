package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tauhid97k/school-management-api/internal/crypto"
	"github.com/tauhid97k/school-management-api/internal/model"
	"github.com/tauhid97k/school-management-api/internal/repository"
	"github.com/tauhid97k/school-management-api/internal/verification"
)

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principalFromClaims(w, r)
	if !ok {
		return
	}
	if principal.EmailVerifiedAt != nil {
		writeMessage(w, http.StatusOK, "Email already verified")
		return
	}
	// Issue supersedes any outstanding code for this purpose.
	if _, err := s.codes.Issue(r.Context(), principal, model.PurposeEmailVerify); err != nil {
		s.logger.Error().Err(err).Str("principal_id", principal.ID).Msg("verification code issue failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeMessage(w, http.StatusOK, "Verification code sent")
}

type verifyCodeRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principalFromClaims(w, r)
	if !ok {
		return
	}

	var req verifyCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	record, err := s.codes.Consume(r.Context(), req.Token, req.Code)
	if err != nil {
		if errors.Is(err, verification.ErrCodeInvalid) {
			// Soft failure: the UI polls this with a 200.
			writeMessage(w, http.StatusOK, "Invalid Code")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if record.Purpose != model.PurposeEmailVerify ||
		record.PrincipalType != principal.Type ||
		record.PrincipalID != principal.ID {
		writeMessage(w, http.StatusOK, "Invalid Code")
		return
	}

	txCtx, cancel := s.txContext(r.Context())
	defer cancel()
	err = s.store.WithTx(txCtx, func(tx *repository.Store) error {
		if err := tx.DeleteVerificationCode(txCtx, record.ID); err != nil {
			return err
		}
		return tx.SetEmailVerified(txCtx, principal.Type, principal.ID, time.Now().UTC())
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("email verification failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeMessage(w, http.StatusOK, "Email verified")
}

type passwordResetRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	ptype := model.PrincipalType(strings.TrimSpace(strings.ToLower(req.Role)))
	if req.Email == "" || !ptype.Valid() {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	// The response is identical whether or not the account exists.
	const sent = "A password reset code has been sent"
	principal, err := s.store.GetPrincipalByEmail(r.Context(), ptype, req.Email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error().Err(err).Msg("password reset lookup failed")
		}
		writeMessage(w, http.StatusOK, sent)
		return
	}
	if _, err := s.codes.Issue(r.Context(), principal, model.PurposePasswordReset); err != nil {
		s.logger.Error().Err(err).Str("principal_id", principal.ID).Msg("reset code issue failed")
	}
	writeMessage(w, http.StatusOK, sent)
}

type resetTokenResponse struct {
	Message    string `json:"message"`
	ResetToken string `json:"resetToken,omitempty"`
}

func (s *Server) handleVerifyResetCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	record, err := s.codes.Consume(r.Context(), req.Token, req.Code)
	if err != nil {
		if errors.Is(err, verification.ErrCodeInvalid) {
			writeMessage(w, http.StatusOK, "Invalid Code")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if record.Purpose != model.PurposePasswordReset {
		writeMessage(w, http.StatusOK, "Invalid Code")
		return
	}

	// Single-use: the matched code is gone before the token goes out.
	if err := s.store.DeleteVerificationCode(r.Context(), record.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resetToken, err := s.tokens.ResetToken(record.PrincipalID, string(record.PrincipalType))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	writeJSON(w, http.StatusOK, resetTokenResponse{
		Message:    "Code verified",
		ResetToken: resetToken,
	})
}

type updatePasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusForbidden, "missing_reset_token")
		return
	}
	claims, err := s.tokens.ParseReset(token)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid_reset_token")
		return
	}
	ptype := model.PrincipalType(claims.Role)
	if !ptype.Valid() || claims.PrincipalID == "" {
		writeError(w, http.StatusForbidden, "invalid_reset_token")
		return
	}

	var req updatePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}

	principal, err := s.store.GetPrincipalByID(r.Context(), ptype, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusForbidden, "invalid_reset_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password_hash_failed")
		return
	}

	// Every prior session and outstanding code dies with the old
	// password.
	txCtx, cancel := s.txContext(r.Context())
	defer cancel()
	err = s.store.WithTx(txCtx, func(tx *repository.Store) error {
		if err := tx.DeleteRefreshSessionsByPrincipal(txCtx, principal.Type, principal.ID); err != nil {
			return err
		}
		if err := tx.UpdatePasswordHash(txCtx, principal.Type, principal.ID, hash); err != nil {
			return err
		}
		return tx.DeleteVerificationCodesByPrincipal(txCtx, principal.Type, principal.ID)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("password update failed")
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeMessage(w, http.StatusOK, "Password updated")
}

// principalFromClaims resolves the authenticated principal's live row.
func (s *Server) principalFromClaims(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return model.Principal{}, false
	}
	ptype := model.PrincipalType(claims.Role)
	if !ptype.Valid() {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return model.Principal{}, false
	}
	principal, err := s.store.GetPrincipalByEmail(r.Context(), ptype, claims.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return model.Principal{}, false
	}
	return principal, true
}
