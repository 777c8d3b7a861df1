// Package session owns the refresh-session rows: one row per login
// device, rotated in place on every refresh, deleted on logout and on
// reuse detection.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tauhid97k/school-management-api/internal/auth"
	"github.com/tauhid97k/school-management-api/internal/crypto"
	"github.com/tauhid97k/school-management-api/internal/model"
)

// Store is the slice of the repository the manager needs. Implemented
// by repository.Store.
type Store interface {
	CreateRefreshSession(ctx context.Context, session model.RefreshSession) error
	GetRefreshSessionByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	RotateRefreshSession(ctx context.Context, id, oldHash, newHash string, expiresAt int64) (bool, error)
	DeleteRefreshSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteRefreshSessionsByPrincipal(ctx context.Context, ptype model.PrincipalType, principalID string) error
	GetPrincipalByEmail(ctx context.Context, ptype model.PrincipalType, email string) (model.Principal, error)
}

type Manager struct {
	store  Store
	tokens *auth.Service
	logger zerolog.Logger
}

func NewManager(store Store, tokens *auth.Service, logger zerolog.Logger) *Manager {
	return &Manager{store: store, tokens: tokens, logger: logger}
}

// NewRow builds a session row for a fresh login or registration. The
// device label is advisory audit data, never an authorization input.
func NewRow(principal model.Principal, refreshToken string, expiresAt int64, deviceLabel string) model.RefreshSession {
	now := time.Now().UTC()
	return model.RefreshSession{
		ID:            uuid.NewString(),
		PrincipalID:   principal.ID,
		PrincipalType: principal.Type,
		TokenHash:     crypto.HashToken(refreshToken),
		ExpiresAt:     expiresAt,
		DeviceLabel:   deviceLabel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Record persists one session row.
func (m *Manager) Record(ctx context.Context, principal model.Principal, refreshToken string, expiresAt int64, deviceLabel string) error {
	return m.store.CreateRefreshSession(ctx, NewRow(principal, refreshToken, expiresAt, deviceLabel))
}

type RotateResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Rotate exchanges a refresh token for a new access/refresh pair,
// updating the session row in place. A token that verifies but matches
// no stored row is treated as a replay of a rotated-out value: every
// session of the claimed identity is revoked before failing.
func (m *Manager) Rotate(ctx context.Context, oldToken string) (RotateResult, error) {
	oldHash := crypto.HashToken(oldToken)

	stored, err := m.store.GetRefreshSessionByTokenHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RotateResult{}, m.handleReuse(ctx, oldToken)
		}
		return RotateResult{}, err
	}

	claims, err := m.tokens.ParseRefresh(oldToken)
	if err != nil {
		return RotateResult{}, ErrSessionInvalid
	}
	if time.Now().UTC().Unix() >= stored.ExpiresAt {
		return RotateResult{}, ErrSessionInvalid
	}

	// Re-fetch the live record so role and suspension changes since
	// issuance take effect.
	principal, err := m.store.GetPrincipalByEmail(ctx, stored.PrincipalType, claims.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RotateResult{}, ErrSessionInvalid
		}
		return RotateResult{}, err
	}
	if principal.IsSuspended {
		return RotateResult{}, ErrPrincipalSuspended
	}

	accessToken, err := m.tokens.RotatedAccessToken(principal.Email, string(principal.Type))
	if err != nil {
		return RotateResult{}, err
	}
	refreshToken, expiresAt, err := m.tokens.RefreshToken(principal.Email, string(principal.Type))
	if err != nil {
		return RotateResult{}, err
	}

	claimed, err := m.store.RotateRefreshSession(ctx, stored.ID, oldHash, crypto.HashToken(refreshToken), expiresAt)
	if err != nil {
		return RotateResult{}, err
	}
	if !claimed {
		// A concurrent rotation won the row; this call is replaying a
		// now-stale token.
		return RotateResult{}, m.handleReuse(ctx, oldToken)
	}

	return RotateResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// handleReuse verifies the presented token despite the missing row. If
// the signature holds, the token once belonged to a live session and
// was captured before rotation; revoke everything the claimed identity
// holds. If it does not verify there is nothing to target.
func (m *Manager) handleReuse(ctx context.Context, token string) error {
	claims, err := m.tokens.ParseRefresh(token)
	if err != nil {
		return ErrSessionInvalid
	}

	ptype := model.PrincipalType(claims.Role)
	if !ptype.Valid() {
		return ErrSessionInvalid
	}
	principal, err := m.store.GetPrincipalByEmail(ctx, ptype, claims.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionInvalid
		}
		return err
	}
	if err := m.store.DeleteRefreshSessionsByPrincipal(ctx, ptype, principal.ID); err != nil {
		return err
	}
	m.logger.Warn().
		Str("principal_id", principal.ID).
		Str("principal_type", string(ptype)).
		Msg("refresh token reuse detected, all sessions revoked")
	return ErrReuseDetected
}

// RevokeOne deletes the session matching the exact token value (logout).
func (m *Manager) RevokeOne(ctx context.Context, refreshToken string) error {
	return m.store.DeleteRefreshSessionByTokenHash(ctx, crypto.HashToken(refreshToken))
}

// RevokeAll deletes every session the principal holds (logout-all,
// password update, reuse containment).
func (m *Manager) RevokeAll(ctx context.Context, ptype model.PrincipalType, principalID string) error {
	return m.store.DeleteRefreshSessionsByPrincipal(ctx, ptype, principalID)
}
