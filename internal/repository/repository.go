package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tauhid97k/school-management-api/internal/db"
	"github.com/tauhid97k/school-management-api/internal/model"
)

// One table per principal type; the type is implied by which table
// holds the row, never stored as a column.
var principalTables = map[model.PrincipalType]string{
	model.PrincipalAdmin:   "admins",
	model.PrincipalTeacher: "teachers",
	model.PrincipalStudent: "students",
}

var ErrUnknownPrincipalType = errors.New("unknown principal type")

type Store struct {
	pool *pgxpool.Pool
	db   db.DBTX
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn against a transaction-bound copy of the store.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Store{pool: s.pool, db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

const principalColumns = "id, name, email, school, password_hash, email_verified_at, is_suspended, created_at, updated_at"

func (s *Store) CreatePrincipal(ctx context.Context, p model.Principal) error {
	table, ok := principalTables[p.Type]
	if !ok {
		return ErrUnknownPrincipalType
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO `+table+` (id, name, email, school, password_hash, email_verified_at, is_suspended, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.Email, p.School, p.PasswordHash, p.EmailVerifiedAt, p.IsSuspended, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) GetPrincipalByEmail(ctx context.Context, ptype model.PrincipalType, email string) (model.Principal, error) {
	return s.getPrincipal(ctx, ptype, "email", email)
}

func (s *Store) GetPrincipalByID(ctx context.Context, ptype model.PrincipalType, id string) (model.Principal, error) {
	return s.getPrincipal(ctx, ptype, "id", id)
}

func (s *Store) getPrincipal(ctx context.Context, ptype model.PrincipalType, column, value string) (model.Principal, error) {
	p := model.Principal{Type: ptype}
	table, ok := principalTables[ptype]
	if !ok {
		return p, ErrUnknownPrincipalType
	}
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE %s = $1
	`, principalColumns, table, column), value)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.School,
		&p.PasswordHash,
		&p.EmailVerifiedAt,
		&p.IsSuspended,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *Store) SetEmailVerified(ctx context.Context, ptype model.PrincipalType, id string, verifiedAt time.Time) error {
	table, ok := principalTables[ptype]
	if !ok {
		return ErrUnknownPrincipalType
	}
	_, err := s.db.Exec(ctx, `
		UPDATE `+table+` SET email_verified_at = $1, updated_at = $2 WHERE id = $3
	`, verifiedAt, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, ptype model.PrincipalType, id, hash string) error {
	table, ok := principalTables[ptype]
	if !ok {
		return ErrUnknownPrincipalType
	}
	_, err := s.db.Exec(ctx, `
		UPDATE `+table+` SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, hash, time.Now().UTC(), id)
	return err
}

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_sessions (id, principal_id, principal_type, token_hash, expires_at, device_label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, session.ID, session.PrincipalID, session.PrincipalType, session.TokenHash, session.ExpiresAt, session.DeviceLabel, session.CreatedAt, session.UpdatedAt)
	return err
}

func (s *Store) GetRefreshSessionByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.db.QueryRow(ctx, `
		SELECT id, principal_id, principal_type, token_hash, expires_at, device_label, created_at, updated_at
		FROM refresh_sessions
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(
		&session.ID,
		&session.PrincipalID,
		&session.PrincipalType,
		&session.TokenHash,
		&session.ExpiresAt,
		&session.DeviceLabel,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	return session, err
}

// RotateRefreshSession replaces the token on an existing session row.
// The old hash is part of the predicate so that of two concurrent
// rotations with the same stale token, exactly one claims the row.
func (s *Store) RotateRefreshSession(ctx context.Context, id, oldHash, newHash string, expiresAt int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_sessions
		SET token_hash = $1, expires_at = $2, updated_at = $3
		WHERE id = $4 AND token_hash = $5
	`, newHash, expiresAt, time.Now().UTC(), id, oldHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteRefreshSessionByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *Store) DeleteRefreshSessionsByPrincipal(ctx context.Context, ptype model.PrincipalType, principalID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM refresh_sessions WHERE principal_type = $1 AND principal_id = $2
	`, ptype, principalID)
	return err
}

func (s *Store) CountRefreshSessionsByPrincipal(ctx context.Context, ptype model.PrincipalType, principalID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM refresh_sessions WHERE principal_type = $1 AND principal_id = $2
	`, ptype, principalID).Scan(&count)
	return count, err
}

// ReplaceVerificationCode supersedes any prior code of the same purpose
// for the principal in a single transaction.
func (s *Store) ReplaceVerificationCode(ctx context.Context, code model.VerificationCode) error {
	replace := func(tx *Store) error {
		_, err := tx.db.Exec(ctx, `
			DELETE FROM verification_codes
			WHERE principal_type = $1 AND principal_id = $2 AND purpose = $3
		`, code.PrincipalType, code.PrincipalID, code.Purpose)
		if err != nil {
			return err
		}
		_, err = tx.db.Exec(ctx, `
			INSERT INTO verification_codes (id, principal_id, principal_type, code, token, purpose, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, code.ID, code.PrincipalID, code.PrincipalType, code.Code, code.Token, code.Purpose, code.ExpiresAt, code.CreatedAt)
		return err
	}
	if _, isTx := s.db.(pgx.Tx); isTx {
		return replace(s)
	}
	return s.WithTx(ctx, replace)
}

func (s *Store) GetVerificationCode(ctx context.Context, token, code string) (model.VerificationCode, error) {
	var vc model.VerificationCode
	row := s.db.QueryRow(ctx, `
		SELECT id, principal_id, principal_type, code, token, purpose, expires_at, created_at
		FROM verification_codes
		WHERE token = $1 AND code = $2
	`, token, code)
	err := row.Scan(
		&vc.ID,
		&vc.PrincipalID,
		&vc.PrincipalType,
		&vc.Code,
		&vc.Token,
		&vc.Purpose,
		&vc.ExpiresAt,
		&vc.CreatedAt,
	)
	return vc, err
}

func (s *Store) DeleteVerificationCode(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteVerificationCodesByPrincipal(ctx context.Context, ptype model.PrincipalType, principalID string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM verification_codes WHERE principal_type = $1 AND principal_id = $2
	`, ptype, principalID)
	return err
}
