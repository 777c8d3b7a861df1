// Package verification issues and consumes the single-use, time-boxed
// codes used for email confirmation and password reset.
package verification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tauhid97k/school-management-api/internal/crypto"
	"github.com/tauhid97k/school-management-api/internal/mail"
	"github.com/tauhid97k/school-management-api/internal/model"
)

// ErrCodeInvalid covers unknown, mismatched, and expired codes. The
// distinction never reaches the client.
var ErrCodeInvalid = errors.New("invalid verification code")

type Store interface {
	ReplaceVerificationCode(ctx context.Context, code model.VerificationCode) error
	GetVerificationCode(ctx context.Context, token, code string) (model.VerificationCode, error)
}

type Issuer struct {
	store  Store
	mailer mail.Mailer
	ttl    time.Duration
	logger zerolog.Logger
}

func NewIssuer(store Store, mailer mail.Mailer, ttl time.Duration, logger zerolog.Logger) *Issuer {
	return &Issuer{store: store, mailer: mailer, ttl: ttl, logger: logger}
}

// Issue generates an 8-digit code plus opaque token, persists the pair
// (superseding any prior code of the same purpose), and hands the
// human-readable code to the mailer. Delivery failure is logged, never
// rolled back: the code can always be resent.
func (i *Issuer) Issue(ctx context.Context, principal model.Principal, purpose model.CodePurpose) (model.VerificationCode, error) {
	code, err := crypto.NewVerificationCode()
	if err != nil {
		return model.VerificationCode{}, err
	}
	token, err := crypto.NewOpaqueToken()
	if err != nil {
		return model.VerificationCode{}, err
	}

	record := model.VerificationCode{
		ID:            uuid.NewString(),
		PrincipalID:   principal.ID,
		PrincipalType: principal.Type,
		Code:          code,
		Token:         token,
		Purpose:       purpose,
		ExpiresAt:     time.Now().UTC().Add(i.ttl),
		CreatedAt:     time.Now().UTC(),
	}
	if err := i.store.ReplaceVerificationCode(ctx, record); err != nil {
		return model.VerificationCode{}, err
	}

	if err := i.mailer.Send(ctx, mail.Message{
		To:      principal.Email,
		Name:    principal.Name,
		Code:    code,
		Purpose: string(purpose),
	}); err != nil {
		i.logger.Error().Err(err).
			Str("principal_id", principal.ID).
			Str("purpose", string(purpose)).
			Msg("verification mail dispatch failed")
	}

	return record, nil
}

// Consume returns the record matching both token and code, enforcing
// expiry at verification time. The caller invalidates the row inside
// its own transaction.
func (i *Issuer) Consume(ctx context.Context, token, code string) (model.VerificationCode, error) {
	record, err := i.store.GetVerificationCode(ctx, token, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.VerificationCode{}, ErrCodeInvalid
		}
		return model.VerificationCode{}, err
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		return model.VerificationCode{}, ErrCodeInvalid
	}
	return record, nil
}
