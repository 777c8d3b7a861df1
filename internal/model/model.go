package model

import "time"

type PrincipalType string

const (
	PrincipalAdmin   PrincipalType = "admin"
	PrincipalTeacher PrincipalType = "teacher"
	PrincipalStudent PrincipalType = "student"
)

func (t PrincipalType) Valid() bool {
	switch t {
	case PrincipalAdmin, PrincipalTeacher, PrincipalStudent:
		return true
	}
	return false
}

type CodePurpose string

const (
	PurposeEmailVerify   CodePurpose = "EMAIL_VERIFY"
	PurposePasswordReset CodePurpose = "PASSWORD_RESET"
)

type Principal struct {
	ID              string
	Type            PrincipalType
	Name            string
	Email           string
	School          string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	IsSuspended     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type RefreshSession struct {
	ID            string
	PrincipalID   string
	PrincipalType PrincipalType
	TokenHash     string
	// ExpiresAt is the refresh token's embedded expiry in epoch seconds.
	ExpiresAt   int64
	DeviceLabel string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type VerificationCode struct {
	ID            string
	PrincipalID   string
	PrincipalType PrincipalType
	Code          string
	Token         string
	Purpose       CodePurpose
	ExpiresAt     time.Time
	CreatedAt     time.Time
}
