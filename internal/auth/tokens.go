package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenInvalid covers every verification failure: bad signature,
// expired, malformed. Callers must not learn which check failed.
var ErrTokenInvalid = errors.New("invalid token")

type Claims struct {
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	PrincipalID string `json:"principal_id,omitempty"`
	jwt.RegisteredClaims
}

// Config carries the signing secrets and lifetimes for the three token
// kinds. Each kind has an independent secret so leaking one does not
// allow forging the others.
type Config struct {
	Issuer        string
	AccessSecret  string
	RefreshSecret string
	ResetSecret   string

	AccessTTL        time.Duration
	RotatedAccessTTL time.Duration
	RefreshTTL       time.Duration
	ResetTTL         time.Duration
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// AccessToken issues a login/register access token (long TTL).
func (s *Service) AccessToken(email, role string) (string, error) {
	return s.sign(s.cfg.AccessSecret, s.cfg.AccessTTL, Claims{Email: email, Role: role})
}

// RotatedAccessToken issues the short-lived access token handed out on
// refresh rotation.
func (s *Service) RotatedAccessToken(email, role string) (string, error) {
	return s.sign(s.cfg.AccessSecret, s.cfg.RotatedAccessTTL, Claims{Email: email, Role: role})
}

// RefreshToken returns the signed token along with its embedded expiry
// in epoch seconds, for persistence on the session row. The returned
// expiry is the exact exp claim, never recomputed.
func (s *Service) RefreshToken(email, role string) (string, int64, error) {
	expiresAt := time.Now().UTC().Add(s.cfg.RefreshTTL)
	token, err := s.signAt(s.cfg.RefreshSecret, expiresAt, Claims{Email: email, Role: role})
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ResetToken binds {principal id, role} for a single follow-up
// password update. Never persisted.
func (s *Service) ResetToken(principalID, role string) (string, error) {
	return s.sign(s.cfg.ResetSecret, s.cfg.ResetTTL, Claims{PrincipalID: principalID, Role: role})
}

func (s *Service) ParseAccess(token string) (*Claims, error) {
	return parse(s.cfg.AccessSecret, token)
}

func (s *Service) ParseRefresh(token string) (*Claims, error) {
	return parse(s.cfg.RefreshSecret, token)
}

func (s *Service) ParseReset(token string) (*Claims, error) {
	return parse(s.cfg.ResetSecret, token)
}

func (s *Service) sign(secret string, ttl time.Duration, claims Claims) (string, error) {
	return s.signAt(secret, time.Now().UTC().Add(ttl), claims)
}

func (s *Service) signAt(secret string, expiresAt time.Time, claims Claims) (string, error) {
	// The jti keeps two tokens minted in the same second distinct.
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parse(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
