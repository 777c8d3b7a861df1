package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tauhid97k/school-management-api/internal/auth"
	"github.com/tauhid97k/school-management-api/internal/config"
	"github.com/tauhid97k/school-management-api/internal/limiter"
	"github.com/tauhid97k/school-management-api/internal/repository"
	"github.com/tauhid97k/school-management-api/internal/session"
	"github.com/tauhid97k/school-management-api/internal/verification"
)

type Server struct {
	cfg      config.Config
	store    *repository.Store
	tokens   *auth.Service
	sessions *session.Manager
	codes    *verification.Issuer
	limiter  *limiter.LoginLimiter
	logger   zerolog.Logger
}

func NewServer(
	cfg config.Config,
	store *repository.Store,
	tokens *auth.Service,
	sessions *session.Manager,
	codes *verification.Issuer,
	loginLimiter *limiter.LoginLimiter,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		sessions: sessions,
		codes:    codes,
		limiter:  loginLimiter,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Get("/refresh", s.handleRefresh)
		r.Post("/password-reset", s.handleRequestPasswordReset)
		r.Post("/verify-reset-code", s.handleVerifyResetCode)
		r.Post("/update-password", s.handleUpdatePassword)

		r.With(s.authMiddleware).Get("/me", s.handleMe)
		r.With(s.authMiddleware).Get("/resend-verification", s.handleResendVerification)
		r.With(s.authMiddleware).Post("/verify-email", s.handleVerifyEmail)
		r.With(s.authMiddleware).Post("/logout", s.handleLogout)
		r.With(s.authMiddleware).Post("/logout-all", s.handleLogoutAll)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := s.tokens.ParseAccess(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// txContext bounds every transactional flow so a slow downstream call
// cannot hold a transaction open indefinitely.
func (s *Server) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.TransactionTimeout)
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.RefreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.RefreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) refreshCookie(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.RefreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// deviceLabel derives an audit label from client-sent device headers.
func deviceLabel(r *http.Request) string {
	brand := strings.TrimSpace(r.Header.Get("X-Device-Brand"))
	mdl := strings.TrimSpace(r.Header.Get("X-Device-Model"))
	label := strings.TrimSpace(brand + " " + mdl)
	if label == "" {
		return "unknown"
	}
	return label
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
