package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/utils"

	"github.com/golang-jwt/jwt/v5"
)

type identityKey struct{}

// identityClaims - утверждения токена, выданного сервисом идентификации.
type identityClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator проверяет bearer-токен и кладёт пользователя в контекст запроса.
type Authenticator struct {
	Secret []byte
	Logger *slog.Logger
}

// NewAuthenticator создаёт новый экземпляр Authenticator.
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{Secret: []byte(secret), Logger: logger}
}

// Verify разбирает токен и возвращает пользователя.
func (a *Authenticator) Verify(tokenString string) (models.Identity, error) {
	var claims identityClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Identity{}, err
	}

	role := models.Role(claims.Role)
	if claims.Subject == "" || (role != models.BuyerRole && role != models.SupplierRole) {
		return models.Identity{}, errors.New("token must carry a subject and a buyer or supplier role")
	}
	return models.Identity{UserID: claims.Subject, Role: role}, nil
}

// Middleware отклоняет запросы без действительного токена.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			utils.SendErrorResponse(w, http.StatusUnauthorized, models.CodeAuthorization, "missing bearer token")
			return
		}

		identity, err := a.Verify(token)
		if err != nil {
			a.Logger.Info("rejected token", "path", r.URL.Path, "error", err)
			utils.SendErrorResponse(w, http.StatusUnauthorized, models.CodeAuthorization, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// WithIdentity возвращает контекст с пользователем.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext возвращает пользователя, установленный Middleware.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(models.Identity)
	return identity, ok
}

// IssueToken подписывает токен для пользователя. Используется локально и в тестах.
func IssueToken(secret string, identity models.Identity, ttl time.Duration, now time.Time) (string, error) {
	claims := identityClaims{
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
