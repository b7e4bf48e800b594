package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/lending-engine/internal/model"
)

type ctxKey string

const callerKey ctxKey = "caller"

var errNoIdentity = errors.New("missing caller identity")

// Authenticator resolves the calling user. With a secret it accepts HS256
// bearer tokens whose subject is the user ID. Without one it trusts the
// X-User-ID header, which is only suitable for development.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// Enabled reports whether tokens are verified.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Sign issues a token for user valid for ttl.
func (a *Authenticator) Sign(user model.UserID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   user.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) identify(r *http.Request) (model.UserID, error) {
	if !a.Enabled() {
		return model.ParseUserID(r.Header.Get("X-User-ID"))
	}

	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errNoIdentity
	}
	parsed, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return model.ParseUserID(claims.Subject)
}

// Middleware rejects requests without a caller identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.identify(r)
		if err != nil {
			writeError(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, user)))
	})
}

// Caller returns the identity set by Middleware.
func Caller(r *http.Request) (model.UserID, bool) {
	id, ok := r.Context().Value(callerKey).(model.UserID)
	return id, ok && id != ""
}
