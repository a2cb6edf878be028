package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"content-pipeline/internal/infra/logging"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// TokenActor is the actor recorded for requests made with the static API token.
const TokenActor = "api-token"

var errUnauthorized = errors.New("missing or invalid bearer token")

// Authenticator accepts either the static API token or an HS256 JWT
// signed with the shared secret. Either may be left empty to disable it.
type Authenticator struct {
	token  []byte
	secret []byte
	log    *zerolog.Logger
}

func NewAuthenticator(apiToken, jwtSecret string, logger *zerolog.Logger) *Authenticator {
	a := &Authenticator{log: logger}
	if apiToken != "" {
		a.token = []byte(apiToken)
	}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

type OperatorClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Mint issues an operator token for subject; the subject is recorded as
// the decider of gates the holder approves or rejects.
func (a *Authenticator) Mint(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := OperatorClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Actor resolves the caller behind the Authorization header.
func (a *Authenticator) Actor(r *http.Request) (string, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return "", errUnauthorized
	}
	tok := strings.TrimSpace(hdr[7:])
	if tok == "" {
		return "", errUnauthorized
	}
	if len(a.token) > 0 && subtle.ConstantTimeCompare([]byte(tok), a.token) == 1 {
		return TokenActor, nil
	}
	if len(a.secret) == 0 {
		return "", errUnauthorized
	}
	claims := &OperatorClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return "", errUnauthorized
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with 401 before any handler runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Actor(r)
		if err != nil {
			logging.With(r.Context(), a.log).Debug().Str("path", r.URL.Path).Msg("unauthorized request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="pipeline"`)
			WriteError(w, http.StatusUnauthorized, "Unauthorized", err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.WithActor(r.Context(), actor)))
	})
}
