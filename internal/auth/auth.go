// Package auth authenticates API callers against the configured admin users
// and issues short-lived HS256 tokens.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/harrylevesque/biotimesync/internal/crypto"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

const (
	tokenKeyPurpose = "api-session-token"
	issuer          = "biotimesync"
)

var (
	ErrInvalidCredentials = utils.New(http.StatusUnauthorized, "invalid credentials")
	ErrInvalidToken       = utils.New(http.StatusUnauthorized, "invalid or expired token")
	ErrMissingToken       = utils.New(http.StatusUnauthorized, "authorization required")
)

// User is an admin allowed to call the API.
type User struct {
	Username     string
	PasswordHash string
}

// Claims are carried by issued tokens.
type Claims struct {
	jwt.RegisteredClaims
}

type ctxKey struct{}

// Auth checks credentials and tokens.
type Auth struct {
	users  map[string]User
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	// dummy keeps unknown users as slow as known ones
	dummy []byte
}

// New derives the token signing key from the master key.
func New(masterKey []byte, users []User, ttl time.Duration) (*Auth, error) {
	secret, err := crypto.DeriveKey(masterKey, tokenKeyPurpose)
	if err != nil {
		return nil, err
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("biotimesync"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	a := &Auth{users: map[string]User{}, secret: secret, ttl: ttl, now: time.Now, dummy: dummy}
	for _, u := range users {
		a.users[u.Username] = u
	}
	return a, nil
}

// Login returns a signed token for valid credentials.
func (a *Auth) Login(username, password string) (string, time.Time, error) {
	u, ok := a.users[username]
	hash := a.dummy
	if ok {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tok, exp, nil
}

// Verify checks a token and returns the username it was issued to.
func (a *Auth) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, ok := a.users[claims.Subject]; !ok {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := extractToken(r)
		if tok == "" {
			utils.WriteError(w, ErrMissingToken)
			return
		}
		user, err := a.Verify(tok)
		if err != nil {
			utils.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// UserFrom returns the authenticated username stored by Middleware.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// HashPassword hashes a password for the admins section of the config.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
