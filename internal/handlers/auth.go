package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/gommon/log"
)

// RoleAdmin may read the orphaned-transaction review list.
const RoleAdmin = "admin"

var (
	errMissingToken = errors.New("Authorization header required")
	errInvalidToken = errors.New("Invalid token")
)

type Principal struct {
	UserID string
	Role   string
}

type principalKey struct{}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies HS256 bearer tokens carrying user_id and an
// optional role claim.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without a valid token. EventSource clients
// cannot set headers, so a token query parameter is accepted as well.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			log.Errorf("[Auth] JWT_SECRET is not configured")
			writeError(w, http.StatusInternalServerError, "Authentication is not configured")
			return
		}

		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		p, err := a.Parse(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *Authenticator) Parse(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, errMissingToken
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, errors.New("Invalid user_id in token")
	}
	role, _ := claims["role"].(string)
	return Principal{UserID: userID, Role: role}, nil
}

// Sign issues a token for userID. Used by tests and the watch command.
func (a *Authenticator) Sign(userID, role string) (string, error) {
	claims := jwt.MapClaims{"user_id": userID}
	if role != "" {
		claims["role"] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
