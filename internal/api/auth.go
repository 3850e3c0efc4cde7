package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const subjectClaim = "sub"

var errInvalidToken = errors.New("invalid token")

// verifyToken checks an HS256 token against the app's signing key and
// returns its subject.
func (s *ChatApp) verifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, ok := claims[subjectClaim].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("invalid subject claim")
	}

	return sub, nil
}

// tokenChecker verifies bearer tokens against a bcrypt hash, remembering the
// last token that matched so steady traffic does not pay the hashing cost.
type tokenChecker struct {
	hash     []byte
	mu       sync.Mutex
	verified []byte
}

func (c *tokenChecker) check(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verified != nil && subtle.ConstantTimeCompare(c.verified, []byte(token)) == 1 {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(token)); err != nil {
		return false
	}

	c.verified = []byte(token)
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

// requireInternalToken rejects internal requests without the configured
// bearer token. It is a no-op when no token hash is configured.
func (s *ChatApp) requireInternalToken(next http.HandlerFunc) http.HandlerFunc {
	if s.internalAuth == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !s.internalAuth.check(token) {
			s.log.Printf("rejected internal request to %s", r.URL.Path)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}
