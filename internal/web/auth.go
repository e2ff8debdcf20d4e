package web

import (
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeControl must be granted for mutating API calls.
const ScopeControl = "camera:control"

// tokenClaims is what the API needs from a verified bearer token.
type tokenClaims struct {
	Subject string
	Scopes  []string
}

// ReadOnly reports whether the token lacks the control scope. Tokens
// without any scope claim are treated as full access.
func (c tokenClaims) ReadOnly() bool {
	return len(c.Scopes) > 0 && !slices.Contains(c.Scopes, ScopeControl)
}

func (s *Server) verifyToken(tokenString string) (tokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return tokenClaims{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return tokenClaims{}, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return tokenClaims{}, fmt.Errorf("invalid token claims")
	}

	var out tokenClaims
	out.Subject, _ = (*claims)["sub"].(string)
	switch v := (*claims)["scope"].(type) {
	case string:
		out.Scopes = strings.Fields(v)
	case []interface{}:
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return tokenClaims{}, fmt.Errorf("invalid scope claim: not a string")
			}
			out.Scopes = append(out.Scopes, str)
		}
	}
	return out, nil
}
