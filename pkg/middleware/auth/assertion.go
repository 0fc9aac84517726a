package auth

import (
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type assertionClaims struct {
	jwt.RegisteredClaims
	UID   string   `json:"uid"`
	Org   string   `json:"org"`
	Roles []string `json:"roles"`
	Role  string   `json:"role"`
}

func (m *Middleware) validateAssertion(raw string) (User, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.cfg.Leeway),
	)

	var claims assertionClaims
	tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	})
	if err != nil || !tok.Valid {
		return User{}, errors.New("invalid assertion")
	}
	if m.cfg.Issuer != "" && claims.Issuer != m.cfg.Issuer {
		return User{}, errors.New("bad issuer")
	}
	if m.cfg.Audience != "" && !slices.Contains(claims.Audience, m.cfg.Audience) {
		return User{}, errors.New("bad audience")
	}

	username := claims.UID
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return User{}, errors.New("missing uid")
	}
	role := claims.Role
	if role == "" && len(claims.Roles) > 0 {
		role = claims.Roles[0]
	}
	return User{
		Username: username,
		Provider: "assert",
		Role:     role,
		Org:      claims.Org,
	}, nil
}
