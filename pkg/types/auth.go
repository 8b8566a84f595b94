// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const CTX_AUTH_PRINCIPLE = "__auth_principle"

var ErrInvalidToken = errors.New("invalid access token")

// UserPrinciple is the authenticated local user.
type UserPrinciple struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
}

// DisplayName falls back to the user id.
func (p *UserPrinciple) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.UserId
}

type userClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its principle; sub is the user id.
func ParseToken(secret, token string) (*UserPrinciple, error) {
	claims := &userClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &UserPrinciple{UserId: claims.Subject, Name: claims.Name}, nil
}

// IssueToken signs a token for the given user.
func IssueToken(secret, userId, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := userClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func SetAuthPrinciple(c *gin.Context, p *UserPrinciple) {
	c.Set(CTX_AUTH_PRINCIPLE, p)
}

func GetAuthPrinciple(c *gin.Context) (*UserPrinciple, bool) {
	v, ok := c.Get(CTX_AUTH_PRINCIPLE)
	if !ok {
		return nil, false
	}
	p, ok := v.(*UserPrinciple)
	return p, ok && p != nil
}
