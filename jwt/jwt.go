// Package jwt 提供控制面接口的 HS256 令牌签发与校验.
//
// 示例：
//
//	j := jwt.New("secret", jwt.WithIssuer("saga-dashboard"), jwt.WithLogger(log))
//	token, _ := j.Generate("alice", jwt.RoleOperator)
//	router.With(j.HTTPMiddleware).Post("/api/sagas/{sagaId}/retry", h)
package jwt

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tsukikage7/auction-saga/logger"
)

// JWT 令牌服务.
type JWT struct {
	secret []byte
	opts   *options
}

// New 创建令牌服务.
//
// secret 为空时 panic.
func New(secret string, opts ...Option) *JWT {
	if secret == "" {
		panic("jwt: secret is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &JWT{secret: []byte(secret), opts: o}
}

// Generate 为 subject 签发令牌.
func (j *JWT) Generate(subject, role string) (string, error) {
	now := j.opts.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.opts.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.opts.duration)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return token, nil
}

// Validate 校验令牌并返回 Claims.
func (j *JWT) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrTokenEmpty
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrSigningMethod
		}
		return j.secret, nil
	},
		jwt.WithIssuer(j.opts.issuer),
		jwt.WithTimeFunc(j.opts.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		j.opts.logger.With(logger.Err(err)).Warn("[JWT] 令牌验证失败")
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
