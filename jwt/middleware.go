package jwt

import (
	"net/http"
	"strings"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/transport/response"
)

// HTTPMiddleware 校验 Bearer 令牌与写权限.
//
// 失败时返回 401（缺失或无效）或 403（viewer 角色）.
func (j *JWT) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractToken(r)
		if err != nil {
			_ = response.WriteFail(w, response.CodeUnauthorized, err.Error())
			return
		}

		claims, err := j.Validate(token)
		if err != nil {
			_ = response.WriteFail(w, response.CodeUnauthorized, err.Error())
			return
		}
		if !claims.CanMutate() {
			j.opts.logger.With(
				logger.String("subject", claims.Subject),
				logger.String("role", claims.Role),
				logger.String("path", r.URL.Path),
			).Warn("[JWT] 角色无写权限")
			_ = response.WriteFail(w, response.CodeForbidden, ErrForbidden.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// ExtractToken 从 Authorization 头提取 Bearer 令牌.
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrTokenNotFound
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:]), nil
	}
	return strings.TrimSpace(header), nil
}
