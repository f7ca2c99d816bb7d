package jwt

import "errors"

// 预定义错误.
var (
	// ErrTokenInvalid 令牌无效.
	ErrTokenInvalid = errors.New("jwt: token is invalid or expired")

	// ErrTokenEmpty 令牌为空.
	ErrTokenEmpty = errors.New("jwt: token is empty")

	// ErrTokenNotFound 未找到令牌.
	ErrTokenNotFound = errors.New("jwt: bearer token not found")

	// ErrSigningMethod 签名方法无效.
	ErrSigningMethod = errors.New("jwt: unexpected signing method")

	// ErrForbidden 角色无权执行该操作.
	ErrForbidden = errors.New("jwt: role not permitted")
)
