package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims 控制面令牌的 Claims.
//
// Role 用于区分只读与可写操作，空值视为 operator.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// 角色.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// CanMutate 是否允许执行写操作.
func (c *Claims) CanMutate() bool {
	return c.Role == "" || c.Role == RoleOperator
}
