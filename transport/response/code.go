// Package response 定义 HTTP 错误码与 JSON 响应写入.
package response

import "net/http"

// Code 业务错误码.
type Code struct {
	Num        int    // 数字错误码
	Name       string // 机器可读的错误名，写入响应的 error 字段
	Message    string // 默认错误消息
	HTTPStatus int    // 对应的 HTTP 状态码
}

// Error 实现 error 接口.
func (c Code) Error() string {
	return c.Message
}

// WithMessage 创建带自定义消息的错误码副本.
func (c Code) WithMessage(msg string) Code {
	c.Message = msg
	return c
}

// Is 判断是否为指定错误码.
func (c Code) Is(target Code) bool {
	return c.Num == target.Num
}

// 预定义错误码.
//
// 错误码规范：
//   - 0: 成功
//   - 2xxxx: 认证/授权错误
//   - 3xxxx: 请求参数错误
//   - 4xxxx: 资源错误
//   - 5xxxx: 服务器内部错误
//   - 6xxxx: 外部服务错误
var (
	CodeSuccess = Code{0, "ok", "success", http.StatusOK}

	CodeUnauthorized = Code{20001, "unauthorized", "missing or invalid bearer token", http.StatusUnauthorized}
	CodeForbidden    = Code{20002, "forbidden", "access denied", http.StatusForbidden}

	CodeInvalidParam = Code{30001, "invalid_request", "invalid request", http.StatusBadRequest}

	CodeNotFound          = Code{40001, "not_found", "resource not found", http.StatusNotFound}
	CodeConflict          = Code{40003, "conflict", "resource state conflict", http.StatusConflict}
	CodeResourceExhausted = Code{40004, "too_many_requests", "resource exhausted", http.StatusTooManyRequests}

	CodeInternal = Code{50001, "internal_error", "internal server error", http.StatusInternalServerError}

	CodeServiceUnavailable = Code{60001, "service_unavailable", "service unavailable", http.StatusServiceUnavailable}
	CodeUpstreamError      = Code{60002, "bad_gateway", "upstream service error", http.StatusBadGateway}
)
