package response

import (
	"errors"
	"fmt"
)

// BusinessError 业务错误.
//
// 携带错误码与面向调用方的消息，Cause 只用于日志.
type BusinessError struct {
	Code    Code
	Message string
	Cause   error
}

// Error 实现 error 接口.
func (e *BusinessError) Error() string {
	msg := e.GetMessage()
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap 返回原始错误.
func (e *BusinessError) Unwrap() error {
	return e.Cause
}

// GetMessage 获取错误消息.
func (e *BusinessError) GetMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message
}

// NewError 创建带自定义消息的业务错误.
func NewError(code Code, message string) *BusinessError {
	return &BusinessError{Code: code, Message: message}
}

// Wrap 包装错误为业务错误，消息取 err 的内容.
func Wrap(code Code, err error) *BusinessError {
	return &BusinessError{Code: code, Message: err.Error(), Cause: err}
}

// ExtractCode 从错误中提取错误码，非业务错误返回 CodeInternal.
func ExtractCode(err error) Code {
	if err == nil {
		return CodeSuccess
	}

	var bizErr *BusinessError
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}

	var code Code
	if errors.As(err, &code) {
		return code
	}

	return CodeInternal
}

// ExtractMessage 从错误中提取错误消息.
//
// 非业务错误返回错误码的通用消息，避免暴露内部细节.
func ExtractMessage(err error) string {
	if err == nil {
		return CodeSuccess.Message
	}

	var bizErr *BusinessError
	if errors.As(err, &bizErr) {
		return bizErr.GetMessage()
	}
	return ExtractCode(err).Message
}
