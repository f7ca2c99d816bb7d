package response

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorBody 错误响应体.
type ErrorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteJSON 写入 JSON 响应.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteFail 写入错误码对应的失败响应.
func WriteFail(w http.ResponseWriter, code Code, message string) error {
	if message == "" {
		message = code.Message
	}
	return WriteJSON(w, code.HTTPStatus, ErrorBody{
		Error:     code.Name,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError 写入错误响应，自动从 error 提取错误码和消息.
func WriteError(w http.ResponseWriter, err error) error {
	return WriteFail(w, ExtractCode(err), ExtractMessage(err))
}
