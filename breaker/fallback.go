package breaker

// FallbackResponse 服务降级时返回给调用方的内容.
type FallbackResponse struct {
	Service    string `json:"service"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Degraded   bool   `json:"degraded"`
	Data       any    `json:"data,omitempty"`
}

var fallbacks = map[string]FallbackResponse{
	"auth": {
		Message:    "Authentication service is temporarily unavailable",
		Suggestion: "Existing sessions remain valid. Please try signing in again in a few moments.",
	},
	"listings": {
		Message:    "Listings are temporarily unavailable",
		Suggestion: "Browse recently viewed items or refresh the page shortly.",
		Data:       map[string]any{"listings": []any{}, "total": 0},
	},
	"bids": {
		Message:    "Bidding is temporarily unavailable",
		Suggestion: "Your bid was not placed. Please retry in a moment; auctions ending soon will not close without you.",
	},
	"payments": {
		Message:    "Payment processing is temporarily unavailable",
		Suggestion: "No charge has been made. Please retry the payment shortly.",
	},
	"profile": {
		Message:    "Profile service is temporarily unavailable",
		Suggestion: "Profile changes are paused. Please try again later.",
		Data:       map[string]any{"profile": nil},
	},
	"email": {
		Message:    "Notifications are delayed",
		Suggestion: "Emails will be delivered once the service recovers.",
	},
}

// Fallback 生成服务专属的降级响应.
func Fallback(service string) FallbackResponse {
	resp, ok := fallbacks[service]
	if !ok {
		resp = FallbackResponse{
			Message:    "Service is temporarily unavailable",
			Suggestion: "Please retry in a few moments.",
		}
	}
	resp.Service = service
	resp.Degraded = true
	return resp
}
