package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPMiddleware 返回 HTTP 指标采集中间件.
//
// 挂在 chi 路由上时使用路由模板作为 path 标签，避免 sagaId 等参数造成标签膨胀.
//
// 使用示例:
//
//	r := chi.NewRouter()
//	r.Use(metrics.HTTPMiddleware(collector))
func HTTPMiddleware(collector *PrometheusCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			collector.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(rw.statusCode), time.Since(start))
		})
	}
}

// routePattern 返回请求匹配到的路由模板.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

// Flush 透传 http.Flusher，反向代理流式响应时需要.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
