package recovery

import (
	"errors"
	"net/http"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/transport/response"
)

// HTTPMiddleware 返回 HTTP panic 恢复中间件.
//
// handler panic 时记录堆栈并返回 500 JSON 错误体.
// http.ErrAbortHandler 原样重新抛出，由 net/http 中止连接.
//
//	r := chi.NewRouter()
//	r.Use(recovery.HTTPMiddleware(recovery.WithLogger(log)))
func HTTPMiddleware(opts ...Option) func(http.Handler) http.Handler {
	o := applyOptions(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(p)
				}

				stack := captureStack(o.StackSize)
				o.Logger.WithContext(r.Context()).With(
					logger.Any("panic", p),
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("stack", string(stack)),
				).Error("[HTTP] panic recovered")

				if o.Handler != nil {
					o.Handler(r, p, stack)
				}
				_ = response.WriteError(w, &PanicError{Value: p, Stack: stack})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
