package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/metrics"
	"github.com/Tsukikage7/auction-saga/recovery"
	"github.com/Tsukikage7/auction-saga/saga"
	"github.com/Tsukikage7/auction-saga/transport/health"
	"github.com/Tsukikage7/auction-saga/transport/response"
)

// maxBodyBytes 请求体上限.
const maxBodyBytes = 1 << 20

// Handler 仪表盘 HTTP 路由.
type Handler struct {
	svc  *Service
	opts *handlerOptions
}

// actionRequest 重试与取消请求体.
type actionRequest struct {
	SagaType saga.Type `json:"sagaType"`
	Type     saga.Type `json:"type"`
	Reason   string    `json:"reason"`
}

func (r *actionRequest) sagaType() saga.Type {
	if r.SagaType != "" {
		return r.SagaType
	}
	return r.Type
}

// NewHandler 创建路由.
//
// 路由:
//
//	POST /api/sagas/{type}/start
//	GET  /api/sagas/{type}/{sagaId}
//	GET  /api/sagas/{type}
//	GET  /api/sagas/metrics
//	GET  /api/sagas/stalled
//	POST /api/sagas/stalled/retry-all
//	POST /api/sagas/{sagaId}/retry
//	POST /api/sagas/{sagaId}/cancel
//	GET  /api/sagas/journal/{sagaId}
//	GET  /api/bus/health
//	POST /api/bus/circuit-breaker/reset
func NewHandler(svc *Service, opts ...HandlerOption) http.Handler {
	o := &handlerOptions{logger: logger.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	h := &Handler{svc: svc, opts: o}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recovery.HTTPMiddleware(recovery.WithLogger(o.logger)))
	if o.metrics != nil {
		r.Use(metrics.HTTPMiddleware(o.metrics))
		r.Method(http.MethodGet, o.metrics.Path(), o.metrics.Handler())
	}

	if o.health != nil {
		r.Get(health.LivenessPath, health.LivenessHandler(o.health))
		r.Get(health.ReadinessPath, health.ReadinessHandler(o.health))
	} else {
		r.Get(health.LivenessPath, func(w http.ResponseWriter, _ *http.Request) {
			_ = response.WriteJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusUp)})
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/sagas/metrics", h.sagaMetrics)
		r.Get("/sagas/stalled", h.stalled)
		r.Get("/sagas/journal/{sagaId}", h.journal)
		r.Get("/sagas/{type}", h.active)
		r.Get("/sagas/{type}/{sagaId}", h.status)
		r.Get("/bus/health", h.busHealth)

		r.Group(func(r chi.Router) {
			if o.auth != nil {
				r.Use(o.auth.HTTPMiddleware)
			}
			r.Post("/sagas/stalled/retry-all", h.retryAll)
			r.Post("/sagas/{type}/start", h.start)
			r.Post("/sagas/{sagaId}/retry", h.retry)
			r.Post("/sagas/{sagaId}/cancel", h.cancel)
			r.Post("/bus/circuit-breaker/reset", h.resetBreaker)
		})
	})
	return r
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	req := map[string]any{}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.svc.Start(r.Context(), saga.Type(chi.URLParam(r, "type")), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusCreated, map[string]any{
		"sagaId":   st.SagaID,
		"sagaType": st.SagaType,
		"state":    st.State,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	sagaType := chi.URLParam(r, "type")
	if sagaType == "any" {
		sagaType = ""
	}
	view, err := h.svc.Status(r.Context(), saga.Type(sagaType), chi.URLParam(r, "sagaId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Active(r.Context(), saga.Type(chi.URLParam(r, "type")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) sagaMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Metrics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sagaID := chi.URLParam(r, "sagaId")
	if err := h.svc.Retry(r.Context(), req.sagaType(), sagaID); err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, map[string]any{"sagaId": sagaID, "result": "retried"})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sagaID := chi.URLParam(r, "sagaId")
	if err := h.svc.Cancel(r.Context(), req.sagaType(), sagaID, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, map[string]any{"sagaId": sagaID, "result": "cancelled"})
}

func (h *Handler) stalled(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Stalled(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, map[string]any{"count": len(views), "sagas": views})
}

func (h *Handler) retryAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RetryAllStalled(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) journal(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Journal(r.Context(), chi.URLParam(r, "sagaId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) busHealth(w http.ResponseWriter, r *http.Request) {
	bh, err := h.svc.BusHealth()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !bh.Connected {
		status = http.StatusServiceUnavailable
	}
	_ = response.WriteJSON(w, status, bh)
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	bh, err := h.svc.ResetBusBreaker(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, bh)
}

// fail 将错误映射为响应码并写入.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := codeFor(err)
	if code.HTTPStatus >= http.StatusInternalServerError {
		h.opts.logger.WithContext(r.Context()).With(
			logger.String("path", r.URL.Path),
			logger.String("requestId", middleware.GetReqID(r.Context())),
			logger.Err(err),
		).Error("[Dashboard] 请求处理失败")
	}
	_ = response.WriteError(w, response.Wrap(code, err))
}

func codeFor(err error) response.Code {
	switch {
	case errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, saga.ErrUnknownType):
		return response.CodeNotFound
	case errors.Is(err, saga.ErrInvalidRequest), errors.Is(err, ErrTypeRequired):
		return response.CodeInvalidParam
	case errors.Is(err, saga.ErrRetriesExhausted),
		errors.Is(err, saga.ErrAlreadyCompleted),
		errors.Is(err, saga.ErrAlreadyTerminal),
		errors.Is(err, saga.ErrStateConflict):
		return response.CodeConflict
	case errors.Is(err, messaging.ErrCircuitOpen),
		errors.Is(err, messaging.ErrNotConnected),
		errors.Is(err, ErrBusUnavailable),
		errors.Is(err, ErrJournalDisabled):
		return response.CodeServiceUnavailable
	default:
		return response.CodeInternal
	}
}

// decodeBody 解析可选的 JSON 请求体，空请求体视为空对象.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Join(saga.ErrInvalidRequest, err)
}
