package recovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/logger"
	"github.com/Tsukikage7/auction-saga/transport/response"
)

func TestHTTPMiddleware_RecoversPanic(t *testing.T) {
	var seen any
	h := HTTPMiddleware(
		WithLogger(logger.NewNop()),
		WithHandler(func(_ any, p any, stack []byte) {
			seen = p
			assert.NotEmpty(t, stack)
		}),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil metadata")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sagas/metrics", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "nil metadata", seen)

	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Error)
	assert.NotContains(t, body.Message, "nil metadata")
}

func TestHTTPMiddleware_PassThrough(t *testing.T) {
	h := HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPMiddleware_RepanicsOnAbort(t *testing.T) {
	h := HTTPMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithError(t, http.ErrAbortHandler.Error(), func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
