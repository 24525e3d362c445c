package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestLogRequestRecoversPanics(t *testing.T) {
	panicking := func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		panic("boom")
	}
	wrapped := LogRequest(kitlog.NewNopLogger())(panicking)

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		wrapped(rec, httptest.NewRequest("GET", "/videos", nil), nil)
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "Internal Server Error")
}

func TestLogRequestPassesThrough(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusTeapot)
	}
	wrapped := LogRequest(kitlog.NewNopLogger())(handler)

	rec := httptest.NewRecorder()
	wrapped(rec, httptest.NewRequest("GET", "/videos", nil), nil)
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestAllowCORS(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	}
	wrapped := AllowCORS()(handler)

	rec := httptest.NewRecorder()
	wrapped(rec, httptest.NewRequest("GET", "/stream/v/low/playlist.m3u8", nil), nil)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	wrapped(rec, httptest.NewRequest("OPTIONS", "/upload/chunk", nil), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
