package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/gateway"
	"github.com/vodforge/transcode-api/handlers"
	"github.com/vodforge/transcode-api/queue"
	"github.com/vodforge/transcode-api/storage"
	"github.com/vodforge/transcode-api/store"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	bus := events.NewBus(nil)
	h := &handlers.TranscodeAPIHandlersCollection{
		Store:  st,
		Layout: layout,
		Bus:    bus,
		Queue:  queue.NewQueue(nil, nil, queue.WithRateLimiter(rate.NewLimiter(rate.Inf, 0))),
		GC: storage.NewGC(layout,
			func(string) (storage.SessionState, bool) { return storage.SessionState{}, false },
			func(string) bool { return false }),
	}
	return NewTranscodeAPIRouter(h, gateway.NewHub(bus))
}

func TestRouterHealthcheck(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestRouterServesMetrics(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterCORSPreflight(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/upload/chunk", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterVideoRoutes(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/videos", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/videos/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
