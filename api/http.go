package api

import (
	"context"
	"net/http"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/gateway"
	"github.com/vodforge/transcode-api/handlers"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/middleware"
)

func ListenAndServe(ctx context.Context, addr string, apiHandlers *handlers.TranscodeAPIHandlersCollection, hub *gateway.Hub) error {
	router := NewTranscodeAPIRouter(apiHandlers, hub)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoVideoID(
		"Starting Transcode API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewTranscodeAPIRouter(apiHandlers *handlers.TranscodeAPIHandlersCollection, hub *gateway.Hub) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr)))
	withCORS := middleware.AllowCORS()

	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	})

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(apiHandlers.Ok()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Chunked upload coordination
	router.POST("/upload/session", withLogging(withCORS(apiHandlers.CreateUploadSession())))
	router.GET("/upload/session/:id", withLogging(withCORS(apiHandlers.GetUploadSession())))
	router.DELETE("/upload/session/:id", withLogging(withCORS(apiHandlers.CancelUploadSession())))
	router.POST("/upload/chunk", withLogging(withCORS(apiHandlers.UploadChunk())))
	router.POST("/upload/complete", withLogging(withCORS(apiHandlers.CompleteUpload())))

	// Video management
	router.GET("/videos", withLogging(withCORS(apiHandlers.ListVideos())))
	router.GET("/videos/:id", withLogging(withCORS(apiHandlers.GetVideo())))
	router.DELETE("/videos/:id", withLogging(withCORS(apiHandlers.DeleteVideo())))

	// Introspection
	router.GET("/queue/stats", withLogging(withCORS(apiHandlers.QueueStats())))
	router.POST("/storage/cleanup", withLogging(withCORS(apiHandlers.StorageCleanup())))
	router.GET("/storage/stats", withLogging(withCORS(apiHandlers.StorageStats())))

	// Streaming reads bypass request logging to keep segment fetches cheap
	router.GET("/stream/:id/:res/:file", withCORS(apiHandlers.ServeStream()))

	// Live event gateway
	router.GET("/ws", hub.Handle)

	return router
}
