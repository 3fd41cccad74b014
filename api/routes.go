package api

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaserve/handlers"
)

func itoa(i int) string      { return strconv.Itoa(i) }
func itoa64(i uint64) string { return strconv.FormatUint(i, 10) }

// localhostOnlyMiddleware restricts access to localhost requests only
func localhostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		// Strip port if present
		for i := len(host) - 1; i >= 0; i-- {
			if host[i] == ':' {
				host = host[:i]
				break
			}
		}
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			http.Error(w, "Debug endpoints only accessible from localhost", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register mounts all endpoints onto the provided router.
func Register(
	r *mux.Router,
	videoHandler *handlers.VideoHandler,
	thumbnailHandler *handlers.ThumbnailHandler,
	hlsHandler *handlers.HLSHandler,
	staticHandler *handlers.StaticHandler,
) {
	r.Use(corsMiddleware)

	// Video endpoints
	r.HandleFunc("/video/metadata", videoHandler.Metadata).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/video/stream", videoHandler.Stream).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	r.HandleFunc("/video/thumbnail", thumbnailHandler.Get).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	r.HandleFunc("/video/heatmap", videoHandler.Heatmap).Methods(http.MethodGet, http.MethodOptions)

	// HLS endpoints
	r.HandleFunc("/hls/master", hlsHandler.Master).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/playlist.m3u8", hlsHandler.Playlist).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/{segment}", hlsHandler.Segment).Methods(http.MethodGet, http.MethodOptions)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Pprof debug endpoints for profiling (localhost only)
	pprofRouter := r.PathPrefix("/debug/pprof").Subrouter()
	pprofRouter.Use(localhostOnlyMiddleware)
	pprofRouter.HandleFunc("/", pprof.Index)
	pprofRouter.HandleFunc("/cmdline", pprof.Cmdline)
	pprofRouter.HandleFunc("/profile", pprof.Profile)
	pprofRouter.HandleFunc("/symbol", pprof.Symbol)
	pprofRouter.HandleFunc("/trace", pprof.Trace)
	pprofRouter.HandleFunc("/allocs", pprof.Handler("allocs").ServeHTTP)
	pprofRouter.HandleFunc("/goroutine", pprof.Handler("goroutine").ServeHTTP)
	pprofRouter.HandleFunc("/heap", pprof.Handler("heap").ServeHTTP)

	// Runtime stats endpoint (localhost only)
	runtimeRouter := r.PathPrefix("/debug/runtime").Subrouter()
	runtimeRouter.Use(localhostOnlyMiddleware)
	runtimeRouter.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{` +
			`"goroutines":` + itoa(runtime.NumGoroutine()) + `,` +
			`"heapAlloc":` + itoa64(m.HeapAlloc) + `,` +
			`"heapSys":` + itoa64(m.HeapSys) + `,` +
			`"heapObjects":` + itoa64(m.HeapObjects) + `,` +
			`"numGC":` + itoa(int(m.NumGC)) + `,` +
			`"lastGC":` + itoa64(m.LastGC) +
			`}`))
	}).Methods(http.MethodGet)

	// Everything else is treated as a direct local file path.
	r.PathPrefix("/").Handler(staticHandler)
}
