// Package api provides HTTP handlers for the cellview server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cache"
	"github.com/cellview/server/internal/cellcache"
	"github.com/cellview/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Views       *service.ViewService
	ChunkCache  *cache.Manager // optional, reported by /api/cache/stats
	CORSOrigins []string
	// Gatherer is served on /metrics when not nil.
	Gatherer prometheus.Gatherer
	// DefaultPause is used by /api/fetchers/pause when ms is not given.
	DefaultPause time.Duration
	Logger       *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultPause <= 0 {
		cfg.DefaultPause = 300 * time.Millisecond
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Frame-Complete", "X-Frame", "X-Render-Nanos", "X-Io-Nanos"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata", metadataHandler(cfg.Views))

		r.Route("/views", func(r chi.Router) {
			r.Post("/", createViewHandler(cfg.Views))
			r.Get("/{view}", viewInfoHandler(cfg.Views))
			r.Delete("/{view}", deleteViewHandler(cfg.Views))
			r.Get("/{view}/slice/{t}/{setup}/{level}/{z}.png", sliceHandler(cfg.Views))
			r.Get("/{view}/frames", framesHandler(cfg.Views))
		})

		r.Get("/cache/stats", cacheStatsHandler(cfg.Views, cfg.ChunkCache))
		r.Post("/cache/clear", cacheClearHandler(cfg.Views, cfg.ChunkCache, log))
		r.Post("/fetchers/pause", pauseFetchersHandler(cfg.Views, cfg.DefaultPause))
		r.Post("/fetchers/wake", wakeFetchersHandler(cfg.Views))
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrViewNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func metadataHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Metadata())
	}
}

type viewResponse struct {
	ViewID     string    `json:"view_id"`
	CreatedAt  time.Time `json:"created_at"`
	Frames     int64     `json:"frames"`
	IoNanoTime int64     `json:"io_nanos"`
}

func newViewResponse(v *service.View) viewResponse {
	return viewResponse{
		ViewID:     v.ID,
		CreatedAt:  v.CreatedAt,
		Frames:     v.NumFrames(),
		IoNanoTime: v.IoNanoTime(),
	}
}

func createViewHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := svc.CreateView()
		writeJSON(w, http.StatusCreated, newViewResponse(v))
	}
}

func viewInfoHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := svc.GetView(chi.URLParam(r, "view"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newViewResponse(v))
	}
}

func deleteViewHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteView(r.Context(), chi.URLParam(r, "view")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func sliceHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseSliceRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := svc.RenderSlice(r.Context(), chi.URLParam(r, "view"), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Complete", strconv.FormatBool(res.Complete))
		w.Header().Set("X-Frame", strconv.FormatInt(res.Frame, 10))
		w.Header().Set("X-Render-Nanos", strconv.FormatInt(res.RenderNanos, 10))
		w.Header().Set("X-Io-Nanos", strconv.FormatInt(res.IoNanos, 10))
		w.Write(res.PNG)
	}
}

func parseSliceRequest(r *http.Request) (service.SliceRequest, error) {
	var req service.SliceRequest
	var err error

	if req.Timepoint, err = strconv.Atoi(chi.URLParam(r, "t")); err != nil {
		return req, errors.New("invalid timepoint")
	}
	if req.Setup, err = strconv.Atoi(chi.URLParam(r, "setup")); err != nil {
		return req, errors.New("invalid setup")
	}
	if req.Level, err = strconv.Atoi(chi.URLParam(r, "level")); err != nil {
		return req, errors.New("invalid level")
	}
	if req.Z, err = strconv.ParseInt(chi.URLParam(r, "z"), 10, 64); err != nil {
		return req, errors.New("invalid z")
	}

	q := r.URL.Query()
	if req.X, err = queryInt64(q.Get("x"), 0); err != nil {
		return req, errors.New("invalid x")
	}
	if req.Y, err = queryInt64(q.Get("y"), 0); err != nil {
		return req, errors.New("invalid y")
	}
	w, err := queryInt64(q.Get("w"), 256)
	if err != nil {
		return req, errors.New("invalid w")
	}
	h, err := queryInt64(q.Get("h"), 256)
	if err != nil {
		return req, errors.New("invalid h")
	}
	req.Width, req.Height = int(w), int(h)

	req.Strategy = q.Get("strategy")
	req.Colormap = q.Get("colormap")
	if req.DisplayMin, err = queryFloat32(q.Get("min")); err != nil {
		return req, errors.New("invalid min")
	}
	if req.DisplayMax, err = queryFloat32(q.Get("max")); err != nil {
		return req, errors.New("invalid max")
	}
	return req, nil
}

func queryInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func queryFloat32(s string) (*float32, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return nil, err
	}
	f := float32(v)
	return &f, nil
}

func framesHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		frames, err := svc.Frames(r.Context(), chi.URLParam(r, "view"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"frames": frames,
			"total":  len(frames),
		})
	}
}

type cacheStatsResponse struct {
	cellcache.Stats
	Views  int         `json:"views"`
	Chunks *chunkStats `json:"chunks,omitempty"`
}

type chunkStats struct {
	Entries     int    `json:"entries"`
	Bytes       int    `json:"bytes"`
	BytesHuman  string `json:"bytes_human"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	MetaEntries int    `json:"meta_entries"`
}

func cacheStatsHandler(svc *service.ViewService, chunks *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := cacheStatsResponse{
			Stats: svc.CacheStats(),
			Views: svc.NumViews(),
		}
		if chunks != nil {
			cs := chunks.Stats()
			resp.Chunks = &chunkStats{
				Entries:     cs.ChunkEntries,
				Bytes:       cs.ChunkBytes,
				BytesHuman:  humanize.IBytes(uint64(cs.ChunkBytes)),
				Hits:        cs.ChunkHits,
				Misses:      cs.ChunkMisses,
				MetaEntries: cs.MetaEntries,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cacheClearHandler(svc *service.ViewService, chunks *cache.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ClearCache()
		if chunks != nil && r.URL.Query().Get("chunks") == "true" {
			if err := chunks.Reset(); err != nil {
				http.Error(w, "failed to reset chunk cache: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		log.Info("cache cleared")
		w.WriteHeader(http.StatusNoContent)
	}
}

func pauseFetchersHandler(svc *service.ViewService, def time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := def
		if s := r.URL.Query().Get("ms"); s != "" {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil || ms < 0 {
				http.Error(w, "invalid ms", http.StatusBadRequest)
				return
			}
			d = time.Duration(ms) * time.Millisecond
		}
		svc.PauseFetchers(d)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"paused_until": time.Now().Add(d),
		})
	}
}

func wakeFetchersHandler(svc *service.ViewService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.WakeFetchers()
		w.WriteHeader(http.StatusNoContent)
	}
}
