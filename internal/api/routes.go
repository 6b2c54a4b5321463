// Package api provides HTTP handlers for the tile selection server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/data/slide"
	"github.com/minipath/server/internal/jobstore"
	"github.com/minipath/server/internal/magnification"
	"github.com/minipath/server/internal/pairing"
	"github.com/minipath/server/internal/ranking"
	"github.com/minipath/server/internal/render"
	"github.com/minipath/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.SlideService
	Cache       *cache.Manager
	JobManager  *JobManager
	CORSOrigins []string
	// ImageFormat is used for frame requests without an extension.
	ImageFormat string
	Logger      *slog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = render.FormatPNG
	}
	h := &handlers{svc: cfg.Service, cache: cfg.Cache, jobs: cfg.JobManager, format: cfg.ImageFormat, logger: logger}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/slides", h.listSlides)
		r.Post("/slides/refresh", h.refreshSlides)

		// Series UIDs contain dots, so the series segment is matched whole.
		r.Route("/slides/{series}", func(r chi.Router) {
			r.Get("/metadata", h.metadata)
			r.Post("/rank", h.rank)
			r.Post("/select", h.selectFrames)
			r.Get("/overlay.png", h.overlay(render.FormatPNG))
			r.Get("/overlay.webp", h.overlay(render.FormatWebP))
			r.Get("/frames/{frame}", h.frame)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.jobSubmit)
				r.Get("/", h.jobList)
				r.Get("/{job_id}", h.jobStatus)
				r.Get("/{job_id}/result", h.jobResult)
				r.Delete("/{job_id}", h.jobCancel)
			})
		})
	})

	return r
}

type handlers struct {
	svc    *service.SlideService
	cache  *cache.Manager
	jobs   *JobManager
	format string
	logger *slog.Logger
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, slide.ErrUnknownSeries),
		errors.Is(err, pairing.ErrMissingPairing),
		errors.Is(err, slide.ErrFrameNotFound):
		return http.StatusNotFound
	case errors.Is(err, ranking.ErrInvalidPatchMode),
		errors.Is(err, slide.ErrInvalidImageShape),
		errors.Is(err, magnification.ErrFrameCountMismatch),
		errors.Is(err, magnification.ErrInvalidSpacing),
		errors.Is(err, magnification.ErrInvalidGeometry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ranking.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v unchanged.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{"slides": len(h.svc.ListSlides())}
	if h.cache != nil {
		stats["cache"] = h.cache.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) listSlides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slides": h.svc.ListSlides()})
}

func (h *handlers) refreshSlides(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Refresh(); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slides": len(h.svc.ListSlides())})
}

func (h *handlers) metadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.svc.Metadata(chi.URLParam(r, "series"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

type rankResponse struct {
	SeriesUID string         `json:"series_uid"`
	Config    ranking.Config `json:"config"`
	ranking.Outcome
}

func (h *handlers) rank(w http.ResponseWriter, r *http.Request) {
	seriesUID := chi.URLParam(r, "series")
	cfg := h.svc.RankingConfig()
	if err := decodeOptional(r, &cfg); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.svc.RankPatches(r.Context(), seriesUID, cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rankResponse{SeriesUID: seriesUID, Config: cfg, Outcome: outcome})
}

func (h *handlers) selectFrames(w http.ResponseWriter, r *http.Request) {
	opts := h.svc.SelectDefaults()
	if err := decodeOptional(r, &opts); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sel, err := h.svc.Select(r.Context(), chi.URLParam(r, "series"), opts)
	if err != nil {
		if sel == nil {
			h.writeError(w, r, err)
			return
		}
		// Partial selection: report the error alongside the frames gathered.
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "selection": sel})
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *handlers) overlay(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h.svc.Overlay(r.Context(), chi.URLParam(r, "series"), r.URL.Query().Get("colormap"), format)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/"+format)
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// frame serves /frames/{id}.png, /frames/{id}.webp or /frames/{id} in the
// configured format.
func (h *handlers) frame(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "frame")
	idStr, format, _ := strings.Cut(name, ".")
	if format == "" {
		format = h.format
	}
	if format != render.FormatPNG && format != render.FormatWebP {
		http.Error(w, "unsupported format: "+format, http.StatusBadRequest)
		return
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid frame id", http.StatusBadRequest)
		return
	}

	data, err := h.svc.Frame(chi.URLParam(r, "series"), id, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

func (h *handlers) requireJobs(w http.ResponseWriter) bool {
	if h.jobs == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return false
	}
	return true
}

// seriesJob returns the job only if it belongs to the series in the URL.
func (h *handlers) seriesJob(w http.ResponseWriter, r *http.Request) *jobstore.Job {
	job := h.jobs.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.SeriesUID != chi.URLParam(r, "series") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func (h *handlers) jobSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.requireJobs(w) {
		return
	}
	seriesUID := chi.URLParam(r, "series")
	if _, err := h.svc.Metadata(seriesUID); err != nil {
		h.writeError(w, r, err)
		return
	}

	opts := h.svc.SelectDefaults()
	if err := decodeOptional(r, &opts); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if opts.Ranking != nil {
		if err := opts.Ranking.Validate(); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	job, err := h.jobs.Submit(seriesUID, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) jobList(w http.ResponseWriter, r *http.Request) {
	if !h.requireJobs(w) {
		return
	}
	jobs, err := h.jobs.Store().ListJobsBySeries(chi.URLParam(r, "series"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*jobstore.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireJobs(w) {
		return
	}
	if job := h.seriesJob(w, r); job != nil {
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *handlers) jobResult(w http.ResponseWriter, r *http.Request) {
	if !h.requireJobs(w) {
		return
	}
	job := h.seriesJob(w, r)
	if job == nil {
		return
	}

	data, err := h.jobs.Result(job.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if data == nil {
		http.Error(w, "job has no result (status: "+string(job.Status)+")", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *handlers) jobCancel(w http.ResponseWriter, r *http.Request) {
	if !h.requireJobs(w) {
		return
	}
	job := h.seriesJob(w, r)
	if job == nil {
		return
	}

	cancelled := h.jobs.Cancel(job.ID)
	if r.URL.Query().Get("delete") == "true" && job.Status.Terminal() {
		if err := h.jobs.Delete(job.ID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "cancelled": cancelled})
}
