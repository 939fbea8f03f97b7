// Package httpapi serves the image store over HTTP: uploads on POST /upload
// and (optionally resized) reads on GET /image/{key}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jacktea/pixstore/pkg/imaging"
	"github.com/jacktea/pixstore/pkg/pipeline"
	"github.com/jacktea/pixstore/pkg/server/middleware"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxUploadBytes = 32 << 20
	DefaultCacheMaxAge    = 365 * 24 * 60 * 60
)

// Upload form field holding image files.
const uploadField = "images"

// Server exposes the ingest and retrieval pipelines.
type Server struct {
	Ingester  *pipeline.Ingester
	Retriever *pipeline.Retriever
	Log       *slog.Logger
	Opts      Options
}

// Options configure limits, caching, CORS and rate limiting.
type Options struct {
	// MaxUploadBytes caps the POST /upload body. Defaults to 32 MiB.
	MaxUploadBytes int64
	// CacheMaxAge is the shared-cache lifetime in seconds sent with found
	// images. Defaults to one year.
	CacheMaxAge int
	// CORSOrigins enables CORS for the listed origins; "*" allows any.
	CORSOrigins []string
	RateLimit   middleware.RateLimitOptions
}

func (o Options) withDefaults() Options {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = DefaultCacheMaxAge
	}
	return o
}

type uploadResponse struct {
	Images []pipeline.Result `json:"images"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("http api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	opts := s.Opts.withDefaults()
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog(s.logger()))
	r.Use(chimw.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}
	if limit := middleware.RateLimit(opts.RateLimit); limit != nil {
		r.Use(limit)
	}
	r.Use(chimw.GetHead)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/image/*", s.handleImage)
	r.With(middleware.BodyLimit(opts.MaxUploadBytes)).Post("/upload", s.handleUpload)
	return r
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dims, err := imaging.ParseDimensions(q.Get("w"), q.Get("h"), q.Get("aspect"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rend, err := s.Retriever.Retrieve(r.Context(), pipeline.TransformRequest{
		Key:        chi.URLParam(r, "*"),
		Dimensions: dims,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", rend.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(rend.Data)))
	status := http.StatusNotFound
	if rend.Found {
		status = http.StatusOK
	}
	if rend.Cacheable {
		h.Set("Cache-Control", "s-maxage="+strconv.Itoa(s.Opts.withDefaults().CacheMaxAge))
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(rend.Data)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	items, err := readUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.Ingester.Ingest(r.Context(), items)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []pipeline.Result{}
	}
	writeJSON(w, http.StatusOK, uploadResponse{Images: results})
}

// readUpload collects upload items in request order. Multipart bodies
// contribute every "images" part; any other body is a single raw image.
func readUpload(r *http.Request) ([]pipeline.UploadItem, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return []pipeline.UploadItem{{Data: data, ContentType: r.Header.Get("Content-Type")}}, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "httpapi.upload", "", err)
	}
	var items []pipeline.UploadItem
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, uploadReadError(err)
		}
		item, keep, err := readPart(part)
		part.Close()
		if err != nil {
			return nil, err
		}
		if keep {
			items = append(items, item)
		}
	}
}

func readPart(part *multipart.Part) (pipeline.UploadItem, bool, error) {
	if part.FormName() != uploadField {
		_, err := io.Copy(io.Discard, part)
		return pipeline.UploadItem{}, false, uploadReadError(err)
	}
	if part.FileName() == "" {
		return pipeline.UploadItem{}, false, xerrors.Wrap(xerrors.KindDecode, "httpapi.upload", uploadField,
			pipeline.ErrInvalidFile)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		return pipeline.UploadItem{}, false, uploadReadError(err)
	}
	return pipeline.UploadItem{
		Name:        part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Data:        data,
	}, true, nil
}

func uploadReadError(err error) error {
	if err == nil {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return xerrors.Wrap(xerrors.KindInvalid, "httpapi.upload", "", err)
}

// writeError maps err onto a status code and JSON message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindDimension:
		writeMessage(w, http.StatusBadRequest, "Invalid width or height")
	case xerrors.KindDecode:
		s.logger().InfoContext(r.Context(), "rejected upload", "request_id", middleware.RequestID(r.Context()), "err", err)
		writeMessage(w, http.StatusBadRequest, "Invalid file")
	case xerrors.KindInvalid:
		writeMessage(w, http.StatusBadRequest, "Invalid request")
	case xerrors.KindNotFound:
		writeMessage(w, http.StatusNotFound, "Not found")
	default:
		s.logger().ErrorContext(r.Context(), "request failed", "request_id", middleware.RequestID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
