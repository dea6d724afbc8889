package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"dirserve/internal/config"
	"dirserve/internal/fsutil"
	"dirserve/internal/listing"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
	"dirserve/internal/staging"
	"dirserve/internal/statcache"
	"dirserve/internal/transfer"
	"dirserve/internal/upload"
)

const notFoundBody = "File not found!"

type Options struct {
	Config config.Config
	// Parser overrides the multipart parser used for uploads.
	Parser upload.Parser
}

// Server maps request paths onto the served tree. Every request ends in
// exactly one of: file stream, directory listing, upload, thumbnail, or an
// error status.
type Server struct {
	root      string
	stateDir  string
	chunkSize int

	cache    *statcache.Cache
	streamer *transfer.Streamer
	listing  *listing.Renderer
	uploads  *upload.Manager
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg.Root == "" {
		return nil, errors.New("httpserver: root is required")
	}
	s := &Server{
		root:      filepath.Clean(cfg.Root),
		stateDir:  cfg.StateDir,
		chunkSize: cfg.ChunkSize,
		cache:     statcache.New(cfg.StatCacheTTL.Std()),
		streamer:  transfer.NewStreamer(cfg.ChunkSize),
	}
	if s.chunkSize <= 0 {
		s.chunkSize = transfer.DefaultChunkSize
	}

	if cfg.AllowUpload {
		store, err := staging.New(cfg.StateDir)
		if err != nil {
			logging.L().Warn("uploads disabled", logging.Err(err))
		} else {
			parser := opts.Parser
			if parser == nil {
				parser = upload.MultipartParser{MaxMemory: 32 << 20}
			}
			s.uploads = upload.New(parser, store)
		}
	}
	s.listing = listing.New(s.cache, s.uploads != nil)
	return s, nil
}

// Handler returns the server wrapped in logging, metrics and header
// middleware.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(metrics.Middleware(withHeaders(s)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// r.URL.Path is already percent-decoded.
	urlPath := r.URL.Path
	abs := fsutil.Join(s.root, urlPath)

	md, err := s.cache.Get(ctx, abs)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, statcache.ErrNotFound) {
			logging.WithContext(ctx).Warn("stat failed", logging.String("path", abs), logging.Err(err))
		}
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		switch {
		case md.IsDir:
			s.serveDir(ctx, w, abs, urlPath)
		case md.IsFile && r.URL.Query().Has("thumb") && isImageExt(strings.ToLower(filepath.Ext(abs))):
			s.serveThumb(w, r, abs, md)
		case md.IsFile:
			s.serveFile(ctx, w, r, abs, md)
		default:
			notFound(w)
		}
	case http.MethodPost:
		if s.uploads != nil && md.IsDir {
			s.uploads.Handle(w, r, abs, fsutil.URLDir(urlPath))
			return
		}
		s.methodNotAllowed(w, md)
	default:
		s.methodNotAllowed(w, md)
	}
}

func (s *Server) serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, abs string, md statcache.Metadata) {
	// Length is the cached snapshot; a file that shrank since is truncated.
	w.Header().Set("Content-Length", strconv.FormatUint(md.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead || md.Size == 0 {
		return
	}
	// Up to two chunks may sit in the sink: one on the wire, one read ahead.
	sink := transfer.NewResponseSink(w, 2*s.chunkSize)
	n, err := s.streamer.Stream(ctx, abs, md.Size, sink)
	if err != nil && ctx.Err() == nil {
		logging.WithContext(ctx).Warn("stream aborted",
			logging.String("path", abs),
			logging.Uint64("sent", n),
			logging.Uint64("size", md.Size),
			logging.Err(err),
		)
	}
}

func (s *Server) serveDir(ctx context.Context, w http.ResponseWriter, abs, urlPath string) {
	err := s.listing.Render(ctx, w, abs, fsutil.URLDir(urlPath), fsutil.IsRoot(s.root, abs))
	switch {
	case errors.Is(err, listing.ErrUnreadable):
		logging.WithContext(ctx).Error("list directory", logging.String("path", abs), logging.Err(err))
		serverError(w)
	case err != nil:
		logging.WithContext(ctx).Debug("listing truncated", logging.String("path", abs), logging.Err(err))
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, md statcache.Metadata) {
	allow := "GET, HEAD"
	if s.uploads != nil && md.IsDir {
		allow += ", POST"
	}
	w.Header().Set("Allow", allow)
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, notFoundBody)
}

func serverError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, "Server Error")
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
