// Package web implements the node's HTTP server: the API, the Prometheus
// endpoint, websocket streams of log events and node status, and the
// rendered documentation pages.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/api"
	"valqueue.node/vqn/internal/docs"
	"valqueue.node/vqn/internal/logger"
	"valqueue.node/vqn/internal/metrics"
	"valqueue.node/vqn/internal/node"
	"valqueue.node/vqn/internal/types"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports the node status streamed on /ws/status.
type StatusSource interface {
	Status() node.Status
}

// Options configure a Server.
type Options struct {
	Addr    string
	API     *api.Service
	Node    StatusSource
	Events  *logger.Logger
	Docs    *docs.Service
	Metrics bool
	Log     *zap.Logger
}

// Server is the node's HTTP server.
type Server struct {
	addr       string
	apiService *api.Service
	node       StatusSource
	events     *logger.Logger
	docService *docs.Service
	metrics    bool
	log        *zap.Logger

	// statusEvery is the /ws/status push interval.
	statusEvery time.Duration
}

// NewServer creates a new web server.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = logger.New(1)
	}
	return &Server{
		addr:        opts.Addr,
		apiService:  opts.API,
		node:        opts.Node,
		events:      opts.Events,
		docService:  opts.Docs,
		metrics:     opts.Metrics,
		log:         opts.Log.Named("web"),
		statusEvery: 2 * time.Second,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.apiService != nil {
		s.apiService.Register(mux)
	}
	if s.metrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	if s.docService != nil {
		mux.HandleFunc("/docs/", s.handleDocs)
	}
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	if s.node != nil {
		mux.HandleFunc("/ws/status", s.handleStatusWS)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>vqn {{.Version}} docs</title></head>
<body>
<nav><ul>{{range .List}}<li><a href="/docs/{{.}}">{{.}}</a></li>{{end}}</ul></nav>
<main>{{.Content}}</main>
</body>
</html>
`))

type docsData struct {
	Version string
	List    []string
	Content template.HTML
}

// handleDocs serves /docs/ as an index and /docs/<name>.adoc rendered.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	s.setCacheHeaders(w)

	list, err := s.docService.ListDocs()
	if err != nil {
		s.log.Warn("docs directory unavailable", zap.Error(err))
	}

	data := docsData{Version: types.Version, List: list}
	if name := strings.TrimPrefix(r.URL.Path, "/docs/"); name != "" {
		content, err := s.docService.GetDoc(name)
		if errors.Is(err, docs.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.log.Error("doc not rendered", zap.String("doc", name), zap.Error(err))
			http.Error(w, "Failed to render document", http.StatusInternalServerError)
			return
		}
		data.Content = template.HTML(content)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsPage.Execute(w, data); err != nil {
		s.log.Debug("docs page not written", zap.Error(err))
	}
}

// setCacheHeaders sets cache-busting headers to prevent browser caching.
func (s *Server) setCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
