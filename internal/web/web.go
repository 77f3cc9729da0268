// Package web serves the operator dashboard page. The page is a thin
// shell: it loads once, then talks to the API server over REST and the
// live-view WebSocket.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// Config configures the frontend server.
type Config struct {
	Addr    string
	APIBase string // browser-reachable API base URL, e.g. http://localhost:8000
	Logger  *slog.Logger
}

// Server renders the dashboard shell.
type Server struct {
	log  *slog.Logger
	tmpl *template.Template
	api  string
	ws   string
	srv  *http.Server
}

// NewServer parses the embedded templates and builds the server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	u, err := url.Parse(cfg.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("api base %q: need an http(s) URL", cfg.APIBase)
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		log:  cfg.Logger,
		tmpl: tmpl,
		api:  cfg.APIBase,
		ws:   "ws" + strings.TrimPrefix(cfg.APIBase, "http"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

type indexData struct {
	APIBase string
	WSBase  string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.tmpl.ExecuteTemplate(w, "index.html", indexData{APIBase: s.api, WSBase: s.ws}); err != nil {
		s.log.Error("render index", "err", err)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("web server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
