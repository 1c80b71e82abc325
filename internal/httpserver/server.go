package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/offcache"
)

// Server is the offline-first reverse proxy: every request not handled
// here goes to the upstream through the Registration.
type Server struct {
	registration *offcache.Registration
	upstream     *url.URL
	gatherer     prometheus.Gatherer
	logger       *zap.Logger
	server       *http.Server
}

// NewServer creates the proxy server. gatherer backs /metrics;
// nil means prometheus.DefaultGatherer.
func NewServer(reg *offcache.Registration, upstream *url.URL, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		registration: reg,
		upstream:     upstream,
		gatherer:     gatherer,
		logger:       logger,
	}
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("Starting proxy server", zap.String("addr", addr), zap.String("upstream", s.upstream.String()))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping proxy server")
	return s.server.Shutdown(ctx)
}

// Handler returns the router; exposed for tests.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// everything else goes upstream
	router.PathPrefix("/").Handler(s.proxy())

	return router
}

func (s *Server) proxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(s.upstream)
			r.SetXForwarded()
		},
		Transport:    s.registration,
		ErrorHandler: s.handleProxyError,
	}
}

func (s *Server) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	msg := "upstream unavailable"
	if errors.Is(err, offcache.ErrNotFound) {
		msg = "offline and not cached"
		s.logger.Debug("Offline miss", zap.String("path", r.URL.Path), zap.Error(err))
	} else if !errors.Is(err, context.Canceled) {
		s.logger.Warn("Proxy request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, msg, http.StatusBadGateway)
}

type healthResponse struct {
	Status     string `json:"status"`
	Generation string `json:"generation,omitempty"`
	State      string `json:"state,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Time       string `json:"time"`
}

// handleHealth reports the generation in control. Without one the proxy
// still forwards requests, but answers 503 here.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if m := s.registration.Active(); m != nil {
		resp.Generation = m.Generation()
		resp.State = m.State().String()
	} else {
		resp.Status = "no active generation"
		code = http.StatusServiceUnavailable
	}
	if m := s.registration.Waiting(); m != nil {
		resp.Waiting = m.Generation()
	}
	s.writeResponse(w, code, resp)
}

// writeResponse writes JSON response
func (s *Server) writeResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
