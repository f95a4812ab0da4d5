// Package bridge exposes the printing service to the POS frontend over
// HTTP and WebSocket, plus the Prometheus metrics endpoint.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordely/printbridge/joblog"
	"github.com/ordely/printbridge/service"
)

// Config holds the listen address of the bridge server.
type Config struct {
	Host string
	Port int
}

// Server is the HTTP/WebSocket bridge over the printing service.
type Server struct {
	cfg        Config
	mux        *http.ServeMux
	httpServer *http.Server
	svc        *service.Service
	jobs       *joblog.Manager
	hub        *Hub
}

// NewServer creates the bridge server and registers its routes.
func NewServer(cfg Config, svc *service.Service, jobs *joblog.Manager) *Server {
	s := &Server{
		cfg:  cfg,
		mux:  http.NewServeMux(),
		svc:  svc,
		jobs: jobs,
		hub:  NewHub(),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: corsMiddleware(s.mux),
	}
	return s
}

// Hub returns the WebSocket hub for event broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAddDevice)
	s.mux.HandleFunc("POST /api/devices/discover", s.handleDiscover)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleRemoveDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/active", s.handleSetActive)
	s.mux.HandleFunc("POST /api/devices/{id}/retry", s.handleRetryDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/test", s.handleTestPrint)

	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)

	s.mux.HandleFunc("POST /api/print", s.handlePrintOrder)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/jobs/totals", s.handleJobTotals)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /websocket", s.hub.HandleWebSocket)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"result": "printbridge"})
}

// Start begins serving HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	log.Printf("bridge: serving on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for the POS frontend.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
