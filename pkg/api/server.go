// Package api serves the read-only introspection HTTP API: daemon
// health, the local participant, its discovered peers, and the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/pkg/participant"
)

// Server is the introspection HTTP server.
type Server struct {
	httpServer  *http.Server
	participant *participant.Participant
}

// participantView is the JSON shape of one participant.
type participantView struct {
	Guid     string   `json:"guid"`
	Domain   uint32   `json:"domain"`
	Locators []string `json:"locators,omitempty"`
}

// New builds the server for one participant.
func New(addr string, p *participant.Participant, serveMetrics bool) *Server {
	s := &Server{participant: p}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/v1/participant", s.handleParticipant)
	r.Get("/api/v1/discovered", s.handleDiscovered)
	if serveMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run on its own goroutine.
func (s *Server) Start() error {
	logger.Info("Introspection API listening", "address", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleParticipant(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, participantView{
		Guid: s.participant.Guid().String(),
	})
}

func (s *Server) handleDiscovered(w http.ResponseWriter, _ *http.Request) {
	discovered := s.participant.DiscoveredParticipants()
	views := make([]participantView, 0, len(discovered))
	for _, pd := range discovered {
		v := participantView{
			Guid:   pd.Guid.String(),
			Domain: pd.DomainId,
		}
		for _, l := range pd.DefaultUnicast {
			v.Locators = append(v.Locators, l.String())
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode API response", "error", err)
	}
}
