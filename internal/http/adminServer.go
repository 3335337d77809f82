package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"ptchat/internal/api"
	"ptchat/internal/identity"
	"ptchat/internal/metrics"
	"ptchat/internal/registry"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(sessions *identity.Service, registry *registry.Registry, metrics *metrics.Metrics, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(sessions, registry)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/sessions", adminHandler.IssueSessionHandler)
	mux.HandleFunc("DELETE /admin/sessions", adminHandler.RevokeSessionHandler)
	mux.HandleFunc("POST /admin/tenants/{tenant}/conversations/{id}/reconcile", adminHandler.ReconcileHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
