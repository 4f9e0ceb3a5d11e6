// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes /healthz, /status and /metrics beside the tick loop.
type Server struct {
	http *http.Server
	proc *Processor
}

// NewServer builds the status server on the processor's configured address.
func NewServer(p *Processor) *Server {
	s := &Server{proc: p}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", p.metrics.Handler())

	s.http = &http.Server{
		Addr:              p.cfg.StatusAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealthz is the liveness probe: database and Redis both reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true
	if h := s.proc.db.CheckHealth(ctx); !h.Healthy {
		checks["database"] = h.Error
		healthy = false
	}
	if err := s.proc.q.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}

// handleStatus reports operational state: queue depths, pause switches and
// tick freshness.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"environment":     s.proc.cfg.Environment,
		"lastTick":        s.proc.LastTick(),
		"pollingInterval": s.proc.cfg.PollingInterval.String(),
		"rebalancePaused": s.proc.switches.IsRebalancePaused(),
		"purchasePaused":  s.proc.switches.IsPurchasePaused(),
	}
	if st, err := s.proc.q.GetQueueStatus(ctx); err == nil {
		resp["queue"] = st
	} else {
		resp["queueError"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
