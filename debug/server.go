// Package debug exposes a minimal HTTP introspection endpoint over a
// node's registry snapshot, for operators diagnosing a running shmros host
// without attaching a debugger to any one process. It is entirely optional
// — nothing in the pub/sub path depends on it.
package debug

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shmros/shmros/registry"
)

// Server serves registry introspection over HTTP.
type Server struct {
	reg *registry.Registry
	mux chi.Router
}

// NewServer builds a Server reading from reg.
func NewServer(reg *registry.Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s := &Server{reg: reg, mux: r}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/registry", s.handleRegistry)
	r.Get("/registry/nodes", s.handleNodes)
	r.Get("/registry/topics", s.handleTopics)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap.Nodes)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap.Topics)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
