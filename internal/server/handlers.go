package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/stats"
	"github.com/dgnsrekt/livetraffic/internal/window"
)

// Server holds the engine components the HTTP surface is built on.
type Server struct {
	counter  *window.Counter
	computer *stats.Computer
	hub      *hub.Hub
	clock    clock.Clock
	logger   *zap.Logger
}

func NewServer(counter *window.Counter, computer *stats.Computer, h *hub.Hub, clk clock.Clock, logger *zap.Logger) *Server {
	return &Server{
		counter:  counter,
		computer: computer,
		hub:      h,
		clock:    clk,
		logger:   logger,
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true}, false)
}

// GetSnapshot handles GET /api/snapshot with one freshly computed snapshot.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.computer.Compute(s.clock.Now())
	writeJSON(w, http.StatusOK, snap, r.URL.Query().Get("pretty") == "true")
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

// staticHandler serves files from dir and falls back to index.html for any
// path that is not a file, so client-side routes resolve.
func staticHandler(dir string, logger *zap.Logger) http.Handler {
	fileServer := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		full := filepath.Join(dir, filepath.FromSlash(name))

		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		// Extensionless paths may name an .html page.
		if !strings.Contains(path.Base(name), ".") {
			if info, err := os.Stat(full + ".html"); err == nil && !info.IsDir() {
				http.ServeFile(w, r, full+".html")
				return
			}
		}

		if _, err := os.Stat(index); err != nil {
			logger.Debug("static index missing", zap.String("dir", dir))
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	})
}
