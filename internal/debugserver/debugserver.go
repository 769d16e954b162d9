// Package debugserver exposes a loopback-only HTTP surface for operators:
// a liveness probe and the Prometheus scrape endpoint, grounded on the
// teacher's services/tracker/internal/api/health.go and prometheus.go.
package debugserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsnp/lsnp/internal/filetransfer"
	"github.com/lsnp/lsnp/internal/game"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/registry"
)

// Status is the /healthz response body.
type Status struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	Peers      int    `json:"peers_online"`
}

// Server is a loopback-only debug HTTP server. It is never bound to a
// non-loopback address: nothing behind it carries auth, and LSNP peers never
// need it, only the operator running this node.
type Server struct {
	addr      string
	startedAt time.Time
	reg       *registry.Registry
	srv       *http.Server
	log       *logger.Logger
}

// New builds a debug server bound to addr (expected to be a loopback
// address such as "127.0.0.1:9090"). reg feeds the peers_online count.
func New(addr string, reg *registry.Registry) *Server {
	s := &Server{
		addr:      addr,
		startedAt: time.Now(),
		reg:       reg,
		log:       logger.New("debugserver"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe runs the HTTP server until it errors or is shut down via
// Close; always returns a non-nil error (http.ErrServerClosed on a clean
// shutdown). It refuses to listen on an address that is not loopback.
func (s *Server) ListenAndServe() error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("debugserver: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("debugserver: %s is not a loopback address", s.addr)
	}
	s.log.Info("debug server listening on %s", s.addr)
	return s.srv.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := Status{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Peers:      len(s.reg.All()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// stateCounts are small helpers main.go uses to feed the ActiveFileTransfers
// / ActiveGames gauges from the two session maps; kept here rather than in
// filetransfer/game themselves since they're debug-surface concerns, not
// protocol ones.

// CountActiveTransfers returns the number of file transfers not yet in a
// terminal state.
func CountActiveTransfers(transfers []filetransfer.Transfer) int {
	n := 0
	for _, t := range transfers {
		switch t.State {
		case filetransfer.StateCompleted, filetransfer.StateFailed, filetransfer.StateCancelled:
		default:
			n++
		}
	}
	return n
}

// CountActiveGames returns the number of games not yet in a terminal state.
func CountActiveGames(games []game.Game) int {
	n := 0
	for _, g := range games {
		switch g.State {
		case game.StateWon, game.StateDrawn, game.StateCancelled, game.StateAbandoned:
		default:
			n++
		}
	}
	return n
}
