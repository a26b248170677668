// Package api serves read-only market state over HTTP. Every endpoint is a
// GET: observers can watch the market, never steer it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/engine"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/registry"
)

// summaryHistory bounds the in-memory cycle ring.
const summaryHistory = 48

// Server exposes the market over HTTP.
type Server struct {
	Feed     feed.Store
	Deals    deal.Store
	Registry registry.Registry
	Port     int
	Log      *slog.Logger

	startedAt time.Time

	mu        sync.Mutex
	summaries []*engine.CycleSummary

	httpSrv *http.Server
}

// Record appends a completed cycle's summary to the history ring.
func (s *Server) Record(sum *engine.CycleSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	if len(s.summaries) > summaryHistory {
		s.summaries = s.summaries[len(s.summaries)-summaryHistory:]
	}
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.startedAt = time.Now().UTC()

	limiter := NewRateLimiter(600, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", RateLimitMiddleware(limiter, s.handleStatus))
	mux.HandleFunc("/api/v1/cycles", RateLimitMiddleware(limiter, s.handleCycles))
	mux.HandleFunc("/api/v1/deals", RateLimitMiddleware(limiter, s.handleDeals))
	mux.HandleFunc("/api/v1/feed", RateLimitMiddleware(limiter, s.handleFeed))

	addr := fmt.Sprintf(":%d", s.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: corsMiddleware(mux)}
	s.Log.Info("HTTP API starting", "addr", addr)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Log.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// corsMiddleware allows localhost dev frontends plus any origins named in
// CORS_ORIGINS (comma-separated).
func corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowed[origin] = true
			}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agents, err := s.Registry.ActiveAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byRole := make(map[string]int)
	for _, a := range agents {
		byRole[string(a.Role)]++
	}

	s.mu.Lock()
	cycles := len(s.summaries)
	var last *engine.CycleSummary
	if cycles > 0 {
		last = s.summaries[cycles-1]
	}
	s.mu.Unlock()

	resp := map[string]any{
		"uptime":          humanize.Time(s.startedAt),
		"active_agents":   len(agents),
		"agents_by_role":  byRole,
		"cycles_recorded": cycles,
		"last_cycle":      last,
	}
	writeJSON(w, resp)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	out := make([]*engine.CycleSummary, len(s.summaries))
	copy(out, s.summaries)
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := market.DealStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = market.DealActive
	}
	deals, err := s.Deals.BilateralsByStatus(r.Context(), status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	crossRegion, err := s.Deals.CrossRegions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"bilateral":    deals,
		"cross_region": crossRegion,
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f := feed.Filter{Region: r.URL.Query().Get("region")}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		f.Kinds = []market.PostKind{market.PostKind(kind)}
	}
	active := true
	f.Active = &active

	posts, err := s.Feed.Query(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, posts)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
