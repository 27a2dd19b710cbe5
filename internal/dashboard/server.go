package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /status (loopback only) and optionally /metrics.
type Server struct {
	svc     *Service
	httpSrv *http.Server
	logger  *slog.Logger
}

func NewServer(addr string, svc *Service, withMetrics bool, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger.With("component", "dashboard"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	if withMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !fromLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sum, err := s.svc.Summary(r.Context())
	if err != nil {
		s.logger.Error("building summary failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sum); err != nil {
		s.logger.Debug("writing summary failed", "err", err)
	}
}

func fromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FetchSummary reads /status from a running panel at addr.
func FetchSummary(ctx context.Context, addr string) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return Summary{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("dashboard: fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Summary{}, fmt.Errorf("dashboard: fetch status: %s", resp.Status)
	}
	var sum Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		return Summary{}, fmt.Errorf("dashboard: decode status: %w", err)
	}
	return sum, nil
}
