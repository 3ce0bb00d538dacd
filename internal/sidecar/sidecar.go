package sidecar

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/3cpo-dev/ballast/internal/lease"
	"github.com/3cpo-dev/ballast/internal/telemetry"
	"github.com/3cpo-dev/ballast/pkg/api"
)

// AddressSource finds the address of the task the sidecar runs in.
type AddressSource interface {
	DiscoverOwnAddress(ctx context.Context) (string, error)
}

// Server sits next to the scheduler. It forwards state polls, extends the
// idle lease when asked to and exposes health and metrics.
type Server struct {
	Version   string
	Lease     *lease.Ticker
	Scheduler *url.URL
	Self      AddressSource
	Metrics   *telemetry.Collector

	selfMu    sync.Mutex
	selfIP    string
	selfGroup singleflight.Group
	healthy   *telemetry.Health
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	if s.Metrics == nil {
		s.Metrics = telemetry.GetGlobal()
	}
	s.healthy = telemetry.NewHealth()
	s.healthy.Register("lease", s.leaseCheck)

	r := mux.NewRouter()
	r.Use(s.extendLease)
	r.Handle("/state", s.stateProxy()).Methods(http.MethodGet)
	r.HandleFunc("/v0/heartbeat", s.heartbeat).Methods(http.MethodGet)
	r.HandleFunc("/self", s.self).Methods(http.MethodGet)
	r.Handle("/health", s.healthy.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	return r
}

// extendLease touches the lease for any request that asks for it.
func (s *Server) extendLease(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Lease != nil && r.Header.Get(api.HeaderLifetime) == api.LifetimeExtend {
			s.Lease.Touch()
			telemetry.CounterGlobal("lease_extensions_total", 1, nil)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) stateProxy() http.Handler {
	if s.Scheduler == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		})
	}
	p := httputil.NewSingleHostReverseProxy(s.Scheduler)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Debug().Err(err).Str("scheduler", s.Scheduler.String()).Msg("Scheduler unreachable")
		http.Error(w, "scheduler unreachable", http.StatusBadGateway)
	}
	return p
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	h := HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version}
	if s.Lease != nil {
		h.IdleSeconds = s.Lease.Idle().Seconds()
		h.WindowSeconds = s.Lease.Window().Seconds()
	}
	writeJSON(w, h)
}

func (s *Server) self(w http.ResponseWriter, r *http.Request) {
	s.selfMu.Lock()
	ip := s.selfIP
	s.selfMu.Unlock()
	if ip == "" {
		if s.Self == nil {
			http.Error(w, "self discovery not configured", http.StatusServiceUnavailable)
			return
		}
		// concurrent callers share one discovery; none holds selfMu across it
		v, err, _ := s.selfGroup.Do("self", func() (any, error) {
			s.selfMu.Lock()
			cached := s.selfIP
			s.selfMu.Unlock()
			if cached != "" {
				return cached, nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()
			ip, err := s.Self.DiscoverOwnAddress(ctx)
			if err != nil {
				return "", err
			}
			s.selfMu.Lock()
			s.selfIP = ip
			s.selfMu.Unlock()
			return ip, nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		ip = v.(string)
	}
	writeJSON(w, SelfResponse{Address: ip})
}

func (s *Server) leaseCheck() telemetry.HealthCheck {
	if s.Lease == nil {
		return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Message: "no lease"}
	}
	idle := s.Lease.Idle()
	check := telemetry.HealthCheck{
		Status:  telemetry.HealthStatusHealthy,
		Message: fmt.Sprintf("idle %s of %s", idle.Round(time.Second), s.Lease.Window()),
		Details: map[string]string{"last_touch": s.Lease.LastTouch().UTC().Format(time.RFC3339)},
	}
	if s.Lease.Expired() {
		check.Status = telemetry.HealthStatusUnhealthy
	} else if idle > s.Lease.Window()*3/4 {
		check.Status = telemetry.HealthStatusDegraded
	}
	return check
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves on addr until ctx ends, then shuts down gracefully. A non-nil
// tlsConfig serves HTTPS.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, tlsConfig)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	handler := s.Router()
	if tlsConfig != nil {
		handler = MTLSMiddleware(tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert)(handler)
		ln = tls.NewListener(ln, tlsConfig)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsConfig != nil).Msg("Sidecar listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
