package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ballast/internal/lease"
	"github.com/3cpo-dev/ballast/internal/telemetry"
	"github.com/3cpo-dev/ballast/pkg/api"
)

type clock struct{ ns atomic.Int64 }

func (c *clock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *clock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type staticSource struct {
	calls int32
	ip    string
	err   error
}

func (s *staticSource) DiscoverOwnAddress(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.ip, s.err
}

func newTestServer(t *testing.T, c *clock) (*Server, http.Handler) {
	t.Helper()
	scheduler := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/state", r.URL.Path)
		_ = json.NewEncoder(w).Encode(api.SchedulerState{Executors: []api.ExecutorRegistration{{ID: "e1", Host: "10.0.0.2", Port: 50051}}})
	}))
	t.Cleanup(scheduler.Close)
	u, err := url.Parse(scheduler.URL)
	require.NoError(t, err)

	c.ns.Store(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	s := &Server{
		Version:   "test",
		Lease:     lease.New(lease.Options{Window: 300 * time.Second, Now: c.Now}),
		Scheduler: u,
		Self:      &staticSource{ip: "10.0.0.1"},
		Metrics:   telemetry.NewCollector(),
	}
	return s, s.Router()
}

func TestStateIsProxiedAndExtendsLease(t *testing.T) {
	c := &clock{}
	s, h := newTestServer(t, c)

	c.Advance(200 * time.Second)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var state api.SchedulerState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	assert.Len(t, state.Executors, 1)
	assert.Equal(t, 200*time.Second, s.Lease.Idle(), "plain poll must not extend")

	req = httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set(api.HeaderLifetime, api.LifetimeExtend)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Zero(t, s.Lease.Idle())
}

func TestStateSchedulerDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u, _ := url.Parse("http://" + l.Addr().String())
	require.NoError(t, l.Close())

	s := &Server{Scheduler: u, Metrics: telemetry.NewCollector()}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHeartbeatAndHealth(t *testing.T) {
	c := &clock{}
	_, h := newTestServer(t, c)
	c.Advance(30 * time.Second)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hb))
	assert.Equal(t, "test", hb.Version)
	assert.Equal(t, 30.0, hb.IdleSeconds)
	assert.Equal(t, 300.0, hb.WindowSeconds)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	c.Advance(300 * time.Second)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSelfIsCached(t *testing.T) {
	c := &clock{}
	s, h := newTestServer(t, c)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/self", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		var resp SelfResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "10.0.0.1", resp.Address)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.Self.(*staticSource).calls))
}

type slowSource struct {
	calls   int32
	release chan struct{}
}

func (s *slowSource) DiscoverOwnAddress(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	select {
	case <-s.release:
		return "10.0.0.7", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSelfConcurrentRequestsShareDiscovery(t *testing.T) {
	src := &slowSource{release: make(chan struct{})}
	s := &Server{Self: src, Metrics: telemetry.NewCollector()}
	h := s.Router()

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/self", nil))
			codes[i] = rr.Code
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 1 }, 2*time.Second, time.Millisecond)

	// heartbeat must not wait on the pending discovery
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	close(src.release)
	wg.Wait()
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestSelfFailureIsNotCached(t *testing.T) {
	src := &staticSource{err: errors.New("metadata unavailable")}
	s := &Server{Self: src, Metrics: telemetry.NewCollector()}
	h := s.Router()
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/self", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestMetricsEndpoint(t *testing.T) {
	c := &clock{}
	s, h := newTestServer(t, c)
	s.Metrics.Counter("probe_total", 1, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ballast_probe_total 1")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{Metrics: telemetry.NewCollector()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/v0/heartbeat")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestMTLSMiddlewareRequiresCertificate(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestTLSConfigDisabledWithoutCert(t *testing.T) {
	assert.False(t, TLSConfig{}.Enabled())
	_, err := TLSConfig{}.Build()
	assert.Error(t, err)
}
