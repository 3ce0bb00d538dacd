package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/pkg/api"
)

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	host, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func executors(n int) api.SchedulerState {
	s := api.SchedulerState{Executors: []api.ExecutorRegistration{}}
	for i := 0; i < n; i++ {
		s.Executors = append(s.Executors, api.ExecutorRegistration{ID: fmt.Sprint(i), Host: "10.0.0.1", Port: 50051 + i})
	}
	return s
}

func TestWaitForExecutorsReturnsOnceQuorumObserved(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/state", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "extend", r.Header.Get("x-lifetime"))
		n := atomic.AddInt32(&polls, 1)
		_ = json.NewEncoder(w).Encode(executors(int(n)))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	w := &Waiter{PollInterval: time.Millisecond, RetryInterval: time.Millisecond}
	state, err := w.WaitForExecutors(context.Background(), host, port, 2)
	require.NoError(t, err)
	assert.Len(t, state.Executors, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&polls))
}

func TestWaitForExecutorsNoExtend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-lifetime"))
		_ = json.NewEncoder(w).Encode(executors(1))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	w := &Waiter{NoExtend: true}
	_, err := w.WaitForExecutors(context.Background(), host, port, 1)
	require.NoError(t, err)
}

func TestWaitForExecutorsRetriesUntilSchedulerUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executors(3))
	}))
	started := make(chan struct{})
	go func() {
		defer close(started)
		time.Sleep(30 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		srv.Listener.Close()
		srv.Listener = l
		srv.Start()
	}()
	defer func() {
		<-started
		srv.Close()
	}()

	host, port := hostPort(t, "http://"+addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := &Waiter{PollInterval: time.Millisecond, RetryInterval: 5 * time.Millisecond}
	state, err := w.WaitForExecutors(ctx, host, port, 3)
	require.NoError(t, err)
	assert.Len(t, state.Executors, 3)
}

func TestWaitForExecutorsDeadlineNamesLastState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executors(1))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	w := &Waiter{PollInterval: 5 * time.Millisecond}
	_, err := w.WaitForExecutors(ctx, host, port, 2)
	var te *fault.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "1/2 executors registered", te.LastState)
}

func TestWaitForExecutorsToleratesNonJSONState(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) == 1 {
			w.Write([]byte("booting"))
			return
		}
		_ = json.NewEncoder(w).Encode(executors(1))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	w := &Waiter{PollInterval: time.Millisecond}
	_, err := w.WaitForExecutors(context.Background(), host, port, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&polls))
}
