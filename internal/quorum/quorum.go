package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/internal/telemetry"
	"github.com/3cpo-dev/ballast/pkg/api"
)

// Waiter polls a scheduler's state endpoint until enough executors have
// registered. Every poll also extends the scheduler's idle lease unless
// NoExtend is set.
type Waiter struct {
	HTTPClient *http.Client
	// PollInterval follows a poll that saw too few executors.
	PollInterval time.Duration
	// RetryInterval follows a poll that could not reach the scheduler.
	RetryInterval time.Duration
	NoExtend      bool
}

func (w *Waiter) defaults() (*http.Client, time.Duration, time.Duration) {
	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	retry := w.RetryInterval
	if retry <= 0 {
		retry = 500 * time.Millisecond
	}
	return client, poll, retry
}

// WaitForExecutors blocks until http://host:port/state lists at least
// minCount executors and returns that state. Connection failures are
// expected while the scheduler boots and are retried.
func (w *Waiter) WaitForExecutors(ctx context.Context, host string, port, minCount int) (api.SchedulerState, error) {
	client, poll, retry := w.defaults()
	endpoint := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/state"
	lastState := "scheduler not reached"
	for {
		state, err := w.fetch(ctx, client, endpoint)
		wait := poll
		switch {
		case err == nil:
			n := len(state.Executors)
			telemetry.GaugeGlobal("quorum_executors", float64(n), nil)
			if n >= minCount {
				log.Info().Str("scheduler", endpoint).Int("executors", n).Msg("Executor quorum reached")
				return state, nil
			}
			lastState = fmt.Sprintf("%d/%d executors registered", n, minCount)
			log.Debug().Int("executors", n).Int("want", minCount).Msg("Waiting for executors")
		case errors.Is(err, errUnreachable):
			wait = retry
			lastState = "scheduler not reached"
			log.Warn().Err(err).Str("scheduler", endpoint).Msg("Scheduler not reachable yet")
		default:
			lastState = err.Error()
			log.Debug().Err(err).Str("scheduler", endpoint).Msg("Scheduler state not usable yet")
		}
		telemetry.CounterGlobal("poll_iterations_total", 1, map[string]string{"loop": "quorum"})

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return api.SchedulerState{}, &fault.TimeoutError{Op: "wait for executors at " + endpoint, LastState: lastState}
			}
			return api.SchedulerState{}, ctx.Err()
		case <-t.C:
		}
	}
}

var errUnreachable = errors.New("unreachable")

func (w *Waiter) fetch(ctx context.Context, client *http.Client, endpoint string) (api.SchedulerState, error) {
	var state api.SchedulerState
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return state, err
	}
	req.Header.Set("Accept", "application/json")
	if !w.NoExtend {
		req.Header.Set(api.HeaderLifetime, api.LifetimeExtend)
	}
	resp, err := client.Do(req)
	if err != nil {
		return state, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return state, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return state, fmt.Errorf("state endpoint returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
