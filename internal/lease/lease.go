package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ballast/internal/telemetry"
)

// ErrExpired is returned by Run when nobody touched the lease for a full window.
var ErrExpired = errors.New("lease expired")

// Options configures a Ticker. Zero values take the defaults.
type Options struct {
	Window time.Duration
	Tick   time.Duration
	// Now replaces the wall clock, for tests.
	Now func() time.Time
	// OnExpire runs once, right before Run returns ErrExpired.
	OnExpire func(idle time.Duration)
}

// Ticker watches a shared last-touch timestamp. Any goroutine may Touch it;
// Run is the only reader that acts on it.
type Ticker struct {
	window   time.Duration
	tick     time.Duration
	now      func() time.Time
	onExpire func(time.Duration)
	last     atomic.Int64
}

func New(opts Options) *Ticker {
	if opts.Window <= 0 {
		opts.Window = 300 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Ticker{window: opts.Window, tick: opts.Tick, now: opts.Now, onExpire: opts.OnExpire}
	t.Touch()
	return t
}

// Touch resets the lease to now. Safe for concurrent use, never blocks.
func (t *Ticker) Touch() {
	t.last.Store(t.now().UnixNano())
}

// LastTouch returns when the lease was last refreshed
func (t *Ticker) LastTouch() time.Time {
	return time.Unix(0, t.last.Load())
}

// Idle is the time since the last touch
func (t *Ticker) Idle() time.Duration {
	return t.now().Sub(t.LastTouch())
}

// Window returns the inactivity window
func (t *Ticker) Window() time.Duration { return t.window }

// Expired reports whether a full window has passed since the last touch.
func (t *Ticker) Expired() bool {
	return t.Idle() >= t.window
}

// Run checks the lease every tick until it expires or ctx ends. It never
// terminates the process; the caller decides what expiry means.
func (t *Ticker) Run(ctx context.Context) error {
	tk := time.NewTicker(t.tick)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			if t.check() {
				return ErrExpired
			}
		}
	}
}

func (t *Ticker) check() bool {
	idle := t.Idle()
	telemetry.GaugeGlobal("lease_idle_seconds", idle.Seconds(), nil)
	if idle < t.window {
		return false
	}
	log.Info().Dur("idle", idle).Dur("window", t.window).Msg("Lease expired, shutting down")
	if t.onExpire != nil {
		t.onExpire(idle)
	}
	return true
}
