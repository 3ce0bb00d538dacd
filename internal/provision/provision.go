package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/ballast/internal/ecs"
	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/internal/telemetry"
)

// TaskClient is what the coordinator needs from the cloud task API.
type TaskClient interface {
	DescribeFamily(ctx context.Context, taskDefinition string) (string, error)
	ListRunningTasks(ctx context.Context, family string) ([]string, error)
	StartTask(ctx context.Context, req ecs.StartRequest) (ecs.RunResult, error)
	DescribeTasks(ctx context.Context, arns []string) ([]ecs.Task, error)
	StopTask(ctx context.Context, arn, reason string) error
}

// Options tunes the coordinator. Zero values take the defaults.
type Options struct {
	// FanOut caps concurrent create calls.
	FanOut int
	// SettleDelay is waited after creating tasks and before describing them.
	// Negative disables it.
	SettleDelay time.Duration
	// PollInterval separates describe calls while waiting for addresses.
	PollInterval time.Duration
	// Deadline bounds WaitForProvisioning. Zero waits until ctx ends.
	Deadline time.Duration
}

func DefaultOptions() Options {
	return Options{
		FanOut:       5,
		SettleDelay:  time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

// Request is one provisioning call.
type Request struct {
	TaskDefinition string
	SecurityGroup  string
	Subnets        []string
	Count          int
}

// Coordinator reuses running tasks and starts only the shortfall.
type Coordinator struct {
	client TaskClient
	opts   Options
}

func New(client TaskClient, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.FanOut <= 0 {
		opts.FanOut = def.FanOut
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Coordinator{client: client, opts: opts}
}

// GetOrProvision returns the private addresses of Count tasks of the given
// definition, starting new tasks only for the shortfall against the tasks
// already running. Running tasks come first in the result, then new ones.
// Tasks started before a failure are left running.
func (c *Coordinator) GetOrProvision(ctx context.Context, req Request) ([]string, error) {
	if req.Count < 0 {
		return nil, &fault.ConfigError{Key: "count", Reason: fmt.Sprintf("must not be negative, got %d", req.Count)}
	}
	if req.Count == 0 {
		return []string{}, nil
	}
	start := time.Now()

	family, err := c.client.DescribeFamily(ctx, req.TaskDefinition)
	if err != nil {
		return nil, fmt.Errorf("describe task definition: %w", err)
	}
	existing, err := c.client.ListRunningTasks(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	if len(existing) > req.Count {
		existing = existing[:req.Count]
	}
	missing := req.Count - len(existing)
	log.Info().Str("family", family).Int("running", len(existing)).Int("missing", missing).Msg("Provisioning tasks")

	arns := existing
	if missing > 0 {
		created, err := c.startTasks(ctx, req, family, missing)
		if err != nil {
			return nil, err
		}
		if err := sleep(ctx, c.opts.SettleDelay); err != nil {
			return nil, err
		}
		arns = append(append([]string{}, existing...), created...)
	}

	addrs, err := c.WaitForProvisioning(ctx, arns)
	if err != nil {
		return nil, err
	}
	telemetry.TimerGlobal("provision_duration_seconds", time.Since(start), map[string]string{"family": family})
	return addrs, nil
}

// startTasks issues n single-task create calls, at most FanOut in flight.
// The first failure cancels the rest and is returned.
func (c *Coordinator) startTasks(ctx context.Context, req Request, family string, n int) ([]string, error) {
	created := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FanOut)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := c.client.StartTask(gctx, ecs.StartRequest{
				TaskDefinition: req.TaskDefinition,
				SecurityGroup:  req.SecurityGroup,
				Subnets:        req.Subnets,
			})
			if err == nil {
				err = res.Err()
			}
			if err != nil {
				telemetry.CounterGlobal("task_start_failures_total", 1, map[string]string{"family": family})
				return fmt.Errorf("start task %d of %d: %w", i+1, n, err)
			}
			telemetry.CounterGlobal("tasks_started_total", 1, map[string]string{"family": family})
			created[i] = res.Tasks[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		started := lo.Compact(created)
		if len(started) > 0 {
			log.Warn().Err(err).Strs("tasks", started).Msg("Provisioning aborted, started tasks left running")
		}
		return nil, err
	}
	return created, nil
}

// WaitForProvisioning polls the given tasks until each one has a private
// address and returns the addresses in the order of arns. Describe errors are
// returned immediately. When ctx ends first, or the Deadline option expires,
// the error is a TimeoutError naming the tasks still pending.
func (c *Coordinator) WaitForProvisioning(ctx context.Context, arns []string) ([]string, error) {
	if len(arns) == 0 {
		return []string{}, nil
	}
	if c.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Deadline)
		defer cancel()
	}
	start := time.Now()
	found := make(map[string]string, len(arns))
	var pending []string
	for {
		tasks, err := c.client.DescribeTasks(ctx, arns)
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitTimeout(ctx, start, arns, pending)
			}
			return nil, fmt.Errorf("describe tasks: %w", err)
		}
		for _, t := range tasks {
			if t.PrivateAddress != "" {
				found[t.Arn] = t.PrivateAddress
			}
		}
		pending = lo.Filter(arns, func(arn string, _ int) bool {
			_, ok := found[arn]
			return !ok
		})
		if len(pending) == 0 {
			return lo.Map(arns, func(arn string, _ int) string { return found[arn] }), nil
		}
		telemetry.CounterGlobal("poll_iterations_total", 1, map[string]string{"loop": "readiness"})
		log.Debug().Int("ready", len(arns)-len(pending)).Int("total", len(arns)).Msg("Waiting for task addresses")

		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return nil, waitTimeout(ctx, start, arns, pending)
		}
	}
}

// Teardown stops every running task of the definition's family and returns
// the ARNs it stopped.
func (c *Coordinator) Teardown(ctx context.Context, taskDefinition, reason string) ([]string, error) {
	family, err := c.client.DescribeFamily(ctx, taskDefinition)
	if err != nil {
		return nil, fmt.Errorf("describe task definition: %w", err)
	}
	running, err := c.client.ListRunningTasks(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FanOut)
	for _, arn := range running {
		arn := arn
		g.Go(func() error {
			return c.client.StopTask(gctx, arn, reason)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return running, nil
}

func waitTimeout(ctx context.Context, start time.Time, arns, pending []string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("wait for provisioning: %w", ctx.Err())
	}
	if pending == nil {
		pending = arns
	}
	return &fault.TimeoutError{
		Op:        "wait for provisioning",
		Budget:    time.Since(start).Round(time.Millisecond),
		LastState: fmt.Sprintf("%d/%d tasks without address: %s", len(pending), len(arns), strings.Join(pending, ", ")),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
