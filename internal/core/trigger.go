package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ballast/internal/provision"
	"github.com/3cpo-dev/ballast/internal/telemetry"
	"github.com/3cpo-dev/ballast/pkg/api"
)

// Provisioner returns the addresses of Count running tasks.
type Provisioner interface {
	GetOrProvision(ctx context.Context, req provision.Request) ([]string, error)
}

// QuorumWaiter blocks until the scheduler reports enough executors.
type QuorumWaiter interface {
	WaitForExecutors(ctx context.Context, host string, port, minCount int) (api.SchedulerState, error)
}

// DialFunc opens the control connection to the scheduler.
type DialFunc func(ctx context.Context, endpoint string) (io.Closer, error)

// Benchmark describes the command run once the cluster is ready. An empty
// Command skips the benchmark.
type Benchmark struct {
	Command string
	Args    []string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Trigger runs a benchmark on an ephemeral cluster: scheduler, executors,
// quorum, control connection, benchmark.
type Trigger struct {
	Provisioner Provisioner
	Quorum      QuorumWaiter
	Dial        DialFunc
	Store       *Store
	// QuorumDeadline bounds the quorum wait. Zero waits until ctx ends.
	QuorumDeadline time.Duration
}

// TriggerRequest is one benchmark run. Port is the scheduler's gRPC port.
// StatePort is where the state endpoint is polled for quorum, normally the
// sidecar in front of the scheduler so each poll extends its lease. Zero
// polls Port directly.
type TriggerRequest struct {
	Cluster   string
	Spec      api.ClusterSpec
	Port      int
	StatePort int
	Benchmark Benchmark
}

// Run provisions the cluster, waits for it to be usable and runs the
// benchmark. Any error aborts the run; tasks already started keep running.
func (t *Trigger) Run(ctx context.Context, req TriggerRequest) (Run, error) {
	run := NewRun(req.Cluster, req.Spec.Executors)
	run.Status = api.RunRunning
	t.record(ctx, run)

	schedulerIP, err := t.run(ctx, req)
	run.SchedulerIP = schedulerIP
	run.FinishedAt = time.Now().UTC()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	run.Status = api.RunSucceeded
	if err != nil {
		run.Status = api.RunFailed
		run.Error = err.Error()
	}
	// the caller's context may be done by now; the record must still land
	t.record(context.WithoutCancel(ctx), run)
	telemetry.CounterGlobal("trigger_runs_total", 1, map[string]string{"status": string(run.Status)})
	return run, err
}

func (t *Trigger) run(ctx context.Context, req TriggerRequest) (string, error) {
	spec := req.Spec
	schedulers, err := t.Provisioner.GetOrProvision(ctx, provision.Request{
		TaskDefinition: spec.SchedulerTaskDefinition,
		SecurityGroup:  spec.SecurityGroup,
		Subnets:        spec.Subnets,
		Count:          1,
	})
	if err != nil {
		return "", fmt.Errorf("provision scheduler: %w", err)
	}
	if len(schedulers) == 0 {
		return "", errors.New("provision scheduler: no address returned")
	}
	schedulerIP := schedulers[0]
	log.Info().Str("scheduler", schedulerIP).Msg("Scheduler ready")

	executors, err := t.Provisioner.GetOrProvision(ctx, provision.Request{
		TaskDefinition: spec.ExecutorTaskDefinition,
		SecurityGroup:  spec.SecurityGroup,
		Subnets:        spec.Subnets,
		Count:          spec.Executors,
	})
	if err != nil {
		return schedulerIP, fmt.Errorf("provision executors: %w", err)
	}
	log.Info().Strs("executors", executors).Msg("Executors have addresses")

	qctx := ctx
	if t.QuorumDeadline > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, t.QuorumDeadline)
		defer cancel()
	}
	statePort := req.StatePort
	if statePort == 0 {
		statePort = req.Port
	}
	if _, err := t.Quorum.WaitForExecutors(qctx, schedulerIP, statePort, spec.Executors); err != nil {
		return schedulerIP, fmt.Errorf("wait for executors: %w", err)
	}

	endpoint := net.JoinHostPort(schedulerIP, strconv.Itoa(req.Port))
	conn, err := t.Dial(ctx, endpoint)
	if err != nil {
		return schedulerIP, err
	}
	defer conn.Close()

	if err := runBenchmark(ctx, req.Benchmark, schedulerIP, req.Port); err != nil {
		return schedulerIP, err
	}
	return schedulerIP, nil
}

func runBenchmark(ctx context.Context, b Benchmark, host string, port int) error {
	if b.Command == "" {
		log.Info().Msg("No benchmark command configured, cluster is ready")
		return nil
	}
	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.Env = append(cmd.Env,
		"BALLAST_SCHEDULER_HOST="+host,
		"BALLAST_SCHEDULER_PORT="+strconv.Itoa(port),
	)
	cmd.Stdout = b.Stdout
	cmd.Stderr = b.Stderr
	start := time.Now()
	err := cmd.Run()
	telemetry.TimerGlobal("benchmark_duration_seconds", time.Since(start), nil)
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return fmt.Errorf("benchmark %s exited with %d", b.Command, exit.ExitCode())
		}
		return fmt.Errorf("benchmark %s: %w", b.Command, err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("Benchmark finished")
	return nil
}

func (t *Trigger) record(ctx context.Context, r Run) {
	if t.Store == nil {
		return
	}
	if err := t.Store.RecordRun(ctx, r); err != nil {
		log.Warn().Err(err).Str("run", r.ID).Msg("Failed to record run")
	}
}
