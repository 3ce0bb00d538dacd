package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/ballast/internal/connect"
	"github.com/3cpo-dev/ballast/internal/core"
	"github.com/3cpo-dev/ballast/internal/ecs"
	"github.com/3cpo-dev/ballast/internal/metadata"
	"github.com/3cpo-dev/ballast/internal/provision"
	"github.com/3cpo-dev/ballast/internal/quorum"
	bssh "github.com/3cpo-dev/ballast/internal/ssh"
	"github.com/3cpo-dev/ballast/internal/stage"
	"github.com/3cpo-dev/ballast/pkg/api"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Resolve the ECS client and the coordinator built on it
func resolveCoordinator(cmd *cobra.Command) (*provision.Coordinator, *ecs.Client, core.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, cfg, err
	}
	client, err := ecs.NewFromEnv(cmd.Context(), cfg.AWS.Region, cfg.AWS.Endpoint, cfg.Cluster, cfg.ECSTimeouts())
	if err != nil {
		return nil, nil, cfg, err
	}
	return provision.New(client, cfg.ProvisionOptions()), client, cfg, nil
}

func resolveTaskDefinition(cfg core.Config, role string) (string, error) {
	td := cfg.TaskDefinition(role)
	if td == "" {
		return "", fmt.Errorf("no task definition configured for %s", role)
	}
	return td, nil
}

// Provision the whole cluster and run the benchmark
func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Provision a cluster, wait for quorum and run the benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, cfg, err := resolveCoordinator(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateTrigger(); err != nil {
				return err
			}
			if cmd.Flags().Changed("executors") {
				cfg.Executor.Count, _ = cmd.Flags().GetInt("executors")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				log.Warn().Err(err).Msg("Run history disabled")
				store = nil
			} else {
				defer store.Close()
			}
			connOpts := cfg.ConnectOptions()
			tr := &core.Trigger{
				Provisioner: coord,
				Quorum: &quorum.Waiter{
					PollInterval:  cfg.Quorum.PollInterval,
					RetryInterval: cfg.Quorum.RetryInterval,
				},
				Dial: func(ctx context.Context, endpoint string) (io.Closer, error) {
					conn, err := connect.Dial(ctx, endpoint, connOpts)
					if err != nil {
						return nil, err
					}
					return conn, nil
				},
				Store:          store,
				QuorumDeadline: cfg.Quorum.Deadline,
			}
			run, err := tr.Run(cmd.Context(), core.TriggerRequest{
				Cluster: cfg.Cluster,
				Spec: api.ClusterSpec{
					SchedulerTaskDefinition: cfg.Scheduler.TaskDefinition,
					ExecutorTaskDefinition:  cfg.Executor.TaskDefinition,
					Executors:               cfg.Executor.Count,
					SecurityGroup:           cfg.Network.SecurityGroup,
					Subnets:                 cfg.Network.Subnets,
				},
				Port:      cfg.Scheduler.Port,
				StatePort: cfg.Sidecar.Port,
				Benchmark: core.Benchmark{
					Command: cfg.Benchmark.Command,
					Args:    cfg.Benchmark.Args,
					Env:     cfg.Benchmark.Env,
					Stdout:  os.Stdout,
					Stderr:  os.Stderr,
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("run %s %s in %s (scheduler %s)\n", run.ID, run.Status, run.Duration.Round(time.Millisecond), run.SchedulerIP)
			return nil
		},
	}
	cmd.Flags().Int("executors", 0, "number of executors (overrides config)")
	return cmd
}

// Get or start tasks for one role
func newProvisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Ensure COUNT tasks of a task definition are running and print their addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			count, _ := cmd.Flags().GetInt("count")
			coord, _, cfg, err := resolveCoordinator(cmd)
			if err != nil {
				return err
			}
			td, err := resolveTaskDefinition(cfg, role)
			if err != nil {
				return err
			}
			ips, err := coord.GetOrProvision(cmd.Context(), provision.Request{
				TaskDefinition: td,
				SecurityGroup:  cfg.Network.SecurityGroup,
				Subnets:        cfg.Network.Subnets,
				Count:          count,
			})
			if err != nil {
				return err
			}
			for _, ip := range ips {
				fmt.Println(ip)
			}
			return nil
		},
	}
	cmd.Flags().String("role", "executor", "scheduler, executor or a task definition ARN")
	cmd.Flags().Int("count", 1, "number of tasks")
	return cmd
}

// Poll task ARNs until they have addresses
func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the given tasks report private addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, _ := cmd.Flags().GetStringSlice("tasks")
			coord, _, _, err := resolveCoordinator(cmd)
			if err != nil {
				return err
			}
			ips, err := coord.WaitForProvisioning(cmd.Context(), tasks)
			if err != nil {
				return err
			}
			for i, ip := range ips {
				fmt.Printf("%s\t%s\n", tasks[i], ip)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("tasks", nil, "task ARNs")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

// List running tasks
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List running tasks of a task definition family",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			_, client, cfg, err := resolveCoordinator(cmd)
			if err != nil {
				return err
			}
			td, err := resolveTaskDefinition(cfg, role)
			if err != nil {
				return err
			}
			family, err := client.DescribeFamily(cmd.Context(), td)
			if err != nil {
				return err
			}
			arns, err := client.ListRunningTasks(cmd.Context(), family)
			if err != nil {
				return err
			}
			tasks, err := client.DescribeTasks(cmd.Context(), arns)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tADDRESS")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Arn, t.LastStatus, t.PrivateAddress)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("role", "executor", "scheduler, executor or a task definition ARN")
	return cmd
}

// Stop every running task of a role
func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Stop all running tasks of a task definition family",
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, _ := cmd.Flags().GetStringSlice("role")
			reason, _ := cmd.Flags().GetString("reason")
			coord, _, cfg, err := resolveCoordinator(cmd)
			if err != nil {
				return err
			}
			for _, role := range roles {
				td, err := resolveTaskDefinition(cfg, role)
				if err != nil {
					return err
				}
				stopped, err := coord.Teardown(cmd.Context(), td, reason)
				if err != nil {
					return err
				}
				fmt.Printf("stopped %d %s tasks\n", len(stopped), role)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("role", []string{"executor", "scheduler"}, "roles or task definition ARNs to stop")
	cmd.Flags().String("reason", "ballast delete", "stop reason recorded by ECS")
	return cmd
}

// Print the address of the task we run in
func newSelfIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-ip",
		Short: "Print this task's private address from the ECS metadata endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			d, err := metadata.FromEnv()
			if err != nil {
				return err
			}
			d.PollInterval = cfg.Metadata.PollInterval
			ip, err := d.DiscoverOwnAddress(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(ip)
			return nil
		},
	}
}

// Wait for executors to register with a scheduler
func newQuorumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quorum",
		Short: "Wait until a scheduler reports at least MIN executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			minCount, _ := cmd.Flags().GetInt("min")
			noExtend, _ := cmd.Flags().GetBool("no-extend")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Sidecar.Port
			}
			ctx := cmd.Context()
			if cfg.Quorum.Deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Quorum.Deadline)
				defer cancel()
			}
			w := &quorum.Waiter{PollInterval: cfg.Quorum.PollInterval, RetryInterval: cfg.Quorum.RetryInterval, NoExtend: noExtend}
			state, err := w.WaitForExecutors(ctx, host, port, minCount)
			if err != nil {
				return err
			}
			for _, e := range state.Executors {
				fmt.Printf("%s\t%s:%d\n", e.ID, e.Host, e.Port)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "scheduler address")
	cmd.Flags().Int("port", 0, "state endpoint port (defaults to sidecar.port)")
	cmd.Flags().Int("min", 1, "executors required")
	cmd.Flags().Bool("no-extend", false, "do not extend the scheduler's idle lease")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// Copy the benchmark tables onto the data volume
func newStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Copy missing TPC-H tables into the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.Stage.DataDir = dir
			}
			src, closeSrc, err := openSource(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSrc()
			st := &stage.Stager{Source: src, Dir: cfg.Stage.DataDir, Tables: cfg.Stage.Tables}
			rep, err := st.Stage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("staged %d tables (%s), %d already present\n", len(rep.Fetched), humanize.Bytes(uint64(rep.Bytes)), len(rep.Skipped))
			return nil
		},
	}
	cmd.Flags().String("dir", "", "data directory (overrides config)")
	cmd.AddCommand(newStageKeygenCmd())
	cmd.AddCommand(newStageTrustCmd())
	return cmd
}

func openSource(ctx context.Context, cfg core.Config) (stage.Source, func(), error) {
	switch cfg.Stage.Source {
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return stage.NewS3SourceFromConfig(awsCfg, cfg.Stage.Bucket, cfg.Stage.Prefix), func() {}, nil
	case "sftp":
		s := cfg.Stage.SFTP
		signer, err := bssh.LoadPrivateKeySigner(s.KeyPath)
		if err != nil {
			return nil, nil, err
		}
		kh, err := bssh.LoadKnownHostsCallback(s.KnownHosts)
		if err != nil {
			return nil, nil, err
		}
		c := &bssh.Client{Addr: s.Addr, User: s.User, Signer: signer, KnownHosts: kh, Timeout: 15 * time.Second, Retries: 2, Backoff: 500 * time.Millisecond}
		src, err := stage.DialSFTP(ctx, c, s.RemoteDir)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown stage source %q (want s3 or sftp)", cfg.Stage.Source)
}

func newStageKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key used for SFTP staging and print its public half",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Stage.SFTP.KeyPath
			if path == "" {
				return fmt.Errorf("stage.sftp.key_path is not set")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			pub, err := bssh.GenerateEd25519Keypair(path, "ballast-stage")
			if err != nil {
				return err
			}
			fmt.Print(pub)
			return nil
		},
	}
	return cmd
}

func newStageTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust HOST KEY...",
		Short: "Add an SFTP host key to the staging known_hosts file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kh := cfg.Stage.SFTP.KnownHosts
			if kh == "" {
				return fmt.Errorf("stage.sftp.known_hosts is not set")
			}
			if err := bssh.AppendKnownHost(kh, args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Printf("trusted %s in %s\n", args[0], filepath.Clean(kh))
			return nil
		},
	}
	return cmd
}

// Show recorded runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent benchmark runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCLUSTER\tSTATUS\tEXECUTORS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.Cluster, r.Status, r.Executors,
					humanize.Time(r.StartedAt), r.Duration.Round(time.Millisecond), r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}
