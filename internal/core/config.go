package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/ballast/internal/connect"
	"github.com/3cpo-dev/ballast/internal/ecs"
	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/internal/lease"
	"github.com/3cpo-dev/ballast/internal/provision"
)

// Environment overrides. Values may also come from secrets.env.
const (
	EnvRegion             = "AWS_REGION"
	EnvEndpoint           = "BALLAST_ECS_ENDPOINT"
	EnvCluster            = "BALLAST_CLUSTER"
	EnvSchedulerTaskDef   = "BALLAST_SCHEDULER_TASK_DEFINITION"
	EnvExecutorTaskDef    = "BALLAST_EXECUTOR_TASK_DEFINITION"
	EnvSecurityGroup      = "BALLAST_SECURITY_GROUP"
	EnvSubnets            = "BALLAST_SUBNETS"
	EnvExecutorCount      = "BALLAST_EXECUTORS"
	EnvStageBucket        = "BALLAST_STAGE_BUCKET"
	EnvSchedulerStateURL  = "BALLAST_SCHEDULER_URL"
	EnvBenchmarkCommand   = "BALLAST_BENCHMARK_COMMAND"
	defaultSchedulerPort  = 50050
	defaultStageBucket    = "cloudfuse-taxi-data"
	defaultStagePrefix    = "tpch/tbl-s1"
	defaultStageDir       = "/mnt/data"
	defaultSidecarAddress = ":8080"
	defaultSidecarPort    = 8080
	// unsetCount marks an executor count nobody configured, so that an
	// explicit 0 survives defaulting.
	unsetCount = math.MinInt
)

type Config struct {
	AWS struct {
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"aws"`
	Cluster   string `yaml:"cluster"`
	Scheduler struct {
		TaskDefinition string `yaml:"task_definition"`
		Port           int    `yaml:"port"`
	} `yaml:"scheduler"`
	Executor struct {
		TaskDefinition string `yaml:"task_definition"`
		Count          int    `yaml:"count"`
	} `yaml:"executor"`
	Network struct {
		SecurityGroup string   `yaml:"security_group"`
		Subnets       []string `yaml:"subnets"`
	} `yaml:"network"`
	Timeouts struct {
		Read   time.Duration `yaml:"read"`
		Create time.Duration `yaml:"create"`
	} `yaml:"timeouts"`
	Provisioning struct {
		FanOut       int           `yaml:"fan_out"`
		SettleDelay  time.Duration `yaml:"settle_delay"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Deadline     time.Duration `yaml:"deadline"`
	} `yaml:"provisioning"`
	Metadata struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"metadata"`
	Quorum struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		Deadline      time.Duration `yaml:"deadline"`
	} `yaml:"quorum"`
	Connect struct {
		Attempts       int           `yaml:"attempts"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		Backoff        time.Duration `yaml:"backoff"`
	} `yaml:"connect"`
	Lease struct {
		Window time.Duration `yaml:"window"`
		Tick   time.Duration `yaml:"tick"`
	} `yaml:"lease"`
	Sidecar struct {
		Listen string `yaml:"listen"`
		// Port is where clients reach the sidecar on the scheduler task. Quorum
		// polls go there so that they extend the lease.
		Port         int    `yaml:"port"`
		SchedulerURL string `yaml:"scheduler_url"`
	} `yaml:"sidecar"`
	Stage struct {
		Source  string   `yaml:"source"`
		DataDir string   `yaml:"data_dir"`
		Bucket  string   `yaml:"bucket"`
		Prefix  string   `yaml:"prefix"`
		Tables  []string `yaml:"tables"`
		SFTP    struct {
			Addr       string `yaml:"addr"`
			User       string `yaml:"user"`
			KeyPath    string `yaml:"key_path"`
			KnownHosts string `yaml:"known_hosts"`
			RemoteDir  string `yaml:"remote_dir"`
		} `yaml:"sftp"`
	} `yaml:"stage"`
	Benchmark struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		Env     []string `yaml:"env"`
	} `yaml:"benchmark"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
}

// configDir is $XDG_CONFIG_HOME/ballast or ~/.config/ballast.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ballast")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/ballast/config.yaml, which may be absent. Secrets from
// secrets.env and the process environment override the file, in that order.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	cfg.Executor.Count = unsetCount
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir(), "config.yaml")
	}
	content, err := readFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, &fault.ConfigError{Key: path, Reason: fmt.Sprintf("parse: %v", err)}
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(secrets.Lookup); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvRegion, &c.AWS.Region)
	str(EnvEndpoint, &c.AWS.Endpoint)
	str(EnvCluster, &c.Cluster)
	str(EnvSchedulerTaskDef, &c.Scheduler.TaskDefinition)
	str(EnvExecutorTaskDef, &c.Executor.TaskDefinition)
	str(EnvSecurityGroup, &c.Network.SecurityGroup)
	str(EnvStageBucket, &c.Stage.Bucket)
	str(EnvSchedulerStateURL, &c.Sidecar.SchedulerURL)
	str(EnvBenchmarkCommand, &c.Benchmark.Command)
	if v, ok := lookup(EnvSubnets); ok && v != "" {
		c.Network.Subnets = SplitCSV(v)
	}
	if v, ok := lookup(EnvExecutorCount); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return &fault.ConfigError{Key: EnvExecutorCount, Reason: fmt.Sprintf("not a count: %q", v)}
		}
		c.Executor.Count = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.Port == 0 {
		c.Scheduler.Port = defaultSchedulerPort
	}
	if c.Executor.Count == unsetCount {
		c.Executor.Count = 1
	}
	t := ecs.DefaultTimeouts()
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = t.Read
	}
	if c.Timeouts.Create == 0 {
		c.Timeouts.Create = t.Create
	}
	p := provision.DefaultOptions()
	if c.Provisioning.FanOut == 0 {
		c.Provisioning.FanOut = p.FanOut
	}
	if c.Provisioning.SettleDelay == 0 {
		c.Provisioning.SettleDelay = p.SettleDelay
	}
	if c.Provisioning.PollInterval == 0 {
		c.Provisioning.PollInterval = p.PollInterval
	}
	if c.Metadata.PollInterval == 0 {
		c.Metadata.PollInterval = 200 * time.Millisecond
	}
	if c.Quorum.PollInterval == 0 {
		c.Quorum.PollInterval = 200 * time.Millisecond
	}
	if c.Quorum.RetryInterval == 0 {
		c.Quorum.RetryInterval = 500 * time.Millisecond
	}
	r := connect.DefaultRetryConfig()
	if c.Connect.Attempts == 0 {
		c.Connect.Attempts = r.Attempts
	}
	if c.Connect.AttemptTimeout == 0 {
		c.Connect.AttemptTimeout = 2 * time.Second
	}
	if c.Lease.Window == 0 {
		c.Lease.Window = 300 * time.Second
	}
	if c.Lease.Tick == 0 {
		c.Lease.Tick = time.Second
	}
	if c.Sidecar.Listen == "" {
		c.Sidecar.Listen = defaultSidecarAddress
	}
	if c.Sidecar.Port == 0 {
		c.Sidecar.Port = listenPort(c.Sidecar.Listen, defaultSidecarPort)
	}
	if c.Sidecar.SchedulerURL == "" {
		c.Sidecar.SchedulerURL = fmt.Sprintf("http://127.0.0.1:%d", c.Scheduler.Port)
	}
	if c.Stage.Source == "" {
		c.Stage.Source = "s3"
	}
	if c.Stage.DataDir == "" {
		c.Stage.DataDir = defaultStageDir
	}
	if c.Stage.Bucket == "" {
		c.Stage.Bucket = defaultStageBucket
	}
	if c.Stage.Prefix == "" {
		c.Stage.Prefix = defaultStagePrefix
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(configDir(), "runs.db")
	}
}

// listenPort extracts the port of a listen address such as ":8080".
func listenPort(addr string, fallback int) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Validate checks the settings every cloud command needs.
func (c Config) Validate() error {
	if c.Cluster == "" {
		return &fault.ConfigError{Key: "cluster", Reason: "required (or set " + EnvCluster + ")"}
	}
	if c.Network.SecurityGroup == "" {
		return &fault.ConfigError{Key: "network.security_group", Reason: "required (or set " + EnvSecurityGroup + ")"}
	}
	if len(c.Network.Subnets) == 0 {
		return &fault.ConfigError{Key: "network.subnets", Reason: "at least one subnet required (or set " + EnvSubnets + ")"}
	}
	if c.Executor.Count < 0 {
		return &fault.ConfigError{Key: "executor.count", Reason: fmt.Sprintf("must not be negative, got %d", c.Executor.Count)}
	}
	if c.Provisioning.FanOut < 0 || c.Connect.Attempts < 0 {
		return &fault.ConfigError{Key: "provisioning.fan_out", Reason: "must not be negative"}
	}
	return nil
}

// ValidateTrigger additionally requires both task definitions.
func (c Config) ValidateTrigger() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Scheduler.TaskDefinition == "" {
		return &fault.ConfigError{Key: "scheduler.task_definition", Reason: "required (or set " + EnvSchedulerTaskDef + ")"}
	}
	if c.Executor.TaskDefinition == "" {
		return &fault.ConfigError{Key: "executor.task_definition", Reason: "required (or set " + EnvExecutorTaskDef + ")"}
	}
	return nil
}

// TaskDefinition resolves a role name ("scheduler" or "executor") or passes
// through anything else as a literal task definition.
func (c Config) TaskDefinition(role string) string {
	switch role {
	case "scheduler":
		return c.Scheduler.TaskDefinition
	case "executor":
		return c.Executor.TaskDefinition
	}
	return role
}

// ECSTimeouts converts the timeout section
func (c Config) ECSTimeouts() ecs.Timeouts {
	return ecs.Timeouts{Read: c.Timeouts.Read, Create: c.Timeouts.Create}
}

// ProvisionOptions converts the provisioning section
func (c Config) ProvisionOptions() provision.Options {
	return provision.Options{
		FanOut:       c.Provisioning.FanOut,
		SettleDelay:  c.Provisioning.SettleDelay,
		PollInterval: c.Provisioning.PollInterval,
		Deadline:     c.Provisioning.Deadline,
	}
}

// ConnectOptions converts the connect section
func (c Config) ConnectOptions() connect.Options {
	r := connect.DefaultRetryConfig()
	r.Attempts = c.Connect.Attempts
	r.InitialDelay = c.Connect.Backoff
	return connect.Options{Retry: r, AttemptTimeout: c.Connect.AttemptTimeout}
}

// LeaseOptions converts the lease section
func (c Config) LeaseOptions() lease.Options {
	return lease.Options{Window: c.Lease.Window, Tick: c.Lease.Tick}
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
}
