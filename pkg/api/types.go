package api

// v0 contains the public wire types shared by the CLI and the sidecar.

// ExecutorRegistration is one executor the scheduler knows about.
type ExecutorRegistration struct {
	ID   string `json:"id" yaml:"id"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// SchedulerState is the body of the scheduler's GET /state.
type SchedulerState struct {
	Executors []ExecutorRegistration `json:"executors" yaml:"executors"`
}

// ClusterSpec describes one ephemeral cluster.
type ClusterSpec struct {
	SchedulerTaskDefinition string   `json:"scheduler_task_definition" yaml:"scheduler_task_definition"`
	ExecutorTaskDefinition  string   `json:"executor_task_definition" yaml:"executor_task_definition"`
	Executors               int      `json:"executors" yaml:"executors"`
	SecurityGroup           string   `json:"security_group" yaml:"security_group"`
	Subnets                 []string `json:"subnets" yaml:"subnets"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Headers understood by the scheduler's state endpoint.
const (
	HeaderLifetime = "x-lifetime"
	LifetimeExtend = "extend"
)
