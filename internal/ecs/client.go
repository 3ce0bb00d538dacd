package ecs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/3cpo-dev/ballast/internal/fault"
	"github.com/3cpo-dev/ballast/internal/telemetry"
)

// PrivateAddressKey is the attachment detail that carries a task's private IPv4.
const PrivateAddressKey = "privateIPv4Address"

// describeBatch is the DescribeTasks limit on task ARNs per call.
const describeBatch = 100

// API is the subset of the ECS SDK client used here.
type API interface {
	DescribeTaskDefinition(ctx context.Context, in *awsecs.DescribeTaskDefinitionInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTaskDefinitionOutput, error)
	ListTasks(ctx context.Context, in *awsecs.ListTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.ListTasksOutput, error)
	RunTask(ctx context.Context, in *awsecs.RunTaskInput, optFns ...func(*awsecs.Options)) (*awsecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, in *awsecs.DescribeTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, in *awsecs.StopTaskInput, optFns ...func(*awsecs.Options)) (*awsecs.StopTaskOutput, error)
}

// Timeouts bounds each call. Read covers describe and list calls, Create
// covers RunTask and StopTask.
type Timeouts struct {
	Read   time.Duration
	Create time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Read: 2 * time.Second, Create: 5 * time.Second}
}

// Task is the part of an ECS task the coordinator cares about.
type Task struct {
	Arn            string
	LastStatus     string
	DesiredStatus  string
	PrivateAddress string
}

// StartRequest describes one Fargate task launch.
type StartRequest struct {
	TaskDefinition string
	SecurityGroup  string
	Subnets        []string
}

// Failure is one entry of the in-band failures list.
type Failure struct {
	Arn    string
	Reason string
	Detail string
}

// RunResult carries both channels of a RunTask response. Tasks must not be
// trusted until Err returns nil.
type RunResult struct {
	TaskDefinition string
	Tasks          []string
	Failures       []Failure
}

// Err reports the in-band failures, or a response that launched nothing.
func (r RunResult) Err() error {
	if len(r.Failures) > 0 {
		f := r.Failures[0]
		resource := f.Arn
		if resource == "" {
			resource = r.TaskDefinition
		}
		msg := f.Detail
		if len(r.Failures) > 1 {
			msg = fmt.Sprintf("%s (and %d more failures)", msg, len(r.Failures)-1)
		}
		return &fault.ApiError{Op: "RunTask", Resource: resource, Code: f.Reason, Message: msg}
	}
	if len(r.Tasks) == 0 {
		return &fault.ApiError{Op: "RunTask", Resource: r.TaskDefinition, Message: "no task returned"}
	}
	return nil
}

// Client is a timeout-wrapped façade over the ECS API bound to one cluster.
type Client struct {
	api      API
	cluster  string
	timeouts Timeouts
}

// New wraps an existing API implementation
func New(api API, cluster string, timeouts Timeouts) *Client {
	if timeouts.Read <= 0 {
		timeouts.Read = DefaultTimeouts().Read
	}
	if timeouts.Create <= 0 {
		timeouts.Create = DefaultTimeouts().Create
	}
	return &Client{api: api, cluster: cluster, timeouts: timeouts}
}

// NewFromEnv loads the ambient AWS configuration. A non-empty endpoint
// overrides the ECS endpoint, which is how local emulators are reached.
func NewFromEnv(ctx context.Context, region, endpoint, cluster string, timeouts Timeouts) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := awsecs.NewFromConfig(cfg, func(o *awsecs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(api, cluster, timeouts), nil
}

// Cluster returns the cluster the client is bound to
func (c *Client) Cluster() string { return c.cluster }

// DescribeFamily resolves a task definition to its family name.
func (c *Client) DescribeFamily(ctx context.Context, taskDefinition string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Read)
	defer cancel()
	start := time.Now()
	out, err := c.api.DescribeTaskDefinition(callCtx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(taskDefinition),
	})
	observe("DescribeTaskDefinition", start, err)
	if err != nil {
		return "", classify(ctx, callCtx, "DescribeTaskDefinition", taskDefinition, c.timeouts.Read, err)
	}
	if out.TaskDefinition == nil || aws.ToString(out.TaskDefinition.Family) == "" {
		return "", &fault.ApiError{Op: "DescribeTaskDefinition", Resource: taskDefinition, Message: "response has no family"}
	}
	return aws.ToString(out.TaskDefinition.Family), nil
}

// ListRunningTasks returns the ARNs of tasks in family whose desired status is
// RUNNING. All pages are read within one read budget.
func (c *Client) ListRunningTasks(ctx context.Context, family string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Read)
	defer cancel()
	start := time.Now()
	arns := []string{}
	p := awsecs.NewListTasksPaginator(c.api, &awsecs.ListTasksInput{
		Cluster:       aws.String(c.cluster),
		Family:        aws.String(family),
		DesiredStatus: ecstypes.DesiredStatusRunning,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(callCtx)
		if err != nil {
			observe("ListTasks", start, err)
			return nil, classify(ctx, callCtx, "ListTasks", family, c.timeouts.Read, err)
		}
		arns = append(arns, page.TaskArns...)
	}
	observe("ListTasks", start, nil)
	return arns, nil
}

// StartTask launches exactly one Fargate task with a public IP. The returned
// result is populated even when the error is an in-band failure.
func (c *Client) StartTask(ctx context.Context, req StartRequest) (RunResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Create)
	defer cancel()
	start := time.Now()
	out, err := c.api.RunTask(callCtx, &awsecs.RunTaskInput{
		Cluster:        aws.String(c.cluster),
		TaskDefinition: aws.String(req.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        req.Subnets,
				SecurityGroups: []string{req.SecurityGroup},
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
	})
	if err != nil {
		observe("RunTask", start, err)
		return RunResult{TaskDefinition: req.TaskDefinition}, classify(ctx, callCtx, "RunTask", req.TaskDefinition, c.timeouts.Create, err)
	}
	res := RunResult{
		TaskDefinition: req.TaskDefinition,
		Tasks:          lo.Map(out.Tasks, func(t ecstypes.Task, _ int) string { return aws.ToString(t.TaskArn) }),
		Failures: lo.Map(out.Failures, func(f ecstypes.Failure, _ int) Failure {
			return Failure{Arn: aws.ToString(f.Arn), Reason: aws.ToString(f.Reason), Detail: aws.ToString(f.Detail)}
		}),
	}
	err = res.Err()
	observe("RunTask", start, err)
	if err != nil {
		return res, err
	}
	log.Debug().Str("task", res.Tasks[0]).Str("task_definition", req.TaskDefinition).Msg("Task started")
	return res, nil
}

// DescribeTasks describes the given tasks, in batches of at most 100 ARNs.
// Tasks the provider reports as missing are absent from the result.
func (c *Client) DescribeTasks(ctx context.Context, arns []string) ([]Task, error) {
	if len(arns) == 0 {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Read)
	defer cancel()
	start := time.Now()
	tasks := make([]Task, 0, len(arns))
	for _, batch := range lo.Chunk(arns, describeBatch) {
		out, err := c.api.DescribeTasks(callCtx, &awsecs.DescribeTasksInput{
			Cluster: aws.String(c.cluster),
			Tasks:   batch,
		})
		if err != nil {
			observe("DescribeTasks", start, err)
			return nil, classify(ctx, callCtx, "DescribeTasks", c.cluster, c.timeouts.Read, err)
		}
		for _, f := range out.Failures {
			log.Debug().Str("task", aws.ToString(f.Arn)).Str("reason", aws.ToString(f.Reason)).Msg("Task not describable yet")
		}
		for _, t := range out.Tasks {
			tasks = append(tasks, Task{
				Arn:            aws.ToString(t.TaskArn),
				LastStatus:     aws.ToString(t.LastStatus),
				DesiredStatus:  aws.ToString(t.DesiredStatus),
				PrivateAddress: privateAddress(t),
			})
		}
	}
	observe("DescribeTasks", start, nil)
	return tasks, nil
}

// StopTask asks ECS to stop a task.
func (c *Client) StopTask(ctx context.Context, arn, reason string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeouts.Create)
	defer cancel()
	start := time.Now()
	_, err := c.api.StopTask(callCtx, &awsecs.StopTaskInput{
		Cluster: aws.String(c.cluster),
		Task:    aws.String(arn),
		Reason:  aws.String(reason),
	})
	observe("StopTask", start, err)
	if err != nil {
		return classify(ctx, callCtx, "StopTask", arn, c.timeouts.Create, err)
	}
	return nil
}

// privateAddress scans every attachment for the private IPv4 detail.
func privateAddress(t ecstypes.Task) string {
	for _, att := range t.Attachments {
		for _, d := range att.Details {
			if aws.ToString(d.Name) == PrivateAddressKey && aws.ToString(d.Value) != "" {
				return aws.ToString(d.Value)
			}
		}
	}
	return ""
}

// classify maps an SDK error onto the fault taxonomy. Cancellation of the
// caller's own context is returned as is.
func classify(parent, call context.Context, op, resource string, budget time.Duration, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s %s: %w", op, resource, parent.Err())
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &fault.TimeoutError{Op: op + " " + resource, Budget: budget}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &fault.ApiError{Op: op, Resource: resource, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage(), Err: err}
	}
	return &fault.ApiError{Op: op, Resource: resource, Err: err}
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	labels := map[string]string{"op": op, "outcome": outcome}
	telemetry.CounterGlobal("ecs_api_calls_total", 1, labels)
	telemetry.TimerGlobal("ecs_api_call_duration_seconds", time.Since(start), labels)
}
