package ecs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ballast/internal/fault"
)

type fakeAPI struct {
	mu sync.Mutex

	family    string
	pages     [][]string
	runOut    *awsecs.RunTaskOutput
	runErr    error
	describe  func(arns []string) (*awsecs.DescribeTasksOutput, error)
	block     bool
	listCalls []*awsecs.ListTasksInput
	runCalls  []*awsecs.RunTaskInput
	descCalls [][]string
	stopped   []string
}

func (f *fakeAPI) wait(ctx context.Context) error {
	if !f.block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAPI) DescribeTaskDefinition(ctx context.Context, in *awsecs.DescribeTaskDefinitionInput, _ ...func(*awsecs.Options)) (*awsecs.DescribeTaskDefinitionOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return &awsecs.DescribeTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{Family: aws.String(f.family)}}, nil
}

func (f *fakeAPI) ListTasks(ctx context.Context, in *awsecs.ListTasksInput, _ ...func(*awsecs.Options)) (*awsecs.ListTasksOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, in)
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "%d", &page)
	}
	out := &awsecs.ListTasksOutput{}
	if page < len(f.pages) {
		out.TaskArns = f.pages[page]
	}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String(fmt.Sprint(page + 1))
	}
	return out, nil
}

func (f *fakeAPI) RunTask(ctx context.Context, in *awsecs.RunTaskInput, _ ...func(*awsecs.Options)) (*awsecs.RunTaskOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls = append(f.runCalls, in)
	return f.runOut, f.runErr
}

func (f *fakeAPI) DescribeTasks(ctx context.Context, in *awsecs.DescribeTasksInput, _ ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.descCalls = append(f.descCalls, in.Tasks)
	f.mu.Unlock()
	return f.describe(in.Tasks)
}

func (f *fakeAPI) StopTask(ctx context.Context, in *awsecs.StopTaskInput, _ ...func(*awsecs.Options)) (*awsecs.StopTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, aws.ToString(in.Task))
	return &awsecs.StopTaskOutput{}, nil
}

func taskWithAddress(arn, ip string) ecstypes.Task {
	t := ecstypes.Task{TaskArn: aws.String(arn), LastStatus: aws.String("PROVISIONING")}
	details := []ecstypes.KeyValuePair{{Name: aws.String("subnetId"), Value: aws.String("subnet-1")}}
	if ip != "" {
		details = append(details, ecstypes.KeyValuePair{Name: aws.String(PrivateAddressKey), Value: aws.String(ip)})
	}
	t.Attachments = []ecstypes.Attachment{{Type: aws.String("ElasticNetworkInterface"), Details: details}}
	return t
}

func TestStartTaskRequestShape(t *testing.T) {
	api := &fakeAPI{runOut: &awsecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:task/1")}}}}
	c := New(api, "bench", DefaultTimeouts())

	res, err := c.StartTask(context.Background(), StartRequest{TaskDefinition: "executor:3", SecurityGroup: "sg-1", Subnets: []string{"subnet-a", "subnet-b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"arn:task/1"}, res.Tasks)

	require.Len(t, api.runCalls, 1)
	in := api.runCalls[0]
	assert.Equal(t, "bench", aws.ToString(in.Cluster))
	assert.Equal(t, int32(1), aws.ToInt32(in.Count))
	assert.Equal(t, ecstypes.LaunchTypeFargate, in.LaunchType)
	vpc := in.NetworkConfiguration.AwsvpcConfiguration
	assert.Equal(t, ecstypes.AssignPublicIpEnabled, vpc.AssignPublicIp)
	assert.Equal(t, []string{"sg-1"}, vpc.SecurityGroups)
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, vpc.Subnets)
}

func TestStartTaskInBandFailureIsApiError(t *testing.T) {
	api := &fakeAPI{runOut: &awsecs.RunTaskOutput{
		Tasks:    []ecstypes.Task{{TaskArn: aws.String("arn:task/1")}},
		Failures: []ecstypes.Failure{{Arn: aws.String("arn:container-instance/x"), Reason: aws.String("RESOURCE:ENI"), Detail: aws.String("limit reached")}},
	}}
	c := New(api, "bench", DefaultTimeouts())

	res, err := c.StartTask(context.Background(), StartRequest{TaskDefinition: "executor:3", SecurityGroup: "sg-1"})
	require.Error(t, err)
	var apiErr *fault.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "RESOURCE:ENI", apiErr.Code)
	assert.Len(t, res.Failures, 1)
	assert.Error(t, res.Err())
}

func TestRunResultWithoutTasksIsError(t *testing.T) {
	assert.True(t, fault.IsApi(RunResult{TaskDefinition: "x"}.Err()))
	assert.NoError(t, RunResult{Tasks: []string{"arn"}}.Err())
}

func TestListRunningTasksFiltersAndPaginates(t *testing.T) {
	api := &fakeAPI{pages: [][]string{{"a", "b"}, {"c"}}}
	c := New(api, "bench", DefaultTimeouts())

	arns, err := c.ListRunningTasks(context.Background(), "executor")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, arns)
	require.Len(t, api.listCalls, 2)
	assert.Equal(t, ecstypes.DesiredStatusRunning, api.listCalls[0].DesiredStatus)
	assert.Equal(t, "executor", aws.ToString(api.listCalls[0].Family))
}

func TestListRunningTasksEmptyIsNotError(t *testing.T) {
	c := New(&fakeAPI{}, "bench", DefaultTimeouts())
	arns, err := c.ListRunningTasks(context.Background(), "executor")
	require.NoError(t, err)
	assert.NotNil(t, arns)
	assert.Empty(t, arns)
}

func TestDescribeFamily(t *testing.T) {
	c := New(&fakeAPI{family: "ballista-executor"}, "bench", DefaultTimeouts())
	family, err := c.DescribeFamily(context.Background(), "arn:aws:ecs:eu-west-1:1:task-definition/ballista-executor:7")
	require.NoError(t, err)
	assert.Equal(t, "ballista-executor", family)
}

func TestDescribeTasksExtractsAddressesInBatches(t *testing.T) {
	api := &fakeAPI{describe: func(arns []string) (*awsecs.DescribeTasksOutput, error) {
		out := &awsecs.DescribeTasksOutput{}
		for _, a := range arns {
			ip := ""
			if a != "pending" {
				ip = "10.0.0." + a
			}
			out.Tasks = append(out.Tasks, taskWithAddress(a, ip))
		}
		return out, nil
	}}
	c := New(api, "bench", DefaultTimeouts())

	arns := make([]string, 150)
	for i := range arns {
		arns[i] = fmt.Sprint(i)
	}
	arns[0] = "pending"
	tasks, err := c.DescribeTasks(context.Background(), arns)
	require.NoError(t, err)
	require.Len(t, tasks, 150)
	assert.Len(t, api.descCalls, 2)
	assert.Equal(t, "", tasks[0].PrivateAddress)
	assert.Equal(t, "10.0.0.149", tasks[149].PrivateAddress)
}

func TestReadCallTimeoutIsTimeoutError(t *testing.T) {
	c := New(&fakeAPI{block: true}, "bench", Timeouts{Read: 20 * time.Millisecond, Create: 20 * time.Millisecond})

	_, err := c.ListRunningTasks(context.Background(), "executor")
	require.Error(t, err)
	var te *fault.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Millisecond, te.Budget)
	assert.False(t, fault.IsApi(err))
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	c := New(&fakeAPI{block: true}, "bench", DefaultTimeouts())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DescribeFamily(ctx, "executor:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, fault.IsTimeout(err))
}

func TestProviderErrorIsApiError(t *testing.T) {
	api := &fakeAPI{runErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}}
	c := New(api, "bench", DefaultTimeouts())

	_, err := c.StartTask(context.Background(), StartRequest{TaskDefinition: "executor:1", SecurityGroup: "sg"})
	var apiErr *fault.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ThrottlingException", apiErr.Code)
	assert.Equal(t, "Rate exceeded", apiErr.Message)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStopTask(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, "bench", DefaultTimeouts())
	require.NoError(t, c.StopTask(context.Background(), "arn:task/1", "teardown"))
	assert.Equal(t, []string{"arn:task/1"}, api.stopped)
}
