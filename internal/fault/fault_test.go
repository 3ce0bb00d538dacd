package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	cause := errors.New("refused")
	err := fmt.Errorf("trigger: %w", &ConnectError{Endpoint: "10.0.0.1:50050", Attempts: 3, Err: cause})

	assert.True(t, IsConnect(err))
	assert.False(t, IsApi(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.1:50050")
}

func TestTimeoutErrorNamesLastState(t *testing.T) {
	err := &TimeoutError{Op: "wait for executors", Budget: 30 * time.Second, LastState: "1/2 executors registered"}
	require.True(t, IsTimeout(err))
	assert.Equal(t, "wait for executors: timed out after 30s (last state: 1/2 executors registered)", err.Error())
}

func TestApiErrorMessage(t *testing.T) {
	err := &ApiError{Op: "RunTask", Resource: "arn:aws:ecs:task-definition/x:1", Code: "RESOURCE:ENI", Message: "no capacity"}
	assert.Equal(t, "RunTask arn:aws:ecs:task-definition/x:1: RESOURCE:ENI: no capacity", err.Error())

	wrapped := &ApiError{Op: "ListTasks", Resource: "family", Err: errors.New("boom")}
	assert.Equal(t, "ListTasks family: boom", wrapped.Error())
}

func TestMetadataFormatErrorTruncatesBody(t *testing.T) {
	body := []byte(strings.Repeat("x", 1000))
	err := &MetadataFormatError{URL: "http://169.254.170.2/v4/task", Body: body, Err: errors.New("invalid character")}
	assert.True(t, IsMetadataFormat(err))
	assert.Less(t, len(err.Error()), 400)
}
