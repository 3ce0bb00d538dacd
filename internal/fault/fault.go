package fault

import (
	"errors"
	"fmt"
	"time"
)

// ApiError is a provider call that returned but reported failure, either as a
// well-formed error response or as entries in an in-band failures list.
type ApiError struct {
	Op       string
	Resource string
	Code     string
	Message  string
	Err      error
}

func (e *ApiError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Resource)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Code == "" && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ApiError) Unwrap() error { return e.Err }

// TimeoutError reports a call or polling loop that ran past its budget.
// LastState describes what was observed last, if anything.
type TimeoutError struct {
	Op        string
	Budget    time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out", e.Op)
	if e.Budget > 0 {
		msg += fmt.Sprintf(" after %s", e.Budget)
	}
	if e.LastState != "" {
		msg += " (last state: " + e.LastState + ")"
	}
	return msg
}

// MetadataFormatError is a response that arrived but did not have the
// expected shape. It is never retried.
type MetadataFormatError struct {
	URL  string
	Body []byte
	Err  error
}

func (e *MetadataFormatError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("unexpected metadata from %s: %v: %q", e.URL, e.Err, body)
}

func (e *MetadataFormatError) Unwrap() error { return e.Err }

// ConnectError means every attempt to reach Endpoint failed.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: gave up after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConfigError is a missing or unparseable required setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func IsApi(err error) bool {
	var e *ApiError
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsMetadataFormat(err error) bool {
	var e *MetadataFormatError
	return errors.As(err, &e)
}

func IsConnect(err error) bool {
	var e *ConnectError
	return errors.As(err, &e)
}

func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}
