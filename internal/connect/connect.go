package connect

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/3cpo-dev/ballast/internal/fault"
)

// DialFunc opens a client connection without waiting for it to be ready.
type DialFunc func(endpoint string) (*grpc.ClientConn, error)

// Options tunes Dial. Zero values take the defaults.
type Options struct {
	Retry RetryConfig
	// AttemptTimeout bounds the wait for one connection to become ready.
	AttemptTimeout time.Duration
	Dial           DialFunc
}

func defaultDial(endpoint string) (*grpc.ClientConn, error) {
	return grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Dial opens a ready gRPC connection to endpoint, retrying a fixed number of
// times because a freshly started scheduler may not accept connections yet.
// When every attempt fails the error is a fault.ConnectError.
func Dial(ctx context.Context, endpoint string, opts Options) (*grpc.ClientConn, error) {
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}

	var conn *grpc.ClientConn
	attempts, err := Retry(ctx, opts.Retry, endpoint, func(ctx context.Context) error {
		c, err := opts.Dial(endpoint)
		if err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
		defer cancel()
		if err := waitReady(actx, c); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &fault.ConnectError{Endpoint: endpoint, Attempts: attempts, Err: err}
	}
	log.Debug().Str("endpoint", endpoint).Int("attempts", attempts).Msg("Connected to scheduler")
	return conn, nil
}

// waitReady drives conn out of idle and waits for READY. A transient
// failure ends the attempt instead of waiting for grpc's own backoff.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("connection %s", s)
		}
		if !conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("connection still %s: %w", s, ctx.Err())
		}
	}
}
