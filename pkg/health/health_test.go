package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_AllUp(t *testing.T) {
	c := NewChecker("v1.2.3")
	c.Register("postgres", true, func(context.Context) error { return nil })
	c.Register("redis", false, func(context.Context) error { return nil })

	r := c.Run(context.Background())
	assert.Equal(t, StatusOK, r.Status)
	assert.True(t, r.Healthy())
	assert.Equal(t, "v1.2.3", r.Version)
	require.Len(t, r.Services, 2)
	assert.Equal(t, "postgres", r.Services[0].Name)
	assert.Equal(t, ServiceUp, r.Services[1].Status)
}

func TestChecker_OptionalDownDegrades(t *testing.T) {
	c := NewChecker("")
	c.Register("postgres", true, func(context.Context) error { return nil })
	c.Register("redis", false, func(context.Context) error { return errors.New("connection refused") })

	r := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.True(t, r.Healthy())
	assert.Equal(t, "connection refused", r.Services[1].Error)
}

func TestChecker_CriticalDownIsUnavailable(t *testing.T) {
	c := NewChecker("")
	c.Register("redis", false, func(context.Context) error { return errors.New("x") })
	c.Register("postgres", true, func(context.Context) error { return errors.New("down") })

	r := c.Run(context.Background())
	assert.Equal(t, StatusUnavailable, r.Status)
	assert.False(t, r.Healthy())
}

func TestChecker_TimeoutBoundsSlowChecks(t *testing.T) {
	c := NewChecker("")
	c.timeout = 20 * time.Millisecond
	c.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	r := c.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnavailable, r.Status)
}

func TestGRPCServer_ServeAndProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := NewChecker("test")
	c.Register("postgres", true, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewGRPCServer(c, time.Hour, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer probeCancel()

	require.Eventually(t, func() bool {
		status, err := Probe(probeCtx, lis.Addr().String(), WorkerService)
		return err == nil && status == "SERVING"
	}, 5*time.Second, 20*time.Millisecond)

	healthy.Store(false)
	srv.Refresh(context.Background())
	status, err := Probe(probeCtx, lis.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
