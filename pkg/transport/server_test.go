package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/metering"
	"github.com/cuemby/marathon/pkg/registry"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/stretchr/testify/require"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, task DispatchTaskMessage) <-chan TaskEventMessage {
	ch := make(chan TaskEventMessage)
	close(ch)
	return ch
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServer_RegistersWorkerAndTracksHeartbeats(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	st := store.New(bus)
	reg := registry.New(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Stop)
	met := metering.New(nil)

	srv := NewServer(reg, st, met, bus, "test-key")

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, addr) }()

	// Give the listener a moment to come up.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	worker := NewWorkerClient("worker-1:9999", addr, []string{"claude-code"}, 1, "test-key", noopRunner{})
	workerCtx, workerCancel := context.WithCancel(context.Background())
	t.Cleanup(workerCancel)
	go func() { _ = worker.Run(workerCtx) }()

	require.Eventually(t, func() bool {
		return len(reg.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	nodes := reg.Snapshot()
	require.Len(t, nodes, 1)
	require.Equal(t, "worker-1:9999", nodes[0].Address)
	require.Contains(t, nodes[0].Capabilities, "claude-code")
}

func TestServer_RejectsBadNodeAuthKey(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	st := store.New(bus)
	reg := registry.New(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Stop)
	met := metering.New(nil)

	srv := NewServer(reg, st, met, bus, "correct-key")
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	worker := NewWorkerClient("worker-1:9999", addr, nil, 1, "wrong-key", noopRunner{})
	err := worker.Run(context.Background())
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, reg.Snapshot())
}

func TestServer_DispatchAndCancelFailWithoutWorkerConnection(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	st := store.New(bus)
	reg := registry.New(registry.WithSweepInterval(time.Hour))
	t.Cleanup(reg.Stop)
	met := metering.New(nil)

	srv := NewServer(reg, st, met, bus, "k")
	err := srv.Dispatch(context.Background(), "nonexistent:1", nil)
	require.Error(t, err)

	err = srv.Cancel(context.Background(), "nonexistent:1", id.New())
	require.Error(t, err)
}
