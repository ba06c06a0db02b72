package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/service"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// testConfig builds a config whose single service is a registered no-op
func testConfig(t *testing.T, module string) []byte {
	t.Helper()
	cfg, err := config.Parse([]byte(`
num_workers: 1
worker_heartbeat_timeout: 300
services:
  - name: svc
    module: ` + module + `
`))
	require.NoError(t, err)
	data, err := cfg.Marshal()
	require.NoError(t, err)
	return data
}

func TestRun_ConfigTimeout(t *testing.T) {
	t.Parallel()

	_, workerSide := ipc.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), workerSide, 1, false, nil)
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStartupTimeout)
	case <-time.After(configWait + 2*time.Second):
		t.Fatal("runtime did not give up waiting for config")
	}
}

func TestRun_WrongFirstFrame(t *testing.T) {
	t.Parallel()

	masterSide, workerSide := ipc.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), workerSide, 1, false, nil)
	}()

	require.NoError(t, masterSide.Send(ipc.KindShutdown, nil))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStartupTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not reject the frame")
	}
}

func TestRun_StartupAndShutdown(t *testing.T) {
	t.Parallel()

	service.Register("worker-test-ok", func(ctx context.Context, opts service.Options) (any, error) {
		return map[string]any{"ready": true}, nil
	})

	masterSide, workerSide := ipc.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), workerSide, 1, true, nil)
	}()

	require.NoError(t, masterSide.Send(ipc.KindConfig, &ipc.ConfigPayload{
		Config: testConfig(t, "worker-test-ok"),
	}))

	// The seed heartbeat precedes startup_finished.
	var kinds []string
	deadline := time.After(10 * time.Second)
	for {
		msgCh := make(chan *ipc.Message, 1)
		go func() {
			if msg, err := masterSide.Receive(); err == nil {
				msgCh <- msg
			}
		}()

		var msg *ipc.Message
		select {
		case msg = <-msgCh:
		case <-deadline:
			t.Fatalf("startup_finished never arrived; saw %v", kinds)
		}

		kinds = append(kinds, msg.Kind)
		if msg.Kind != ipc.KindStartupFinished {
			continue
		}

		var payload ipc.StartupPayload
		require.NoError(t, ipc.Decode(msg, &payload))
		assert.Equal(t, 1, payload.WorkerID)
		assert.Equal(t, os.Getpid(), payload.PID)
		assert.NotEmpty(t, payload.MetricsAddr)
		require.Len(t, payload.Services, 1)
		break
	}

	require.Equal(t, ipc.KindHeartbeat, kinds[0], "one heartbeat seeds the timestamp before startup_finished")

	// Keep draining status and heartbeat frames so the runtime never
	// blocks on an unread pipe.
	go func() {
		for {
			if _, err := masterSide.Receive(); err != nil {
				return
			}
		}
	}()

	// Graceful stop on the shutdown frame.
	require.NoError(t, masterSide.Send(ipc.KindShutdown, nil))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRun_ServiceFailureExitsNonZero(t *testing.T) {
	t.Parallel()

	service.Register("worker-test-boom", func(ctx context.Context, opts service.Options) (any, error) {
		return nil, assert.AnError
	})

	masterSide, workerSide := ipc.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), workerSide, 1, false, nil)
	}()

	require.NoError(t, masterSide.Send(ipc.KindConfig, &ipc.ConfigPayload{
		Config: testConfig(t, "worker-test-boom"),
	}))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not surface the startup failure")
	}
}
