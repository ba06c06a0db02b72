package service

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

func nopFactory(ctx context.Context, opts Options) (any, error) {
	return nil, nil
}

func TestResolve_Order(t *testing.T) {
	Register("res-bare", nopFactory)
	Register("base/res-joined", nopFactory)
	Register("base/modules/res-nested", nopFactory)

	_, name, err := Resolve("res-bare", "base")
	require.NoError(t, err)
	assert.Equal(t, "res-bare", name)

	_, name, err = Resolve("res-joined", "base")
	require.NoError(t, err)
	assert.Equal(t, "base/res-joined", name)

	_, name, err = Resolve("res-nested", "base")
	require.NoError(t, err)
	assert.Equal(t, "base/modules/res-nested", name)
}

func TestResolve_BareNameWins(t *testing.T) {
	Register("res-both", nopFactory)
	Register("base/res-both", nopFactory)

	_, name, err := Resolve("res-both", "base")
	require.NoError(t, err)
	assert.Equal(t, "res-both", name, "the name as given resolves first")
}

func TestResolve_NotFound(t *testing.T) {
	_, _, err := Resolve("res-missing", "base")
	require.ErrorIs(t, err, ErrModuleNotFound)
	assert.Contains(t, err.Error(), "base/modules/res-missing")
}

func hostConfig(t *testing.T, services ...config.ServiceDescriptor) *config.Config {
	t.Helper()
	return &config.Config{
		NumWorkers:  1,
		AppBasePath: "",
		Services:    services,
	}
}

func TestHost_StartCollectsSummary(t *testing.T) {
	Register("host-summary", func(ctx context.Context, opts Options) (any, error) {
		return map[string]any{"port": 8080}, nil
	})

	host := NewHost(hostConfig(t,
		config.ServiceDescriptor{Name: "a", Module: "host-summary"},
		config.ServiceDescriptor{Name: "b", Module: "host-summary"},
	), 2, nil, nil)

	summary, err := host.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, map[string]any{"port": float64(8080)}, summary[0])
}

func TestHost_InjectsWorkerID(t *testing.T) {
	var seen atomic.Value
	Register("host-workerid", func(ctx context.Context, opts Options) (any, error) {
		seen.Store(opts.Config)
		return nil, nil
	})

	host := NewHost(hostConfig(t, config.ServiceDescriptor{
		Name:   "a",
		Module: "host-workerid",
		Conf:   map[string]any{"port": 80},
	}), 7, nil, nil)

	_, err := host.Start(context.Background())
	require.NoError(t, err)

	conf := seen.Load().(map[string]any)
	assert.Equal(t, 7, conf["worker_id"])
	assert.Equal(t, 80, conf["port"])
}

func TestHost_FactoryCalledOncePerService(t *testing.T) {
	var calls atomic.Int32
	Register("host-once", func(ctx context.Context, opts Options) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	host := NewHost(hostConfig(t, config.ServiceDescriptor{Name: "a", Module: "host-once"}), 1, nil, nil)

	_, err := host.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = host.Start(context.Background())
	require.Error(t, err, "a second start must not re-invoke factories")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHost_ParallelStart(t *testing.T) {
	release := make(chan struct{})
	Register("host-slow", func(ctx context.Context, opts Options) (any, error) {
		<-release
		return "slow", nil
	})
	Register("host-fast", func(ctx context.Context, opts Options) (any, error) {
		// If factories ran serially, this would deadlock behind host-slow.
		close(release)
		return "fast", nil
	})

	host := NewHost(hostConfig(t,
		config.ServiceDescriptor{Name: "slow", Module: "host-slow"},
		config.ServiceDescriptor{Name: "fast", Module: "host-fast"},
	), 1, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		summary, err := host.Start(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, []any{"slow", "fast"}, summary)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("factories were not awaited in parallel")
	}
}

type recordingCloser struct {
	name  string
	order *[]string
}

func (c *recordingCloser) Close(ctx context.Context) error {
	*c.order = append(*c.order, c.name)
	return nil
}

func (c *recordingCloser) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.name + `"`), nil
}

func TestHost_StopDrainsClosersInOrder(t *testing.T) {
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		Register("host-closer-"+name, func(ctx context.Context, opts Options) (any, error) {
			return &recordingCloser{name: opts.Name, order: &order}, nil
		})
	}

	host := NewHost(hostConfig(t,
		config.ServiceDescriptor{Name: "first", Module: "host-closer-first"},
		config.ServiceDescriptor{Name: "second", Module: "host-closer-second"},
		config.ServiceDescriptor{Name: "third", Module: "host-closer-third"},
	), 1, nil, nil)

	_, err := host.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, host.Stop(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	// A second stop has nothing left to drain.
	require.NoError(t, host.Stop(context.Background()))
	assert.Len(t, order, 3)
}

func TestHost_FactoryFailure(t *testing.T) {
	boom := errors.New("bind failed")
	Register("host-fail", func(ctx context.Context, opts Options) (any, error) {
		return nil, boom
	})

	host := NewHost(hostConfig(t, config.ServiceDescriptor{Name: "a", Module: "host-fail"}), 1, nil, nil)

	_, err := host.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "service a")
}

func TestHost_MissingEntrypoint(t *testing.T) {
	RegisterModule("host-entry", Module{
		"named": nopFactory,
	})

	host := NewHost(hostConfig(t, config.ServiceDescriptor{
		Name: "a", Module: "host-entry", Entrypoint: "other",
	}), 1, nil, nil)
	_, err := host.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `entrypoint "other"`)

	// The named entrypoint works.
	host = NewHost(hostConfig(t, config.ServiceDescriptor{
		Name: "a", Module: "host-entry", Entrypoint: "named",
	}), 1, nil, nil)
	_, err = host.Start(context.Background())
	require.NoError(t, err)
}

func TestSummarize_UnserializableValue(t *testing.T) {
	out := summarize([]any{make(chan int), "plain"})
	require.Len(t, out, 2)
	assert.Contains(t, out[0].(string), "unsupported type")
	assert.Equal(t, "plain", out[1])
}
