package ipc

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(KindHeartbeat, nil)
	}()

	msg, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, msg.Kind)
	assert.Empty(t, msg.Payload)
}

func TestPipe_PayloadDecode(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	sent := StartupPayload{
		WorkerID:    3,
		PID:         4242,
		MetricsAddr: "127.0.0.1:9999",
		Services:    []any{map[string]any{"port": float64(12345)}, nil},
	}
	go func() {
		_ = a.Send(KindStartupFinished, &sent)
	}()

	msg, err := b.Receive()
	require.NoError(t, err)
	require.Equal(t, KindStartupFinished, msg.Kind)

	var got StartupPayload
	require.NoError(t, Decode(msg, &got))
	assert.Equal(t, sent, got)
}

func TestPipe_Ordering(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = a.Send(KindServiceStatus, map[string]int{"seq": i})
		}
	}()

	for i := 0; i < n; i++ {
		msg, err := b.Receive()
		require.NoError(t, err)

		var status map[string]int
		require.NoError(t, Decode(msg, &status))
		assert.Equal(t, i, status["seq"], "frames must arrive in send order")
	}
}

func TestReceive_EOF(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())

	_, err := b.Receive()
	assert.Equal(t, io.EOF, err)
}

func TestReceiveTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	start := time.Now()
	_, err := b.ReceiveTimeout(50 * time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReceiveTimeout_FrameArrives(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(KindConfig, &ConfigPayload{Config: []byte("num_workers: 1")})
	}()

	msg, err := b.ReceiveTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindConfig, msg.Kind)
}

func TestDecode_NoPayload(t *testing.T) {
	msg := &Message{Kind: KindHeartbeat}
	var v map[string]any
	assert.Error(t, Decode(msg, &v))
}

func TestConcurrentSend(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	const senders, perSender = 4, 25
	for i := 0; i < senders; i++ {
		go func() {
			for j := 0; j < perSender; j++ {
				_ = a.Send(KindHeartbeat, nil)
			}
		}()
	}

	// Every frame must arrive intact even with interleaved senders.
	for i := 0; i < senders*perSender; i++ {
		msg, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, KindHeartbeat, msg.Kind)
	}
}
