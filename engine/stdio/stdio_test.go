package stdio

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueReceiver feeds scripted payloads to the engine; closing it simulates
// the session ending.
type queueReceiver struct {
	ch chan []byte
}

func newQueueReceiver() *queueReceiver {
	return &queueReceiver{ch: make(chan []byte, 16)}
}

func (q *queueReceiver) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-q.ch:
		if !ok {
			return nil, errors.New("session closed")
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collector records everything the engine emits.
type collector struct {
	mu   sync.Mutex
	got  [][]byte
	seen chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) Send(payload []byte) error {
	c.mu.Lock()
	c.got = append(c.got, payload)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.got))
	copy(out, c.got)
	return out
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestNewMissingCommand(t *testing.T) {
	_, err := New("definitely-not-a-real-command-xyz", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestRunEchoesThroughSubprocess(t *testing.T) {
	requireTool(t, "cat")

	eng, err := New("cat", nil, nil)
	require.NoError(t, err)

	in := newQueueReceiver()
	out := newCollector()

	payloads := [][]byte{
		[]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`),
		[]byte(`{"jsonrpc":"2.0","method":"ping","id":2}`),
	}
	for _, p := range payloads {
		in.ch <- p
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), in, out) }()

	for range payloads {
		select {
		case <-out.seen:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for engine output")
		}
	}
	assert.Equal(t, payloads, out.payloads(), "payloads must round-trip byte-identical")

	// Ending the inbound side closes the child's stdin; cat exits and the
	// run completes cleanly.
	close(in.ch)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine run did not complete after inbound closure")
	}
}

func TestRunDropsNonJSONOutput(t *testing.T) {
	requireTool(t, "sh")

	// The child prints garbage before behaving; only the JSON line may be
	// relayed.
	eng, err := New("sh", []string{"-c", `echo "stray log line"; cat`}, nil)
	require.NoError(t, err)

	in := newQueueReceiver()
	out := newCollector()
	payload := []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)
	in.ch <- payload

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), in, out) }()

	select {
	case <-out.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine output")
	}
	assert.Equal(t, [][]byte{payload}, out.payloads())

	close(in.ch)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine run did not complete")
	}
}

func TestRunCancellationKillsProcess(t *testing.T) {
	requireTool(t, "sleep")

	eng, err := New("sleep", []string{"60"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in := newQueueReceiver()
	out := newCollector()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, in, out) }()

	// Let the process start before cancelling.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not end the engine run promptly")
	}
}

func TestRunProcessExitFailure(t *testing.T) {
	requireTool(t, "sh")

	eng, err := New("sh", []string{"-c", "exit 3"}, nil)
	require.NoError(t, err)

	in := newQueueReceiver()
	defer close(in.ch)
	out := newCollector()

	err = eng.Run(context.Background(), in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
}
