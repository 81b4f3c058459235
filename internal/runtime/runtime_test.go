package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayusctrojan/Empire-sub006/internal/bus"
	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/scheduler"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rt.Close)
	return rt
}

func TestWorkerRegistrationWakesTaskQueue(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Tasks.Enqueue(scheduler.TaskSpec{ID: "task-1", Capability: "echo", Priority: 5})
	require.NoError(t, err)

	// Drain any wakeup from the enqueue itself.
	select {
	case <-rt.Tasks.ReadyC():
	default:
	}

	rt.Workers.Register("w1", []string{"echo"})

	select {
	case <-rt.Tasks.ReadyC():
	case <-time.After(time.Second):
		t.Fatal("registering a worker did not wake the task queue")
	}
}

func TestCloseUnblocksStreamProducer(t *testing.T) {
	rt := newTestRuntime(t)

	session, err := rt.Bus.OpenStream("task-1", bus.StreamOptions{
		Capacity: 1,
		Policy:   domain.BackpressureBlock,
	})
	require.NoError(t, err)

	_, err = session.Push(context.Background(), json.RawMessage(`"first"`), false)
	require.NoError(t, err)

	pushed := make(chan error, 1)
	go func() {
		_, err := session.Push(context.Background(), json.RawMessage(`"second"`), false)
		pushed <- err
	}()

	rt.Close()

	select {
	case err := <-pushed:
		assert.ErrorIs(t, err, bus.ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer did not unwind on close")
	}
}

func TestCloseShutsInboxes(t *testing.T) {
	rt := newTestRuntime(t)

	inbox := rt.Bus.Subscribe("agent-1")
	rt.Close()

	_, err := inbox.Receive(context.Background())
	assert.Error(t, err)
}
