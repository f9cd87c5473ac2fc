package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

func TestStimulusQueueFIFO(t *testing.T) {
	q := newStimulusQueue()
	require.True(t, q.Enqueue(&protocol.FreeKeysEvent{StimulusID: "s1"}))
	require.True(t, q.Enqueue(&protocol.FreeKeysEvent{StimulusID: "s2"}))
	require.True(t, q.Enqueue(&protocol.FreeKeysEvent{StimulusID: "s3"}))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"s1", "s2", "s3"} {
		ev, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, ev.Stimulus())
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestStimulusQueueEnqueueSignalsWaiter(t *testing.T) {
	q := newStimulusQueue()

	select {
	case <-q.Wait():
		t.Fatal("spurious wakeup on empty queue")
	default:
	}

	q.Enqueue(&protocol.FindMissingEvent{StimulusID: "s1"})
	select {
	case <-q.Wait():
	default:
		t.Fatal("enqueue did not signal")
	}
}

func TestStimulusQueueCloseRejectsAndWakes(t *testing.T) {
	q := newStimulusQueue()
	q.Enqueue(&protocol.FindMissingEvent{StimulusID: "s1"})
	// Drain the enqueue signal so the close wakeup is observable.
	<-q.Wait()
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(&protocol.FindMissingEvent{StimulusID: "s2"}))

	// Events enqueued before the close still drain.
	ev, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "s1", ev.Stimulus())

	// The closed signal channel wakes any waiter immediately.
	select {
	case <-q.Wait():
	default:
		t.Fatal("close did not wake waiters")
	}
}
