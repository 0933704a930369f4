package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue()
	for _, s := range []string{"a", "b", "c"} {
		require.True(t, q.push([]byte(s)))
	}
	assert.Equal(t, 3, q.len())
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	assert.Equal(t, 0, q.len())
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := newQueue()
	got := make(chan string, 1)
	go func() {
		msg, err := q.pop(context.Background())
		if err == nil {
			got <- string(msg)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.push([]byte("late"))
	select {
	case msg := <-got:
		assert.Equal(t, "late", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	q := newQueue()
	q.push([]byte("pending"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, context.Canceled)

	rest := q.drain()
	require.Len(t, rest, 1)
	assert.Equal(t, "pending", string(rest[0]))
	assert.False(t, q.push([]byte("after drain")))
}
