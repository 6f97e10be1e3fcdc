package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorReturnsEarlyOnQuorum(t *testing.T) {
	c := NewCollector[int](2)
	require.True(t, c.Add("a", 1))
	require.True(t, c.Add("b", 2))

	start := time.Now()
	items, ok := c.Wait(context.Background(), 10*time.Second)
	require.True(t, ok)
	require.Len(t, items, 2)
	require.Less(t, time.Since(start), time.Second)
}

func TestCollectorTimesOutBelowQuorum(t *testing.T) {
	c := NewCollector[int](3)
	c.Add("a", 1)

	items, ok := c.Wait(context.Background(), 50*time.Millisecond)
	require.False(t, ok)
	require.Len(t, items, 1)
}

func TestCollectorDuplicatesAreIdempotent(t *testing.T) {
	c := NewCollector[int](2)
	require.True(t, c.Add("a", 1))
	require.False(t, c.Add("a", 99))
	require.Equal(t, 1, c.Len())

	items := c.Items()
	require.Equal(t, 1, items["a"])
}

func TestCollectorQuorumWhileWaiting(t *testing.T) {
	c := NewCollector[string](2)
	c.Add("a", "x")
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Add("b", "y")
	}()

	items, ok := c.Wait(context.Background(), 5*time.Second)
	require.True(t, ok)
	require.Len(t, items, 2)
}

func TestCollectorContextCancellation(t *testing.T) {
	c := NewCollector[int](2)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, ok := c.Wait(ctx, 10*time.Second)
	require.False(t, ok)
}
