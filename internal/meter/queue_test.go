package meter_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-dbmeter/internal/meter"
)

func TestQueueOrder(t *testing.T) {
	q := meter.NewQueue[int]()

	for i := range 50 {
		q.Push(i)
	}
	for i := range 10 {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	// Wrap around and grow while items are queued.
	for i := 50; i < 300; i++ {
		q.Push(i)
	}
	require.Equal(t, 290, q.Len())

	for i := 10; i < 300; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueuePushMany(t *testing.T) {
	q := meter.NewQueue[float64]()
	q.Push(1, 2, 3)
	q.Push()

	require.Equal(t, 3, q.Len())
	for _, want := range []float64{1, 2, 3} {
		v, ok := q.Pop()
		require.True(t, ok)
		require.InDelta(t, want, v, 0)
	}
}

func TestQueueClear(t *testing.T) {
	q := meter.NewQueue[int]()
	for i := range 1000 {
		q.Push(i)
	}

	q.Clear()
	require.Equal(t, 0, q.Len())
	_, ok := q.Pop()
	require.False(t, ok)

	q.Push(7)
	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 7, v)
}

func TestQueueProducerConsumer(t *testing.T) {
	q := meter.NewQueue[int]()
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			q.Push(i)
		}
	}()

	got := make([]int, 0, total)
	for len(got) < total {
		if v, ok := q.Pop(); ok {
			got = append(got, v)
		}
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
}
