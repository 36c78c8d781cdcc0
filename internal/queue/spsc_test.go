package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPSCOrder(t *testing.T) {
	q := NewSPSC[int](8)
	for i := 0; i < 8; i++ {
		require.True(t, q.Push(i))
	}
	assert.False(t, q.Push(8), "ring should be full")
	assert.Equal(t, 8, q.Len())

	for i := 0; i < 8; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok, "ring should be empty")
}

func TestSPSCCapacityRounding(t *testing.T) {
	q := NewSPSC[int](3)
	for i := 0; i < 4; i++ {
		require.True(t, q.Push(i))
	}
	assert.False(t, q.Push(4), "capacity rounds up to 4")
}

func TestSPSCWraparound(t *testing.T) {
	q := NewSPSC[int](4)
	for round := 0; round < 100; round++ {
		require.True(t, q.Push(round))
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, round, v)
	}
}

func TestSPSCConcurrent(t *testing.T) {
	const n = 100000
	q := NewSPSC[int](256)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !q.Push(i) {
			}
		}
	}()

	for i := 0; i < n; i++ {
		for {
			v, ok := q.Pop()
			if !ok {
				continue
			}
			if v != i {
				t.Errorf("out of order: got %d, want %d", v, i)
			}
			break
		}
	}
	wg.Wait()
}

func TestSPSCDrain(t *testing.T) {
	q := NewSPSC[string](8)
	q.Push("a")
	q.Push("b")
	q.Push("c")
	assert.Equal(t, []string{"a", "b", "c"}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}
