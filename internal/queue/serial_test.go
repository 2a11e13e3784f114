package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerial_ProcessesInOrder(t *testing.T) {
	q := NewSerial[int]()

	var mu sync.Mutex
	var got []int

	q.Start(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(i))
	}
	q.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSerial_NoInterleaving(t *testing.T) {
	q := NewSerial[int]()

	var active int32
	var mu sync.Mutex
	maxActive := 0

	q.Start(func(int) {
		mu.Lock()
		active++
		if int(active) > maxActive {
			maxActive = int(active)
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Push(i))
	}
	q.Close()

	require.Equal(t, 1, maxActive)
}

func TestSerial_BuffersBeforeStart(t *testing.T) {
	q := NewSerial[string]()

	require.NoError(t, q.Push("a"))
	require.NoError(t, q.Push("b"))
	require.Equal(t, 2, q.Len())

	var got []string
	q.Start(func(v string) { got = append(got, v) })
	q.Close()

	require.Equal(t, []string{"a", "b"}, got)
}

func TestSerial_PushAfterClose(t *testing.T) {
	q := NewSerial[int]()
	q.Start(func(int) {})
	q.Close()

	require.ErrorIs(t, q.Push(1), ErrClosed)
}

func TestSerial_CloseWithoutStart(t *testing.T) {
	q := NewSerial[int]()
	require.NoError(t, q.Push(1))
	q.Close()
	require.ErrorIs(t, q.Push(2), ErrClosed)
}
