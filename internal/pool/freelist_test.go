package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeList(t *testing.T) {
	t.Run("alloc from empty list uses factory", func(t *testing.T) {
		built := 0
		l := New(2, func() *int {
			built++
			v := built
			return &v
		})

		a := l.Alloc()
		b := l.Alloc()
		require.Equal(t, 1, *a)
		require.Equal(t, 2, *b)
		require.Equal(t, 2, built)
		require.Zero(t, l.Len())
	})

	t.Run("freed objects are reused", func(t *testing.T) {
		built := 0
		l := New(4, func() *int {
			built++
			return new(int)
		})

		a := l.Alloc()
		require.True(t, l.Free(a))
		require.Equal(t, 1, l.Len())
		require.Same(t, a, l.Alloc())
		require.Equal(t, 1, built)
	})

	t.Run("free at capacity is refused", func(t *testing.T) {
		l := New(2, func() *int { return new(int) })
		objs := []*int{l.Alloc(), l.Alloc(), l.Alloc()}

		require.True(t, l.Free(objs[0]))
		require.True(t, l.Free(objs[1]))
		require.False(t, l.Free(objs[2]))
		require.Equal(t, 2, l.Len())
		require.Equal(t, 2, l.Cap())
	})

	t.Run("idle count never exceeds capacity", func(t *testing.T) {
		const capacity = 8
		l := New(capacity, func() []byte { return make([]byte, 0, 16) })

		for n := 1; n <= capacity; n++ {
			held := make([][]byte, n)
			for i := range held {
				held[i] = l.Alloc()
			}
			for _, obj := range held {
				l.Free(obj)
				require.LessOrEqual(t, l.Len(), capacity)
			}
		}

		require.False(t, l.Free(make([]byte, 0)))
		require.Equal(t, capacity, l.Len())
	})

	t.Run("zero capacity never retains", func(t *testing.T) {
		l := New(0, func() int { return 1 })
		require.False(t, l.Free(l.Alloc()))
		require.Zero(t, l.Len())
	})
}
