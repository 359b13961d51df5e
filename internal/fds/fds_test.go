package fds

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := New(nil)

	r.Set("a", 10, TypeFile)
	require.True(t, r.Has("a"))
	require.True(t, r.HasFD(10))

	fd, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, uint64(10), fd)

	id, ok := r.To(10)
	require.True(t, ok)
	require.Equal(t, "a", id)

	typ, ok := r.TypeOf("a")
	require.True(t, ok)
	require.Equal(t, TypeFile, typ)

	typ, ok = r.TypeOfFD(10)
	require.True(t, ok)
	require.Equal(t, TypeFile, typ)

	r.Release("a")
	require.False(t, r.Has("a"))
	require.False(t, r.HasFD(10))
	_, ok = r.TypeOf("a")
	require.False(t, ok)

	// Releasing twice is a no-op.
	r.Release("a")
	require.Equal(t, 0, r.Len())
}

func TestRegistry_Reopen(t *testing.T) {
	r := New(nil)

	r.Set("a", 10, TypeFile)
	r.Set("a", 11, TypeFile)

	require.False(t, r.HasFD(10), "old descriptor must be dropped on reopen")
	id, ok := r.To(11)
	require.True(t, ok)
	require.Equal(t, "a", id)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_ReusedDescriptor(t *testing.T) {
	r := New(nil)

	r.Set("a", 10, TypeFile)
	r.Set("b", 10, TypeDirectory)

	require.False(t, r.Has("a"))
	id, _ := r.To(10)
	require.Equal(t, "b", id)

	// Releasing the stale ID must not drop the new owner of the descriptor.
	r.Release("a")
	require.True(t, r.HasFD(10))
}

func TestRegistry_Bijection(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("id-%d", (w*31+i)%20)
				if i%3 == 0 {
					r.Release(id)
					continue
				}
				r.Set(id, uint64((w*7+i)%16), TypeFile)
			}
		}(w)
	}
	wg.Wait()

	seenFD := make(map[uint64]string)
	for _, d := range r.Entries() {
		other, dup := seenFD[d.FD]
		require.False(t, dup, "descriptor %d mapped by both %s and %s", d.FD, other, d.ID)
		seenFD[d.FD] = d.ID

		id, ok := r.To(d.FD)
		require.True(t, ok)
		require.Equal(t, d.ID, id)
	}
}

func TestRegistry_Entries(t *testing.T) {
	r := New(nil)
	r.Set("b", 2, TypeDirectory)
	r.Set("a", 1, TypeFile)

	require.Equal(t, []Descriptor{
		{ID: "a", FD: 1, Type: TypeFile},
		{ID: "b", FD: 2, Type: TypeDirectory},
	}, r.Entries())
}
