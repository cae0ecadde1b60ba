package rpcarg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSHM struct {
	base, size uint64
}

func (s fakeSHM) IsNonSecure(pa, length uint64) bool {
	return pa >= s.base && pa+length <= s.base+s.size
}
func (s fakeSHM) Translate(pa, length uint64) ([]byte, bool) { return nil, false }

type fakeAllocator struct {
	nextPA uint64
	nextOK bool
	freed  []uint64
}

func (a *fakeAllocator) Alloc(size uint64) (uint64, uint64, bool) {
	return a.nextPA, a.nextPA, a.nextOK
}
func (a *fakeAllocator) Free(cookie uint64) { a.freed = append(a.freed, cookie) }

func TestEnsureAcceptsAlignedInRegionBuffer(t *testing.T) {
	shm := fakeSHM{base: 0x1000, size: 0x10000}
	alloc := &fakeAllocator{nextPA: 0x2000, nextOK: true}
	var c Cache
	require.NoError(t, Ensure(&c, shm, alloc, 4096))
	require.False(t, c.Empty())
	require.Equal(t, uint64(0x2000), c.PA())
}

func TestEnsureRejectsMisalignedBuffer(t *testing.T) {
	shm := fakeSHM{base: 0x1000, size: 0x10000}
	alloc := &fakeAllocator{nextPA: 0xFFFF_0001, nextOK: true}
	var c Cache
	require.Error(t, Ensure(&c, shm, alloc, 4096))
	require.True(t, c.Empty())
	require.Equal(t, []uint64{0xFFFF_0001}, alloc.freed, "a rejected buffer must be freed back to NS")
}

func TestEnsureIsIdempotentWhenAlreadySized(t *testing.T) {
	shm := fakeSHM{base: 0x1000, size: 0x10000}
	alloc := &fakeAllocator{nextPA: 0x2000, nextOK: true}
	var c Cache
	require.NoError(t, Ensure(&c, shm, alloc, 4096))
	alloc.nextPA = 0x3000
	require.NoError(t, Ensure(&c, shm, alloc, 4096))
	require.Equal(t, uint64(0x2000), c.PA(), "second Ensure must reuse the cached buffer")
}

func TestReleaseKeepsBufferWhenPrealloc(t *testing.T) {
	shm := fakeSHM{base: 0x1000, size: 0x10000}
	alloc := &fakeAllocator{nextPA: 0x2000, nextOK: true}
	var c Cache
	require.NoError(t, Ensure(&c, shm, alloc, 4096))
	Release(&c, alloc, true)
	require.False(t, c.Empty())
	require.Empty(t, alloc.freed)
}

func TestReclaimDrainsOneCookie(t *testing.T) {
	shm := fakeSHM{base: 0x1000, size: 0x10000}
	alloc := &fakeAllocator{nextPA: 0x2000, nextOK: true}
	var c Cache
	require.NoError(t, Ensure(&c, shm, alloc, 4096))

	cookie, had := Reclaim(&c, alloc)
	require.True(t, had)
	require.Equal(t, uint64(0x2000), cookie)
	require.True(t, c.Empty())

	_, had = Reclaim(&c, alloc)
	require.False(t, had)
}
