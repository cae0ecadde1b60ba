// Package rpcarg manages the per-thread cached shared-memory argument
// buffer used for CMD/ALLOC/FREE round trips to the NS world, including
// the thread_rpc_alloc_payload/free_payload convenience wrappers supplied
// in SPEC_FULL §2.
package rpcarg

import (
	"fmt"

	"github.com/cortexsec/teecore/pkg/abi"
	"github.com/cortexsec/teecore/pkg/platform"
)

// Cache holds one thread's lazily-allocated RPC argument buffer. The zero
// value is empty.
type Cache struct {
	pa     uint64
	cookie uint64
	size   uint64
	valid  bool
}

// Empty reports whether no buffer is currently cached.
func (c *Cache) Empty() bool { return !c.valid }

// Ensure lazily allocates a buffer of at least size bytes via alloc,
// validating the returned physical address's alignment and region before
// accepting it, mirroring spec §4.6's allocation-failure path returning
// ENOMEM without dispatching.
func Ensure(c *Cache, shm platform.SharedMemory, alloc platform.RPCAllocator, size uint64) error {
	if c.valid && c.size >= size {
		return nil
	}
	pa, cookie, ok := alloc.Alloc(size)
	if !ok {
		return fmt.Errorf("rpcarg: NS allocator refused %d bytes", size)
	}
	if pa%abi.Align != 0 || !shm.IsNonSecure(pa, size) {
		alloc.Free(cookie)
		return fmt.Errorf("rpcarg: allocator returned invalid buffer pa=%#x size=%d", pa, size)
	}
	c.pa, c.cookie, c.size, c.valid = pa, cookie, size, true
	return nil
}

// Release returns the cached buffer to NS, unless keep is true (the
// preallocated-RPC-cache mode, spec §4.10).
func Release(c *Cache, alloc platform.RPCAllocator, keep bool) {
	if !c.valid || keep {
		return
	}
	alloc.Free(c.cookie)
	*c = Cache{}
}

// Reclaim forcibly frees a cached buffer regardless of keep, returning the
// cookie that was freed and whether one was present. Used by
// disable_prealloc_rpc_cache to drain one cookie per call (spec §4.10).
func Reclaim(c *Cache, alloc platform.RPCAllocator) (cookie uint64, had bool) {
	if !c.valid {
		return 0, false
	}
	cookie = c.cookie
	alloc.Free(cookie)
	*c = Cache{}
	return cookie, true
}

// PA and Cookie expose the cached buffer's identity for marshalling a CMD
// request; callers must check Empty first.
func (c *Cache) PA() uint64     { return c.pa }
func (c *Cache) Cookie() uint64 { return c.cookie }
func (c *Cache) Size() uint64   { return c.size }
