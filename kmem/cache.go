package kmem

import (
	"unsafe"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/internal/hack"
	"github.com/cloudwego/kmem/mutex"
)

const cacheNameLen = 32

// Ctor initialises one object slot. It runs exactly once per slot, when the
// slot's slab is created.
type Ctor func(obj unsafe.Pointer)

// Dtor tears down one object slot. It runs on slab destruction for every
// slot regardless of allocation state.
type Dtor func(obj unsafe.Pointer)

// growState records whether the cache has grown since the last shrink.
// A shrink only reclaims when no growth occurred in between.
type growState int32

const (
	growUntouched growState = -1
	growStable    growState = 0
	growGrown     growState = 1
)

// Cache is a typed pool of slabs for objects of one size. Cache descriptors
// are themselves objects of the bootstrap cache-of-caches, so they live
// inside the region like everything else.
type Cache struct {
	name [cacheNameLen]byte

	heads     [stateCount]*slab
	slabCount [stateCount]uint32

	objectSize   int
	bitmapLength int
	slabOrder    int
	objPerSlab   int

	// nextOffset cycles through maxAlignments colouring offsets so that
	// consecutive slab headers land in different L1 sets.
	nextOffset    int
	maxAlignments int

	ctor Ctor
	dtor Dtor

	extended growState
	err      Errno

	mutexSpace [mutex.Size]byte
	mu         *mutex.Mutex

	next *Cache
}

// Name returns the cache's name.
func (c *Cache) Name() string {
	return string(hack.NullTerminated(c.name[:]))
}

// cacheInit computes the slab geometry for objSize and initialises every
// descriptor field in place. Geometry: the slab order is the smallest run
// fitting header+object+bitmap byte; obj_per_slab is the largest n with
// ceil(n/8) + n*objSize inside the run after the header; the leftover bytes
// divided into L1 lines give the number of colouring offsets.
func cacheInit(c *Cache, name string, objSize int, ctor Ctor, dtor Dtor) {
	slabOrder := calcSlabOrder(objSize)
	slabSize := buddy.PowerOfTwo(slabOrder) * buddy.BlockSize
	free := slabSize - int(unsafe.Sizeof(slab{}))

	objCount, bitmapSize := 0, 0
	for bitmapSize+objCount*objSize <= free {
		objCount++
		bitmapSize = calcBitmapSize(objCount)
	}
	objCount--
	bitmapSize = calcBitmapSize(objCount)
	waste := free - (bitmapSize + objCount*objSize)

	*c = Cache{} // descriptor memory may be a reused slab slot
	copy(c.name[:cacheNameLen-1], name)

	c.objectSize = objSize
	c.bitmapLength = bitmapSize
	c.slabOrder = slabOrder
	c.objPerSlab = objCount
	c.maxAlignments = waste/buddy.L1LineSize + 1

	c.ctor = ctor
	c.dtor = dtor
	c.extended = growUntouched

	c.mu = mutex.Init(c.mutexSpace[:])
}

// cacheNewSlab grows the cache by one slab, advancing the colouring cursor
// whether or not the allocation succeeds.
func (k *Kmem) cacheNewSlab(c *Cache) bool {
	s := k.slabAlloc(c, c.nextOffset)
	c.nextOffset = (c.nextOffset + 1) % c.maxAlignments

	if s == nil {
		c.err = ErrCacheExpand
		return false
	}
	slabAttach(s)
	return true
}

// cacheAllocObj produces one object: partial slabs first, then an empty
// slab, growing the cache when neither exists. Caller holds the global lock.
func (k *Kmem) cacheAllocObj(c *Cache) unsafe.Pointer {
	if c.heads[statePartial] != nil {
		return slabAllocObject(c.heads[statePartial])
	}
	if c.heads[stateEmpty] == nil {
		if !k.cacheNewSlab(c) {
			c.err = ErrCacheObjAlloc
			return nil
		}
		if c.extended != growUntouched {
			c.extended = growGrown
		}
	}
	return slabAllocObject(c.heads[stateEmpty])
}

// cacheFreeObj walks the partial then full lists and frees obj via the
// first slab whose object range contains it.
func cacheFreeObj(c *Cache, obj unsafe.Pointer) bool {
	for state := statePartial; state <= stateFull; state++ {
		for s := c.heads[state]; s != nil; s = s.next {
			if slabFreeObject(s, obj) {
				return true
			}
		}
	}
	c.err = ErrCacheObjFree
	return false
}

// cacheFind looks a cache up by name on the global list. Names are compared
// as stored, so a name past the capacity is cut the same way first.
func (k *Kmem) cacheFind(name string) *Cache {
	if len(name) > cacheNameLen-1 {
		name = name[:cacheNameLen-1]
	}
	for c := k.ctrl.cache.next; c != nil; c = c.next {
		if hack.ByteSliceToString(hack.NullTerminated(c.name[:])) == name {
			return c
		}
	}
	return nil
}

func (k *Kmem) cacheListAdd(c *Cache) {
	c.next = k.ctrl.cache.next
	k.ctrl.cache.next = c
}

func (k *Kmem) cacheListRemove(c *Cache) bool {
	var prev *Cache
	cur := k.ctrl.cache.next
	for cur != nil && cur != c {
		prev = cur
		cur = cur.next
	}
	if cur == nil {
		return false
	}
	if prev != nil {
		prev.next = cur.next
	} else {
		k.ctrl.cache.next = cur.next
	}
	cur.next = nil
	return true
}
