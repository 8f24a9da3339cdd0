// Package kmem is a kernel-style slab allocator layered over the buddy
// package. A Kmem handle owns one contiguous region: typed-object caches
// with optional constructors and destructors draw their slabs from the
// buddy layer, and a set of power-of-two size classes backs the
// general-purpose Malloc/Free pair. All allocator state lives inside the
// region itself.
package kmem

import (
	"fmt"
	"unsafe"

	"github.com/cloudwego/kmem/buddy"
	"github.com/cloudwego/kmem/mutex"
)

const (
	// Size classes Buffer_5 .. Buffer_17 serve Malloc with objects of
	// 32 bytes up to 128KB.
	minBuffOrder = 5
	maxBuffOrder = 17
	sizeNCount   = maxBuffOrder - minBuffOrder + 1
)

// buffCache is one size class: its cache plus a marker set on first use so
// Free only scans classes that ever allocated.
type buffCache struct {
	cache Cache
	used  bool
}

// kmemCtrl is the allocator control structure, carved from buddy control
// scratch in block 0. Its embedded cache is the cache-of-caches from which
// all other cache descriptors are drawn.
type kmemCtrl struct {
	cache   Cache
	buffers [sizeNCount]buffCache
}

// Kmem is the allocator handle. All public operations thread through it;
// there is no process-global instance.
type Kmem struct {
	bud  *buddy.Buddy
	ctrl *kmemCtrl

	// sem serialises cache creation, allocation and the Malloc/Free paths;
	// buddySem guards the buddy layer and nests inside sem or a per-cache
	// lock during slab expansion and reclaim.
	sem      *mutex.Mutex
	buddySem *mutex.Mutex

	sink func(Errno)

	// Constructor and destructor values are stored in cache descriptors,
	// which live in region bytes the collector does not scan. References
	// are kept here so closures stay reachable.
	pinned []interface{}
}

// Init builds an allocator over region, which must hold blockCount blocks.
// Block 0 is taken for buddy and allocator control state; the cache-of-
// caches is bootstrapped with one seeded slab and the size classes are set
// up empty, growing on first use.
func Init(region []byte, blockCount int) (*Kmem, error) {
	bud, err := buddy.Init(region, blockCount)
	if err != nil {
		return nil, err
	}

	k := &Kmem{bud: bud}

	p := bud.CtrlAlloc(int(unsafe.Sizeof(kmemCtrl{})))
	if p == nil {
		return nil, fmt.Errorf("kmem: control area exhausted")
	}
	k.ctrl = (*kmemCtrl)(p)

	semSpace := bud.CtrlAlloc(mutex.Size)
	buddySemSpace := bud.CtrlAlloc(mutex.Size)
	if semSpace == nil || buddySemSpace == nil {
		return nil, fmt.Errorf("kmem: control area exhausted")
	}
	k.sem = mutex.Init(unsafe.Slice((*byte)(semSpace), mutex.Size))
	k.buddySem = mutex.Init(unsafe.Slice((*byte)(buddySemSpace), mutex.Size))

	cacheInit(&k.ctrl.cache, "kmem_cache", int(unsafe.Sizeof(Cache{})), nil, nil)
	if !k.cacheNewSlab(&k.ctrl.cache) {
		return nil, fmt.Errorf("kmem: seeding the cache of caches failed")
	}

	for order := minBuffOrder; order <= maxBuffOrder; order++ {
		b := &k.ctrl.buffers[order-minBuffOrder]
		cacheInit(&b.cache, fmt.Sprintf("Buffer_%d", order), 1<<order, nil, nil)
		b.used = false
	}
	return k, nil
}

// SetErrorSink installs a receiver for eagerly reported errors (argument
// validation, buddy failures). The allocator itself never formats output.
func (k *Kmem) SetErrorSink(sink func(Errno)) {
	k.sink = sink
}

func (k *Kmem) report(e Errno) {
	if k.sink != nil {
		k.sink(e)
	}
}

// CacheCreate returns the cache registered under name, creating it when it
// does not exist yet. The descriptor is drawn from the cache-of-caches.
// Returns nil on failure.
func (k *Kmem) CacheCreate(name string, size int, ctor Ctor, dtor Dtor) *Cache {
	if name == "" || size <= 0 {
		k.report(ErrArg)
		return nil
	}

	k.sem.Acquire()
	c := k.cacheFind(name)
	if c == nil {
		c = (*Cache)(k.cacheAllocObj(&k.ctrl.cache))
		if c == nil {
			k.report(ErrCacheCreate)
			k.sem.Release()
			return nil
		}
		cacheInit(c, name, size, ctor, dtor)
		k.cacheListAdd(c)

		if ctor != nil {
			k.pinned = append(k.pinned, ctor)
		}
		if dtor != nil {
			k.pinned = append(k.pinned, dtor)
		}
	}
	k.sem.Release()
	return c
}

// CacheAlloc produces one object from the cache, or nil on failure.
func (k *Kmem) CacheAlloc(c *Cache) unsafe.Pointer {
	if c == nil {
		k.report(ErrArg)
		return nil
	}
	k.sem.Acquire()
	obj := k.cacheAllocObj(c)
	k.sem.Release()
	return obj
}

// CacheFree releases an object previously returned by CacheAlloc. A pointer
// no slab of the cache claims latches ErrCacheObjFree.
func (k *Kmem) CacheFree(c *Cache, obj unsafe.Pointer) {
	if c == nil || obj == nil {
		k.report(ErrArg)
		return
	}
	c.mu.Acquire()
	cacheFreeObj(c, obj)
	c.mu.Release()
}

// CacheShrink reclaims the cache's empty slabs and returns the number of
// blocks handed back to the buddy. Reclaim only runs when the cache has not
// grown since the last shrink: either it is in its initial untouched state,
// or it is stable and holds at least one empty slab.
func (k *Kmem) CacheShrink(c *Cache) int {
	if c == nil {
		k.report(ErrArg)
		return 0
	}

	c.mu.Acquire()
	freed := 0
	if (c.extended == growStable && c.heads[stateEmpty] != nil) || c.extended == growUntouched {
		s := c.heads[stateEmpty]
		for s != nil {
			next := s.next
			slabDetach(s)
			k.slabFree(s, false)
			s = next
			freed++
		}
	}
	c.extended = growStable
	c.mu.Release()

	return freed * buddy.PowerOfTwo(c.slabOrder)
}

// CacheDestroy tears the cache down: every slab of every state is freed
// with destructors running over all slots, the cache leaves the global
// list, and the descriptor returns to the cache-of-caches. Global list
// operations complete before the per-cache lock is taken and resume only
// after it is released, so the two locks are never held together.
func (k *Kmem) CacheDestroy(c *Cache) {
	if c == nil {
		k.report(ErrArg)
		return
	}

	k.sem.Acquire()
	ok := k.cacheListRemove(c)
	k.sem.Release()
	if !ok {
		panic("kmem: destroying an unregistered cache")
	}

	c.mu.Acquire()
	for state := slabState(0); state < stateCount; state++ {
		s := c.heads[state]
		for s != nil {
			next := s.next
			slabDetach(s)
			k.slabFree(s, true)
			s = next
		}
	}
	c.mu.Release()
	c.mu.Destroy()

	k.sem.Acquire()
	cacheFreeObj(&k.ctrl.cache, unsafe.Pointer(c))
	k.sem.Release()
}

// Info is a point-in-time snapshot of one cache. Rendering is the caller's
// business.
type Info struct {
	Name       string
	ObjectSize int
	// Blocks counts the descriptor's share plus all slab backing.
	Blocks       int
	Slabs        int
	ObjPerSlab   int
	TotalObjects int
	UsedObjects  int
	// Usage is used objects over total objects, in percent.
	Usage float64
}

// CacheInfo computes a snapshot of the cache's occupancy.
func (k *Kmem) CacheInfo(c *Cache) Info {
	if c == nil {
		k.report(ErrArg)
		return Info{}
	}

	c.mu.Acquire()
	totalSlabs := int(c.slabCount[stateEmpty] + c.slabCount[statePartial] + c.slabCount[stateFull])
	totalObj := totalSlabs * c.objPerSlab

	usedObj := 0
	for s := c.heads[statePartial]; s != nil; s = s.next {
		usedObj += int(s.usedCount)
	}
	usedObj += int(c.slabCount[stateFull]) * c.objPerSlab

	usage := 0.0
	if totalObj != 0 {
		usage = 100 * float64(usedObj) / float64(totalObj)
	}

	info := Info{
		Name:         c.Name(),
		ObjectSize:   c.objectSize,
		Blocks:       buddy.SizeInBlocks(int(unsafe.Sizeof(Cache{}))) + totalSlabs*buddy.PowerOfTwo(c.slabOrder),
		Slabs:        totalSlabs,
		ObjPerSlab:   c.objPerSlab,
		TotalObjects: totalObj,
		UsedObjects:  usedObj,
		Usage:        usage,
	}
	c.mu.Release()
	return info
}

// CacheError returns the cache's latched error code, reporting it to the
// sink and clearing the latch when one is set.
func (k *Kmem) CacheError(c *Cache) Errno {
	if c == nil {
		k.report(ErrArg)
		return ErrNone
	}

	k.sem.Acquire()
	e := c.err
	if e != ErrNone {
		k.report(e)
		c.err = ErrNone
	}
	k.sem.Release()
	return e
}

// Malloc allocates a byte buffer of at least size bytes from the smallest
// fitting size class, marking the class used. Returns nil when the request
// exceeds the largest class or the class cannot grow.
func (k *Kmem) Malloc(size int) unsafe.Pointer {
	if size <= 0 {
		k.report(ErrArg)
		return nil
	}

	k.sem.Acquire()
	order := 0
	for buddy.PowerOfTwo(order) < size {
		order++
	}
	if order < minBuffOrder {
		order = minBuffOrder
	}
	if order > maxBuffOrder {
		k.report(ErrBuffAlloc)
		k.sem.Release()
		return nil
	}

	b := &k.ctrl.buffers[order-minBuffOrder]
	b.used = true

	buff := k.cacheAllocObj(&b.cache)
	if buff == nil {
		k.report(ErrBuffAlloc)
		k.sem.Release()
		return nil
	}
	k.sem.Release()
	return buff
}

// Free releases a buffer previously returned by Malloc. Every size class
// that ever allocated is scanned, partial slabs before full ones, until one
// claims the pointer; an unclaimed pointer is reported as ErrBuffFree.
func (k *Kmem) Free(buff unsafe.Pointer) {
	if buff == nil {
		k.report(ErrArg)
		return
	}

	k.sem.Acquire()
	for i := 0; i < sizeNCount; i++ {
		if !k.ctrl.buffers[i].used {
			continue
		}
		c := &k.ctrl.buffers[i].cache
		for state := statePartial; state <= stateFull; state++ {
			for s := c.heads[state]; s != nil; s = s.next {
				if slabFreeObject(s, buff) {
					k.sem.Release()
					return
				}
			}
		}
	}
	k.report(ErrBuffFree)
	k.sem.Release()
}

// FreeBlocks returns the buddy layer's current free block count.
func (k *Kmem) FreeBlocks() int {
	k.buddySem.Acquire()
	n := k.bud.FreeBlocks()
	k.buddySem.Release()
	return n
}

// TotalBlocks returns the number of usable blocks in the region.
func (k *Kmem) TotalBlocks() int {
	return k.bud.TotalBlocks()
}
