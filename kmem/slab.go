package kmem

import (
	"unsafe"

	"github.com/cloudwego/kmem/buddy"
)

// slabState tracks how many of a slab's object slots are in use.
type slabState uint32

const (
	stateEmpty slabState = iota
	statePartial
	stateFull

	stateCount = 3
)

const (
	bitmapEmpty     = 0x00
	bitmapFull      = 0xff
	bitmapEntryBits = 8

	// minObjCnt is the number of objects a slab's order must accommodate.
	minObjCnt = 1
)

// slab is one contiguous buddy run subdivided into equal-size object slots
// for one cache. The header is written at the slab's colouring offset inside
// the run; the object bitmap follows the header and the object array follows
// the bitmap. Like every allocator structure, it lives inside the region.
type slab struct {
	cache *Cache
	state slabState

	// hook is the buddy record backing this slab; freeing the slab hands
	// exactly this hook back.
	hook buddy.Hook

	offset    uint32
	usedCount uint32

	bitmap  *byte
	objects unsafe.Pointer

	next *slab
}

func calcBitmapSize(objCount int) int {
	n := objCount / bitmapEntryBits
	if objCount%bitmapEntryBits != 0 {
		n++
	}
	return n
}

func calcSlabOrder(objSize int) int {
	return buddy.BlockOrder(int(unsafe.Sizeof(slab{})) + objSize*minObjCnt + 1)
}

func (s *slab) bitmapBytes() []byte {
	return unsafe.Slice(s.bitmap, s.cache.bitmapLength)
}

// blockAlloc and memFree are the slab layer's view of the buddy allocator;
// both serialise on the dedicated buddy lock.

func (k *Kmem) blockAlloc(order int) buddy.Hook {
	k.buddySem.Acquire()
	hook := k.bud.Alloc(order)
	if hook.Addr == nil {
		k.report(ErrMalloc)
	}
	k.buddySem.Release()
	return hook
}

func (k *Kmem) memFree(hook buddy.Hook) {
	k.buddySem.Acquire()
	if k.bud.Free(hook) != nil {
		k.report(ErrFree)
	}
	k.buddySem.Release()
}

// slabAlloc allocates backing blocks for a new slab of c and lays it out:
// header at the colouring offset derived from index, bitmap cleared, every
// slot passed through the constructor once. The slab is returned detached.
func (k *Kmem) slabAlloc(c *Cache, index int) *slab {
	hook := k.blockAlloc(c.slabOrder)
	if hook.Addr == nil {
		return nil
	}

	offset := (index % c.maxAlignments) * buddy.L1LineSize

	s := (*slab)(unsafe.Add(hook.Addr, offset))
	s.cache = c
	s.hook = hook
	s.next = nil
	s.offset = uint32(offset)
	s.usedCount = 0
	s.state = stateEmpty
	s.bitmap = (*byte)(unsafe.Add(unsafe.Pointer(s), unsafe.Sizeof(slab{})))
	s.objects = unsafe.Add(unsafe.Pointer(s.bitmap), c.bitmapLength)

	bm := s.bitmapBytes()
	for i := range bm {
		bm[i] = bitmapEmpty
	}

	if c.ctor != nil {
		for i := 0; i < c.objPerSlab; i++ {
			c.ctor(unsafe.Add(s.objects, i*c.objectSize))
		}
	}
	return s
}

// slabFree returns the slab's backing to the buddy. When callDtor is set the
// destructor runs over every slot, allocated or not; callers must tolerate
// destruction of slots they never allocated. The slab must be detached.
func (k *Kmem) slabFree(s *slab, callDtor bool) {
	c := s.cache
	if c.dtor != nil && callDtor {
		for i := 0; i < c.objPerSlab; i++ {
			c.dtor(unsafe.Add(s.objects, i*c.objectSize))
		}
	}
	k.memFree(s.hook)
}

// slabAttach prepends the slab to the list matching its state.
func slabAttach(s *slab) {
	c := s.cache
	s.next = c.heads[s.state]
	c.heads[s.state] = s
	c.slabCount[s.state]++
}

// slabDetach removes the slab from its state list. Returns false when the
// slab is not on it.
func slabDetach(s *slab) bool {
	c := s.cache
	var prev *slab
	cur := c.heads[s.state]
	for cur != s {
		if cur == nil {
			return false
		}
		prev = cur
		cur = cur.next
	}
	if prev != nil {
		prev.next = cur.next
	} else {
		c.heads[s.state] = cur.next
	}
	c.slabCount[s.state]--
	return true
}

func slabChangeState(s *slab, state slabState) bool {
	if s.state == state || !slabDetach(s) {
		return false
	}
	s.state = state
	slabAttach(s)
	return true
}

// slabAllocObject claims the first free slot: the first clear bit, bit 0
// first within each byte, of the first non-full bitmap byte. The caller
// guarantees a free slot exists.
func slabAllocObject(s *slab) unsafe.Pointer {
	c := s.cache
	bm := s.bitmapBytes()

	objIndex := -1
	for i := 0; i < c.bitmapLength; i++ {
		if bm[i] != bitmapFull {
			j := 0
			for bm[i]&(1<<j) != 0 {
				j++
			}
			objIndex = i*bitmapEntryBits + j
			break
		}
	}
	if objIndex < 0 || objIndex >= c.objPerSlab {
		panic("kmem: slab bitmap inconsistent with slab state")
	}

	bm[objIndex/bitmapEntryBits] |= 1 << (objIndex % bitmapEntryBits)
	s.usedCount++

	if int(s.usedCount) < c.objPerSlab && s.state != statePartial {
		slabChangeState(s, statePartial)
	} else if int(s.usedCount) == c.objPerSlab {
		slabChangeState(s, stateFull)
	}

	return unsafe.Add(s.objects, objIndex*c.objectSize)
}

// slabFreeObject releases the slot holding obj. Returns false when obj does
// not point into this slab's object range; this is how a free is routed to
// the slab that owns the pointer.
func slabFreeObject(s *slab, obj unsafe.Pointer) bool {
	c := s.cache
	start := uintptr(s.objects)
	end := start + uintptr((c.objPerSlab-1)*c.objectSize)
	p := uintptr(obj)
	if p < start || p > end {
		return false
	}

	objIndex := int(p-start) / c.objectSize
	bm := s.bitmapBytes()
	bm[objIndex/bitmapEntryBits] &^= 1 << (objIndex % bitmapEntryBits)
	s.usedCount--

	if s.usedCount == 0 {
		slabChangeState(s, stateEmpty)
	} else if s.state != statePartial {
		slabChangeState(s, statePartial)
	}
	return true
}
