package buddy

import (
	"fmt"
	"unsafe"
)

// Buddy manages a caller-supplied region sliced into BlockSize blocks.
// Block 0 holds the control state and a small bump area for other control
// structures; allocation starts at block 1. Free runs are kept on one
// intrusive singly-linked list per order, with the next run's block index
// written into the first word of each free run. Everything the allocator
// knows lives inside the region, so the encoding is position independent.
type Buddy struct {
	region []byte
	base   unsafe.Pointer
	ctrl   *ctrl
}

// ctrl is the control state cast over the start of block 0.
type ctrl struct {
	allocBlockCount uint64
	freeBlockCount  uint64
	maxOrder        uint32
	ctrlOffset      uint32
	freeHeads       [MaxOrderLimit]uint32
}

// Hook identifies an allocated run: its base address and its order.
// A nil Addr means the allocation failed.
type Hook struct {
	Addr  unsafe.Pointer
	Order int
}

// Stats is a snapshot of the free lists.
type Stats struct {
	TotalBlocks int
	FreeBlocks  int
	// FreeRuns[k] is the number of free runs on the order-k list.
	FreeRuns []int
}

// Init takes ownership of region and prepares blockCount blocks for
// allocation. The region must hold at least blockCount*BlockSize bytes and
// start on an 8-byte boundary (control words are written in place).
func Init(region []byte, blockCount int) (*Buddy, error) {
	if len(region) == 0 || blockCount < 2 {
		return nil, fmt.Errorf("buddy: need a region of at least 2 blocks, got %d", blockCount)
	}
	if len(region) < blockCount*BlockSize {
		return nil, fmt.Errorf("buddy: region holds %d bytes, %d blocks need %d", len(region), blockCount, blockCount*BlockSize)
	}
	base := unsafe.Pointer(&region[0])
	if uintptr(base)%8 != 0 {
		return nil, fmt.Errorf("buddy: region must be 8-byte aligned")
	}

	// Block 0 is reserved for control state.
	n := blockCount - 1
	if HighestBit(n) >= MaxOrderLimit {
		return nil, fmt.Errorf("buddy: block count %d exceeds the order limit", blockCount)
	}

	b := &Buddy{region: region, base: base, ctrl: (*ctrl)(base)}
	c := b.ctrl
	*c = ctrl{} // the region may arrive dirty

	c.allocBlockCount = uint64(n)
	c.freeBlockCount = uint64(n)
	c.maxOrder = uint32(HighestBit(n))
	c.ctrlOffset = uint32(sizeInL1(int(unsafe.Sizeof(ctrl{}))) * L1LineSize)

	// Seed the free lists by the binary decomposition of n: one run per set
	// bit, laid out high order first from block 1 upward.
	index := firstAllocIndex
	for order := int(c.maxOrder); order >= 0; order-- {
		if n&(1<<order) != 0 {
			c.freeHeads[order] = uint32(index)
			b.setNextIndex(index, nullIndex)
			index += 1 << order
		} else {
			c.freeHeads[order] = nullIndex
		}
	}
	return b, nil
}

// Alloc hands out a run of 2^order blocks. On failure the returned hook
// carries a nil Addr and the free lists are untouched.
func (b *Buddy) Alloc(order int) Hook {
	c := b.ctrl
	if order < 0 || order > int(c.maxOrder) || uint64(1)<<order > c.freeBlockCount {
		return Hook{Order: order}
	}

	var index int
	if head := int(c.freeHeads[order]); head != nullIndex {
		index = b.remove(head, order)
	} else {
		// Split the closest larger run: the lower half is kept, the upper
		// half goes back one order down. Keeping the lower half is what the
		// pairing arithmetic in BuddyIndex assumes.
		k := order + 1
		for k <= int(c.maxOrder) && c.freeHeads[k] == nullIndex {
			k++
		}
		if k > int(c.maxOrder) {
			// Enough blocks overall but no run large enough.
			return Hook{Order: order}
		}
		index = b.remove(int(c.freeHeads[k]), k)
		for k > order {
			b.putFirst(index+1<<(k-1), k-1)
			k--
		}
	}

	c.freeBlockCount -= uint64(1) << order
	return Hook{Addr: b.block(index), Order: order}
}

// Free returns a run to the allocator and coalesces it with its buddy as
// long as one is found, so no two free buddies of the same order remain.
func (b *Buddy) Free(h Hook) error {
	c := b.ctrl
	if h.Addr == nil {
		return fmt.Errorf("buddy: free of nil hook")
	}
	index := b.index(h.Addr)
	if index <= nullIndex || index > int(c.allocBlockCount) {
		return fmt.Errorf("buddy: block index %d out of range", index)
	}

	order := h.Order
	count := uint64(1) << order

	buddyIndex := b.remove(BuddyIndex(index, order), order)
	for buddyIndex != nullIndex {
		if buddyIndex < index {
			index = buddyIndex
		}
		order++
		buddyIndex = b.remove(BuddyIndex(index, order), order)
	}
	b.putFirst(index, order)

	c.freeBlockCount += count
	return nil
}

// CtrlAlloc carves size bytes out of the control area in block 0, rounded
// up to whole L1 lines. It returns nil when the rounded request would run
// past the end of block 0.
// Only meant for control structures set up during initialisation.
func (b *Buddy) CtrlAlloc(size int) unsafe.Pointer {
	c := b.ctrl
	if size <= 0 {
		return nil
	}
	end := int(c.ctrlOffset) + sizeInL1(size)*L1LineSize
	if end > BlockSize {
		return nil
	}
	p := unsafe.Add(b.base, int(c.ctrlOffset))
	c.ctrlOffset = uint32(end)
	return p
}

// FreeBlocks returns the number of blocks currently on the free lists.
func (b *Buddy) FreeBlocks() int {
	return int(b.ctrl.freeBlockCount)
}

// TotalBlocks returns the number of usable blocks (the region minus the
// control block).
func (b *Buddy) TotalBlocks() int {
	return int(b.ctrl.allocBlockCount)
}

// MaxOrder returns the largest order this region supports.
func (b *Buddy) MaxOrder() int {
	return int(b.ctrl.maxOrder)
}

// Stats walks the free lists and returns a snapshot.
func (b *Buddy) Stats() Stats {
	c := b.ctrl
	s := Stats{
		TotalBlocks: int(c.allocBlockCount),
		FreeBlocks:  int(c.freeBlockCount),
		FreeRuns:    make([]int, c.maxOrder+1),
	}
	for order := 0; order <= int(c.maxOrder); order++ {
		for index := int(c.freeHeads[order]); index != nullIndex; index = b.nextIndex(index) {
			s.FreeRuns[order]++
		}
	}
	return s
}

// block ops

func (b *Buddy) block(index int) unsafe.Pointer {
	return unsafe.Add(b.base, index*BlockSize)
}

func (b *Buddy) index(p unsafe.Pointer) int {
	return int(uintptr(p)-uintptr(b.base)) / BlockSize
}

func (b *Buddy) nextIndex(index int) int {
	return int(*(*uint32)(b.block(index)))
}

func (b *Buddy) setNextIndex(index, next int) {
	*(*uint32)(b.block(index)) = uint32(next)
}

// putFirst prepends a free run to its order's list.
func (b *Buddy) putFirst(index, order int) {
	b.setNextIndex(index, int(b.ctrl.freeHeads[order]))
	b.ctrl.freeHeads[order] = uint32(index)
}

// remove unlinks the run at index from the order's free list and returns
// its index, or 0 when the run is not on the list.
func (b *Buddy) remove(index, order int) int {
	c := b.ctrl
	cur := int(c.freeHeads[order])
	if index == nullIndex || index > int(c.allocBlockCount) || order > int(c.maxOrder) || cur == nullIndex {
		return nullIndex
	}

	prev := nullIndex
	for cur != index {
		prev = cur
		cur = b.nextIndex(cur)
		if cur == nullIndex {
			return nullIndex
		}
	}

	if prev != nullIndex {
		b.setNextIndex(prev, b.nextIndex(cur))
	} else {
		c.freeHeads[order] = uint32(b.nextIndex(cur))
	}
	b.setNextIndex(cur, nullIndex)
	return cur
}
