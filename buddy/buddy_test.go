package buddy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighestBit(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, -1},
		{1, 0},
		{2, 1},
		{3, 1},
		{4, 2},
		{63, 5},
		{64, 6},
		{1 << 20, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HighestBit(tt.n), "n=%d", tt.n)
	}
}

func TestBlockOrder(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{1, 0},
		{BlockSize, 0},
		{BlockSize + 1, 1},
		{2 * BlockSize, 1},
		{2*BlockSize + 1, 2},
		{4 * BlockSize, 2},
		{5 * BlockSize, 3},
		{128 * BlockSize, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BlockOrder(tt.size), "size=%d", tt.size)
	}
}

func TestBuddyIndex(t *testing.T) {
	tests := []struct {
		index int
		order int
		want  int
	}{
		// order 0: every index pairs
		{1, 0, 2},
		{2, 0, 1},
		{3, 0, 4},
		{7, 0, 8},
		// order 1: only odd indices anchor a pair
		{1, 1, 3},
		{3, 1, 1},
		{5, 1, 7},
		{2, 1, 0},
		{4, 1, 0},
		// order 2
		{1, 2, 5},
		{5, 2, 1},
		{9, 2, 13},
		{3, 2, 0},
		{6, 2, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuddyIndex(tt.index, tt.order), "index=%d order=%d", tt.index, tt.order)
	}
}

func TestInit(t *testing.T) {
	t.Run("Invalid", func(t *testing.T) {
		_, err := Init(nil, 64)
		assert.Error(t, err)
		_, err = Init(make([]byte, BlockSize), 1)
		assert.Error(t, err)
		_, err = Init(make([]byte, BlockSize), 64) // region too small
		assert.Error(t, err)
	})

	t.Run("Seeding", func(t *testing.T) {
		// 64 blocks leave 63 usable: one run per set bit of 63, high order
		// first from block 1.
		b := newTestBuddy(t, 64)
		require.Equal(t, 5, b.MaxOrder())
		require.Equal(t, 63, b.FreeBlocks())
		require.Equal(t, 63, b.TotalBlocks())

		wantHeads := map[int]int{5: 1, 4: 33, 3: 49, 2: 57, 1: 61, 0: 63}
		for order, index := range wantHeads {
			assert.Equal(t, index, int(b.ctrl.freeHeads[order]), "order=%d", order)
			assert.Equal(t, nullIndex, b.nextIndex(index), "order=%d", order)
		}
	})

	t.Run("PowerOfTwoBlocks", func(t *testing.T) {
		// 65 blocks leave 64 usable: a single order-6 run.
		b := newTestBuddy(t, 65)
		require.Equal(t, 6, b.MaxOrder())
		s := b.Stats()
		assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 1}, s.FreeRuns)
	})
}

func TestAllocFree(t *testing.T) {
	// 64 blocks: allocate an order-3 run, free it back
	b := newTestBuddy(t, 64)
	initial := b.FreeBlocks()

	h := b.Alloc(3)
	require.NotNil(t, h.Addr)
	assert.Equal(t, 3, h.Order)
	assert.Equal(t, initial-8, b.FreeBlocks())

	require.NoError(t, b.Free(h))
	assert.Equal(t, initial, b.FreeBlocks())
	assertNoBuddyPairs(t, b)
}

func TestAllocSplit(t *testing.T) {
	b := newTestBuddy(t, 64)

	// order-0 head is block 63; taking it empties the order-0 list
	h1 := b.Alloc(0)
	require.NotNil(t, h1.Addr)
	assert.Equal(t, 63, b.index(h1.Addr))
	assert.Equal(t, nullIndex, int(b.ctrl.freeHeads[0]))

	// next order-0 alloc splits the order-1 run at 61: the lower half is
	// returned, the upper half lands back on the order-0 list
	h2 := b.Alloc(0)
	require.NotNil(t, h2.Addr)
	assert.Equal(t, 61, b.index(h2.Addr))
	assert.Equal(t, 62, int(b.ctrl.freeHeads[0]))

	require.NoError(t, b.Free(h2))
	require.NoError(t, b.Free(h1))
	assert.Equal(t, 63, b.FreeBlocks())
	assertNoBuddyPairs(t, b)
}

func TestAllocFailure(t *testing.T) {
	t.Run("OrderTooLarge", func(t *testing.T) {
		b := newTestBuddy(t, 64)
		h := b.Alloc(6)
		assert.Nil(t, h.Addr)
		assert.Equal(t, 63, b.FreeBlocks())
	})

	t.Run("NotEnoughBlocks", func(t *testing.T) {
		b := newTestBuddy(t, 64)
		for b.Alloc(5).Addr != nil {
		}
		before := snapshot(b)
		h := b.Alloc(5)
		assert.Nil(t, h.Addr)
		// a failed alloc must not disturb the free lists
		assert.Equal(t, before, snapshot(b))
		assert.Equal(t, 31, b.FreeBlocks())
	})

	t.Run("FragmentedNoChange", func(t *testing.T) {
		// 8 blocks leave 7: order2@1, order1@5, order0@7. Drain them all,
		// free three singles with no buddies among them, then ask for a
		// pair: enough blocks but no run, and nothing may change.
		b := newTestBuddy(t, 8)
		hooks := map[int]Hook{}
		for {
			h := b.Alloc(0)
			if h.Addr == nil {
				break
			}
			hooks[b.index(h.Addr)] = h
		}
		require.Equal(t, 0, b.FreeBlocks())

		for _, index := range []int{1, 4, 6} {
			require.NoError(t, b.Free(hooks[index]))
		}
		require.Equal(t, 3, b.FreeBlocks())

		before := snapshot(b)
		h := b.Alloc(1)
		assert.Nil(t, h.Addr)
		assert.Equal(t, 3, b.FreeBlocks())
		assert.Equal(t, before, snapshot(b))
	})
}

func TestFreeCoalesce(t *testing.T) {
	// 65 blocks give one order-6 run; splitting it all the way down and
	// freeing in reverse must rebuild the single run.
	b := newTestBuddy(t, 65)

	var hooks []Hook
	for i := 0; i < 64; i++ {
		h := b.Alloc(0)
		require.NotNil(t, h.Addr)
		hooks = append(hooks, h)
	}
	require.Equal(t, 0, b.FreeBlocks())

	for i := len(hooks) - 1; i >= 0; i-- {
		require.NoError(t, b.Free(hooks[i]))
		assertNoBuddyPairs(t, b)
	}
	require.Equal(t, 64, b.FreeBlocks())
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 1}, b.Stats().FreeRuns)
}

func TestFreeRoundTripSnapshot(t *testing.T) {
	// with no other outstanding allocation, alloc+free restores the free
	// lists exactly
	b := newTestBuddy(t, 64)
	for order := 0; order <= b.MaxOrder(); order++ {
		before := snapshot(b)
		h := b.Alloc(order)
		require.NotNil(t, h.Addr, "order=%d", order)
		require.NoError(t, b.Free(h))
		assert.Equal(t, before, snapshot(b), "order=%d", order)
	}
}

func TestFreeInvalid(t *testing.T) {
	b := newTestBuddy(t, 64)
	assert.Error(t, b.Free(Hook{}))
	// block 0 is control state, never a valid run
	assert.Error(t, b.Free(Hook{Addr: b.block(0), Order: 0}))
	assert.Error(t, b.Free(Hook{Addr: b.block(64), Order: 0}))
	assert.Equal(t, 63, b.FreeBlocks())
}

func TestCtrlAlloc(t *testing.T) {
	b := newTestBuddy(t, 64)

	p1 := b.CtrlAlloc(1)
	require.NotNil(t, p1)
	p2 := b.CtrlAlloc(L1LineSize + 1)
	require.NotNil(t, p2)
	p3 := b.CtrlAlloc(8)
	require.NotNil(t, p3)

	// each grant is rounded up to whole L1 lines
	assert.Equal(t, uintptr(L1LineSize), uintptr(p2)-uintptr(p1))
	assert.Equal(t, uintptr(2*L1LineSize), uintptr(p3)-uintptr(p2))

	// the bump area never leaves block 0
	for b.CtrlAlloc(L1LineSize) != nil {
	}
	assert.Nil(t, b.CtrlAlloc(1))
	assert.GreaterOrEqual(t, int(b.ctrl.ctrlOffset), BlockSize)
}

func TestRandomAllocFree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newTestBuddy(t, 1024)
	initial := b.FreeBlocks()

	var hooks []Hook
	for i := 0; i < 20000; i++ {
		if len(hooks) == 0 || rng.Intn(3) != 0 {
			h := b.Alloc(rng.Intn(4))
			if h.Addr != nil {
				hooks = append(hooks, h)
			}
		} else {
			idx := rng.Intn(len(hooks))
			require.NoError(t, b.Free(hooks[idx]))
			hooks[idx] = hooks[len(hooks)-1]
			hooks = hooks[:len(hooks)-1]
		}
	}

	for _, h := range hooks {
		require.NoError(t, b.Free(h))
	}
	assert.Equal(t, initial, b.FreeBlocks())
	assertNoBuddyPairs(t, b)
}

// helpers

func newTestBuddy(t *testing.T, blockCount int) *Buddy {
	t.Helper()
	b, err := Init(make([]byte, blockCount*BlockSize), blockCount)
	require.NoError(t, err)
	return b
}

// snapshot captures the free lists as runs per order, in list order.
func snapshot(b *Buddy) [][]int {
	runs := make([][]int, b.MaxOrder()+1)
	for order := range runs {
		for index := int(b.ctrl.freeHeads[order]); index != nullIndex; index = b.nextIndex(index) {
			runs[order] = append(runs[order], index)
		}
	}
	return runs
}

// assertNoBuddyPairs checks that coalescence is maximal: no order's free
// list holds both halves of a pair.
func assertNoBuddyPairs(t *testing.T, b *Buddy) {
	t.Helper()
	for order, runs := range snapshot(b) {
		seen := make(map[int]bool, len(runs))
		for _, index := range runs {
			seen[index] = true
		}
		for _, index := range runs {
			if buddyIndex := BuddyIndex(index, order); buddyIndex != nullIndex {
				assert.False(t, seen[buddyIndex], "buddies %d and %d both free at order %d", index, buddyIndex, order)
			}
		}
	}
}

// benchmarks

func BenchmarkAllocFree(b *testing.B) {
	bd, _ := Init(make([]byte, 1024*BlockSize), 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := bd.Alloc(2)
		if h.Addr != nil {
			_ = bd.Free(h)
		}
	}
}

func BenchmarkAllocSplit(b *testing.B) {
	bd, _ := Init(make([]byte, 1025*BlockSize), 1025)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := bd.Alloc(0)
		if h.Addr != nil {
			_ = bd.Free(h)
		}
	}
}
