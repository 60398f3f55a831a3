package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// setupFourCodeBlocks builds a heap holding exactly four Code blocks of
// payload sizes 64, 400, 392, 128 back to back with no leftover free
// space, mirroring spec.md §8 scenario 5.
func setupFourCodeBlocks(t *testing.T) (*Heap, []Address) {
	t.Helper()
	h, err := NewHeap(1024, 1024)
	require.NoError(t, err)
	require.NoError(t, h.ReserveProgram(8))

	var handles []Address
	for _, size := range []uint64{64, 400, 392, 128} {
		handle, err := h.AllocateCode(size)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	require.EqualValues(t, 0, h.BytesFree())
	return h, handles
}

func TestCollect_SweepsUnreachableAndCoalesces(t *testing.T) {
	h, handles := setupFourCodeBlocks(t)

	addrStack := NewAddressStack(4, 4)
	callStack := NewCallStack(4, 4)
	require.NoError(t, addrStack.Push(handles[0]))
	require.NoError(t, addrStack.Push(handles[3]))

	var gcErrors []string
	Collect(h, addrStack, callStack, func(_ Address, msg string) { gcErrors = append(gcErrors, msg) })
	require.Empty(t, gcErrors)

	typ0, _ := h.BlockTypeAt(handles[0])
	require.Equal(t, blockCode, typ0)
	typ3, _ := h.BlockTypeAt(handles[3])
	require.Equal(t, blockCode, typ3)

	// Blocks 2 and 3 (handles[1], handles[2]) were swept and coalesced into
	// one free block spanning the gap between block 1 and block 4.
	require.EqualValues(t, 800, h.BytesFree())

	var freeCount int
	h.IterateFreeList(func(Address) bool { freeCount++; return true })
	require.Equal(t, 1, freeCount)
}

func TestCollect_ReclaimedSpaceIsReusable(t *testing.T) {
	h, handles := setupFourCodeBlocks(t)

	addrStack := NewAddressStack(4, 4)
	callStack := NewCallStack(4, 4)
	require.NoError(t, addrStack.Push(handles[0]))
	require.NoError(t, addrStack.Push(handles[3]))

	Collect(h, addrStack, callStack, nil)

	// The coalesced 800-byte free block can now satisfy a request that
	// would not have fit before collection.
	_, err := h.AllocateCode(700)
	require.NoError(t, err)
}

func TestCollect_WalksCodeBlockPushOperands(t *testing.T) {
	h, err := NewHeap(1024, 1024)
	require.NoError(t, err)
	require.NoError(t, h.ReserveProgram(8))

	target, err := h.AllocateCode(8)
	require.NoError(t, err)
	require.NoError(t, writeBlockZeroPadded(h, target, []byte{byte(OpRet)}))

	referrerBody := append([]byte{byte(OpPush)}, appendU64(nil, uint64(target))...)
	referrerBody = append(referrerBody, byte(OpRet))
	referrer, err := h.AllocateCode(uint64(len(referrerBody)))
	require.NoError(t, err)
	require.NoError(t, writeBlockZeroPadded(h, referrer, referrerBody))

	addrStack := NewAddressStack(4, 4)
	callStack := NewCallStack(4, 4)
	require.NoError(t, addrStack.Push(referrer))

	Collect(h, addrStack, callStack, nil)

	typ, err := h.BlockTypeAt(target)
	require.NoError(t, err)
	require.Equal(t, blockCode, typ, "target reached only via a PUSH operand must survive collection")
}

func TestCollect_ReportsReachableFreeBlockAsInvariantViolation(t *testing.T) {
	h, err := NewHeap(1024, 1024)
	require.NoError(t, err)
	require.NoError(t, h.ReserveProgram(8))

	freeHandle := h.FirstFree() + headerSize

	addrStack := NewAddressStack(4, 4)
	callStack := NewCallStack(4, 4)
	require.NoError(t, addrStack.Push(freeHandle))

	var violations []string
	Collect(h, addrStack, callStack, func(_ Address, msg string) { violations = append(violations, msg) })
	require.NotEmpty(t, violations)
}

func TestCollect_IgnoresProgramRegionRoots(t *testing.T) {
	// A CallStack block-entry or an AddressStack value that names an
	// ordinary program-region address (the common case for any PCALL into
	// the program's own bytecode, never a heap closure) must not be
	// mistaken for a block handle.
	h, err := NewHeap(1024, 1024)
	require.NoError(t, err)
	require.NoError(t, h.ReserveProgram(64))

	addrStack := NewAddressStack(4, 4)
	callStack := NewCallStack(4, 4)
	require.NoError(t, addrStack.Push(0))
	require.NoError(t, addrStack.Push(40))
	require.NoError(t, callStack.PushFrame(callFrame{Block: 16, Ret: 5}))

	var violations []string
	Collect(h, addrStack, callStack, func(_ Address, msg string) { violations = append(violations, msg) })
	require.Empty(t, violations, "program-region references must be ignored, not reported as invariant violations")
}
