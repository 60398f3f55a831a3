package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMachinery(t *testing.T, heapSize uint64) (*Heap, *AddressStack, *CallStack) {
	t.Helper()
	h, err := NewHeap(heapSize, heapSize)
	require.NoError(t, err)
	require.NoError(t, h.ReserveProgram(8))
	return h, NewAddressStack(16, 16), NewCallStack(16, 16)
}

func TestExecMKK_MatchesSpecScenario(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	require.NoError(t, addrStack.Push(17))

	require.NoError(t, execMKK(h, addrStack, callStack, nil))

	handle, err := addrStack.Peek()
	require.NoError(t, err)
	require.EqualValues(t, 16, handle)

	size, err := h.BlockSizeAt(handle)
	require.NoError(t, err)
	require.EqualValues(t, 16, size) // ceil8(12)

	body, err := h.ReadAt(handle, 12)
	require.NoError(t, err)
	require.Equal(t, []byte{
		byte(OpPCall), byte(OpPop), byte(OpPush),
		17, 0, 0, 0, 0, 0, 0, 0,
		byte(OpRet),
	}, body)
}

func TestExecMKK_UnderflowLeavesStackUnchanged(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	err := execMKK(h, addrStack, callStack, nil)
	require.True(t, Is(err, AddressStackUnderflow))
	require.Equal(t, 0, addrStack.Depth())
}

func TestExecMKS1_TemplateAndCaptureOrder(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	require.NoError(t, addrStack.Push(7)) // v (pushed first, deeper)
	require.NoError(t, addrStack.Push(3)) // u (top)

	require.NoError(t, execMKS1(h, addrStack, callStack, nil))

	handle, err := addrStack.Peek()
	require.NoError(t, err)
	require.Equal(t, 1, addrStack.Depth())

	size, err := h.BlockSizeAt(handle)
	require.NoError(t, err)
	require.EqualValues(t, 32, size) // ceil8(25)

	body, err := h.ReadAt(handle, 25)
	require.NoError(t, err)
	require.Equal(t, byte(OpPCall), body[0])
	require.Equal(t, byte(OpDup), body[1])
	require.Equal(t, byte(OpPush), body[2])
	require.EqualValues(t, 7, body[3]) // v
	require.Equal(t, byte(OpMKS2), body[11])
	require.Equal(t, byte(OpSwap), body[12])
	require.Equal(t, byte(OpPush), body[13])
	require.EqualValues(t, 3, body[14]) // u
	require.Equal(t, byte(OpPCall), body[22])
	require.Equal(t, byte(OpPCall), body[23])
	require.Equal(t, byte(OpRet), body[24])
}

func TestExecMKD_Template(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	require.NoError(t, addrStack.Push(42))

	require.NoError(t, execMKD(h, addrStack, callStack, nil))
	handle, _ := addrStack.Peek()

	body, err := h.ReadAt(handle, 15)
	require.NoError(t, err)
	require.Equal(t, []byte{
		byte(OpPush), 42, 0, 0, 0, 0, 0, 0, 0,
		byte(OpPCall), byte(OpSwap), byte(OpPCall), byte(OpSwap), byte(OpPCall), byte(OpRet),
	}, body)
}

func TestExecMKS0_AllocatesAndPushesHandle(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	require.NoError(t, addrStack.Push(99))

	require.NoError(t, execMKS0(h, addrStack, callStack, nil))
	require.Equal(t, 1, addrStack.Depth())

	handle, _ := addrStack.Peek()
	typ, err := h.BlockTypeAt(handle)
	require.NoError(t, err)
	require.Equal(t, blockCode, typ)
}

func TestExecMKS2_AllocatesAndPushesHandle(t *testing.T) {
	h, addrStack, callStack := newTestMachinery(t, 1024)
	require.NoError(t, addrStack.Push(1))
	require.NoError(t, addrStack.Push(2))

	require.NoError(t, execMKS2(h, addrStack, callStack, nil))
	require.Equal(t, 1, addrStack.Depth())
}
