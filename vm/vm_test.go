package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	m, err := New(Config{InitialHeapSize: 4096, MaxHeapSize: 4096})
	require.NoError(t, err)
	return m
}

func TestStep_PushPopHalt(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{
		byte(OpPush), 0xAD, 0xBE, 0xED, 0xFE, 0xEF, 0xBE, 0xAD, 0xDE,
		byte(OpPop),
		byte(OpHalt),
	}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	require.NoError(t, m.Step())
	require.Equal(t, 1, m.AddressStack().Depth())
	top, _ := m.AddressStack().Peek()
	require.EqualValues(t, 0xDEADBEEFFEEDBEAD, top)
	require.EqualValues(t, 9, m.PC())

	require.NoError(t, m.Step())
	require.Equal(t, 0, m.AddressStack().Depth())
	require.EqualValues(t, 10, m.PC())

	err := m.Step()
	require.True(t, Is(err, Halted))
	require.Equal(t, StateHalted, m.State())
}

func TestStep_PCallRet(t *testing.T) {
	m := newTestVM(t)
	// Program region: HALT at 0 and PCALL at 1, with the rest of the 8
	// bytes zero. The PC is placed on the PCALL and its target pushed.
	bytecode := make([]byte, 8)
	bytecode[0] = byte(OpHalt)
	bytecode[1] = byte(OpPCall)
	image := buildImage(t, bytecode, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	// Target address 0, inside the program region itself, is a valid
	// address for PCALL to jump to.
	require.NoError(t, m.AddressStack().Push(0))
	m.pcSetForTest(1)

	require.NoError(t, m.Step())
	require.EqualValues(t, 0, m.PC())
	require.Equal(t, 1, m.CallStack().Depth())
	frame, err := m.CallStack().Top()
	require.NoError(t, err)
	require.Equal(t, callFrame{Block: 0, Ret: 2}, frame)
	require.Equal(t, 0, m.AddressStack().Depth())
}

// pcSetForTest lets white-box tests position the program counter directly,
// standing in for a dispatcher state a real program would have reached
// through ordinary control flow.
func (v *VM) pcSetForTest(pc Address) { v.pc = pc }

func TestLoadProgram_AlreadyLoaded(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{byte(OpHalt)}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	err := m.LoadProgram(image)
	require.True(t, Is(err, ProgramAlreadyLoaded))
}

func TestStep_NoProgram(t *testing.T) {
	m := newTestVM(t)
	err := m.Step()
	require.True(t, Is(err, NoProgram))
}

func TestStep_UnknownOpcode(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{200}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	err := m.Step()
	require.True(t, Is(err, IllegalInstruction))
}

func TestStep_Print(t *testing.T) {
	var out bytes.Buffer
	m, err := New(Config{InitialHeapSize: 4096, MaxHeapSize: 4096, Stdout: &out})
	require.NoError(t, err)

	image := buildImage(t, []byte{byte(OpPrint), 'A', byte(OpHalt)}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	require.NoError(t, m.Step())
	require.Equal(t, "A", out.String())
}

func TestStep_AfterHaltReturnsHalted(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{byte(OpHalt)}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	err := m.Step()
	require.True(t, Is(err, Halted))

	err = m.Step()
	require.True(t, Is(err, Halted))
}

func TestRun_ReturnsTerminalError(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{byte(OpPush), 1, 0, 0, 0, 0, 0, 0, 0, byte(OpHalt)}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	err := m.Run()
	require.True(t, Is(err, Halted))
}

func TestStep_PanicSetsState(t *testing.T) {
	m := newTestVM(t)
	image := buildImage(t, []byte{byte(OpPanic)}, 0, nil)
	require.NoError(t, m.LoadProgram(image))

	err := m.Step()
	require.True(t, Is(err, Panic))
	require.Equal(t, StatePanic, m.State())

	err = m.Step()
	require.True(t, Is(err, Panic))
}
