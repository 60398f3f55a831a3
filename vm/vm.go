// Package vm implements the runtime of a virtual machine for a minimal
// combinator-based language: a two-stack bytecode interpreter backed by a
// managed heap with a mark-and-sweep collector that walks bytecode to find
// reachable references, and first-class continuations implemented by
// snapshotting and restoring the entire stack state onto the heap.
package vm

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// State is one of the VM's four lifecycle states.
type State int

const (
	StateNoProgram State = iota
	StateReady
	StateHalted
	StatePanic
)

func (s State) String() string {
	switch s {
	case StateNoProgram:
		return "NoProgram"
	case StateReady:
		return "Ready"
	case StateHalted:
		return "Halted"
	case StatePanic:
		return "Panic"
	default:
		return "?unknown?"
	}
}

// Config configures a VM at construction time. Fields left at their zero
// value take the defaults noted below.
type Config struct {
	// InitialHeapSize and MaxHeapSize bound the VM's flat memory, in bytes.
	// Defaults: 64KiB initial, 16MiB max.
	InitialHeapSize uint64
	MaxHeapSize     uint64

	// InitialAddressStackDepth/MaxAddressStackDepth bound the AddressStack,
	// in 8-byte slots. Defaults: 256 initial, 65536 max.
	InitialAddressStackDepth int
	MaxAddressStackDepth     int

	// InitialCallStackDepth/MaxCallStackDepth bound the CallStack, in
	// 16-byte frames. Defaults: 256 initial, 65536 max.
	InitialCallStackDepth int
	MaxCallStackDepth     int

	// Stdout receives PRINT's output. Defaults to os.Stdout.
	Stdout io.Writer

	// Logger receives structured diagnostics (program load, GC invariant
	// violations). Defaults to logrus.StandardLogger() with a "component":
	// "vm" field, the way moby's daemon package scopes its entries.
	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.InitialHeapSize == 0 {
		c.InitialHeapSize = 64 * 1024
	}
	if c.MaxHeapSize == 0 {
		c.MaxHeapSize = 16 * 1024 * 1024
	}
	if c.InitialAddressStackDepth == 0 {
		c.InitialAddressStackDepth = 256
	}
	if c.MaxAddressStackDepth == 0 {
		c.MaxAddressStackDepth = 65536
	}
	if c.InitialCallStackDepth == 0 {
		c.InitialCallStackDepth = 256
	}
	if c.MaxCallStackDepth == 0 {
		c.MaxCallStackDepth = 65536
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "vm")
	}
	return c
}

// VM is a single combinator-machine instance. It owns its heap, stacks,
// and symbol table exclusively; callers must not run Step concurrently
// with anything else that touches the same VM (spec.md §5 — cooperative,
// not locked).
type VM struct {
	heap      *Heap
	addrStack *AddressStack
	callStack *CallStack
	symtab    *SymbolTable

	pc    Address
	state State

	stdout io.Writer
	log    *logrus.Entry
}

// New creates a VM in the NoProgram state.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()

	heap, err := NewHeap(cfg.InitialHeapSize, cfg.MaxHeapSize)
	if err != nil {
		return nil, err
	}

	return &VM{
		heap:      heap,
		addrStack: NewAddressStack(cfg.InitialAddressStackDepth, cfg.MaxAddressStackDepth),
		callStack: NewCallStack(cfg.InitialCallStackDepth, cfg.MaxCallStackDepth),
		symtab:    NewSymbolTable(),
		state:     StateNoProgram,
		stdout:    cfg.Stdout,
		log:       cfg.Logger,
	}, nil
}

// State returns the VM's current lifecycle state.
func (v *VM) State() State { return v.state }

// PC returns the current program counter.
func (v *VM) PC() Address { return v.pc }

// Heap returns the VM's memory manager, for debugger-style inspection.
func (v *VM) Heap() *Heap { return v.heap }

// AddressStack returns the VM's operand stack, for debugger-style
// inspection.
func (v *VM) AddressStack() *AddressStack { return v.addrStack }

// CallStack returns the VM's control stack, for debugger-style
// inspection.
func (v *VM) CallStack() *CallStack { return v.callStack }

// SymbolTable returns the VM's diagnostics-only symbol table.
func (v *VM) SymbolTable() *SymbolTable { return v.symtab }

func (v *VM) onGCError(addr Address, msg string) {
	v.log.WithFields(logrus.Fields{"address": uint64(addr)}).Warnf("gc invariant violation: %s", msg)
}

// LoadProgram parses a program image and installs it as this VM's program
// region. It fails with ProgramAlreadyLoaded unless the VM is still in
// NoProgram.
func (v *VM) LoadProgram(image []byte) error {
	if v.state != StateNoProgram {
		return newErr(ProgramAlreadyLoaded, "VM already has a program loaded (state %s)", v.state)
	}

	img, err := parseImage(image)
	if err != nil {
		return err
	}
	start, err := installImage(v.heap, v.symtab, img)
	if err != nil {
		return err
	}

	v.pc = start
	v.state = StateReady
	v.log.WithFields(logrus.Fields{
		"start_address": uint64(start),
		"program_bytes": len(img.Bytecode),
		"symbols":       len(img.Symbols),
	}).Info("program loaded")
	return nil
}

// Step executes exactly one instruction and returns. It fails immediately,
// without mutating anything, if the VM is not in Ready.
func (v *VM) Step() error {
	switch v.state {
	case StateNoProgram:
		return newErr(NoProgram, "no program is loaded")
	case StateHalted:
		return newErr(Halted, "VM already halted")
	case StatePanic:
		return newErr(Panic, "VM already panicked")
	}

	opByte, err := v.heap.ReadAt(v.pc, 1)
	if err != nil {
		return err
	}
	op := Opcode(opByte[0])
	n := instructionSize(opByte[0])

	full := opByte
	if n > 1 {
		full, err = v.heap.ReadAt(v.pc, n)
		if err != nil {
			return newErr(IllegalAddress, "operand for %s at %d extends past end of memory", op, v.pc)
		}
	}

	switch op {
	case OpPanic:
		v.state = StatePanic
		return newErr(Panic, "PANIC at address %d", v.pc)

	case OpPush:
		val := Address(binary.LittleEndian.Uint64(full[1:9]))
		if err := v.addrStack.Push(val); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpPop:
		if _, err := v.addrStack.Pop(); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpSwap:
		if err := v.addrStack.Swap(); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpDup:
		if err := v.addrStack.Dup(); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpPCall:
		target, err := v.addrStack.Pop()
		if err != nil {
			return err
		}
		if !v.heap.IsValidAddress(target) {
			v.addrStack.Push(target)
			return newErr(IllegalAddress, "PCALL target %d is not a valid address", target)
		}
		if err := v.callStack.PushFrame(callFrame{Block: target, Ret: v.pc + Address(n)}); err != nil {
			v.addrStack.Push(target)
			return err
		}
		v.pc = target

	case OpRet:
		f, err := v.callStack.PopFrame()
		if err != nil {
			return err
		}
		v.pc = f.Ret

	case OpMKK:
		if err := execMKK(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpMKS0:
		if err := execMKS0(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpMKS1:
		if err := execMKS1(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpMKS2:
		if err := execMKS2(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpMKD:
		if err := execMKD(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpMKC:
		if err := execMKC(v.heap, v.addrStack, v.callStack, v.onGCError); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpSave:
		if err := execSave(v.heap, v.addrStack, v.callStack, v.onGCError, int(full[1])); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpRestore:
		if err := execRestore(v.heap, v.addrStack, v.callStack, int(full[1])); err != nil {
			return err
		}
		v.pc += Address(n)

	case OpPrint:
		if _, err := v.stdout.Write(full[1:2]); err != nil {
			return wrapErr(IO, err, "PRINT failed to write to standard output")
		}
		v.pc += Address(n)

	case OpHalt:
		v.state = StateHalted
		return newErr(Halted, "HALT at address %d", v.pc)

	default:
		return newErr(IllegalInstruction, "unknown opcode %d at address %d", opByte[0], v.pc)
	}

	return nil
}

// Run steps the VM until it leaves Ready, returning the terminal error
// (Halted or Panic) unless an earlier step fails with something else,
// which is returned immediately instead.
func (v *VM) Run() error {
	for {
		if err := v.Step(); err != nil {
			return err
		}
	}
}
