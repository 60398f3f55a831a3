package vm

import "encoding/binary"

// Opcode identifies one of the seventeen instructions the dispatcher knows
// about. Operands (when present) are encoded inline, little-endian,
// immediately after the opcode byte — never on the address stack.
type Opcode byte

const (
	OpPanic   Opcode = 0
	OpPush    Opcode = 1
	OpPop     Opcode = 2
	OpSwap    Opcode = 3
	OpDup     Opcode = 4
	OpPCall   Opcode = 5
	OpRet     Opcode = 6
	OpMKK     Opcode = 7
	OpMKS0    Opcode = 8
	OpMKS1    Opcode = 9
	OpMKS2    Opcode = 10
	OpMKD     Opcode = 11
	OpMKC     Opcode = 12
	OpSave    Opcode = 13
	OpRestore Opcode = 14
	OpPrint   Opcode = 15
	OpHalt    Opcode = 16
)

var opcodeNames = map[Opcode]string{
	OpPanic: "PANIC", OpPush: "PUSH", OpPop: "POP", OpSwap: "SWAP",
	OpDup: "DUP", OpPCall: "PCALL", OpRet: "RET", OpMKK: "MKK",
	OpMKS0: "MKS0", OpMKS1: "MKS1", OpMKS2: "MKS2", OpMKD: "MKD",
	OpMKC: "MKC", OpSave: "SAVE", OpRestore: "RESTORE", OpPrint: "PRINT",
	OpHalt: "HALT",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "?unknown?"
}

// instructionSize returns the total encoded length (opcode + operand) of
// the instruction starting with this byte. Every opcode not listed here is
// a single byte.
func instructionSize(op byte) int {
	switch Opcode(op) {
	case OpPush:
		return 9
	case OpSave, OpRestore, OpPrint:
		return 2
	default:
		return 1
	}
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// The MK* closure-construction instructions are a data-driven contract: the
// GC walks code blocks looking for PUSH operands, so every captured value
// must appear verbatim as a PUSH in one of these templates (spec.md §4.4).

// templateMKK builds the 12-byte body of an MKK closure: PCALL, POP,
// PUSH<u>, RET.
func templateMKK(u uint64) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, byte(OpPCall), byte(OpPop), byte(OpPush))
	buf = appendU64(buf, u)
	buf = append(buf, byte(OpRet))
	return buf
}

// templateMKS0 builds the 12-byte body of an MKS0 closure: PCALL, PUSH<u>,
// MKS1, RET.
func templateMKS0(u uint64) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, byte(OpPCall), byte(OpPush))
	buf = appendU64(buf, u)
	buf = append(buf, byte(OpMKS1), byte(OpRet))
	return buf
}

// templateMKS1 builds the 25-byte body of an MKS1 closure: PCALL, DUP,
// PUSH<v>, MKS2, SWAP, PUSH<u>, PCALL, PCALL, RET.
func templateMKS1(u, v uint64) []byte {
	buf := make([]byte, 0, 25)
	buf = append(buf, byte(OpPCall), byte(OpDup), byte(OpPush))
	buf = appendU64(buf, v)
	buf = append(buf, byte(OpMKS2), byte(OpSwap), byte(OpPush))
	buf = appendU64(buf, u)
	buf = append(buf, byte(OpPCall), byte(OpPCall), byte(OpRet))
	return buf
}

// templateMKS2 builds the 20-byte body of an MKS2 closure: PUSH<v>,
// PUSH<u>, PCALL, RET.
func templateMKS2(u, v uint64) []byte {
	buf := make([]byte, 0, 20)
	buf = append(buf, byte(OpPush))
	buf = appendU64(buf, v)
	buf = append(buf, byte(OpPush))
	buf = appendU64(buf, u)
	buf = append(buf, byte(OpPCall), byte(OpRet))
	return buf
}

// templateMKD builds the 15-byte body of an MKD closure: PUSH<x>, PCALL,
// SWAP, PCALL, SWAP, PCALL, RET.
func templateMKD(x uint64) []byte {
	buf := make([]byte, 0, 15)
	buf = append(buf, byte(OpPush))
	buf = appendU64(buf, x)
	buf = append(buf, byte(OpPCall), byte(OpSwap), byte(OpPCall), byte(OpSwap), byte(OpPCall), byte(OpRet))
	return buf
}

// templateMKC builds the 13-byte body of a continuation closure: PCALL,
// PUSH<state>, RESTORE 1, RET.
func templateMKC(state uint64) []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, byte(OpPCall), byte(OpPush))
	buf = appendU64(buf, state)
	buf = append(buf, byte(OpRestore), 1, byte(OpRet))
	return buf
}
