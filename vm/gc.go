package vm

import "encoding/binary"

// GcErrorHandler is called for every reachability invariant the collector
// finds violated: a root or a PUSH operand that names a Free block, or a
// handle that falls outside current memory. The collector treats the
// object as unreachable from that reference and continues; it never
// aborts a collection because of a bad reference (spec.md §4.2 — a
// collection itself cannot fail with OutOfMemory, only allocation can).
type GcErrorHandler func(addr Address, msg string)

// Collect runs a full mark-and-sweep pass: every AddressStack slot and
// every CallStack frame's block-entry slot is a root; Code blocks are
// walked for PUSH operands that name other blocks; State blocks are
// walked by replaying their saved stacks as further roots.
func Collect(heap *Heap, addrStack *AddressStack, callStack *CallStack, onErr GcErrorHandler) {
	if onErr == nil {
		onErr = func(Address, string) {}
	}

	var worklist []Address
	pushRoot := func(handle Address) bool {
		worklist = append(worklist, handle)
		return true
	}
	addrStack.ForEach(pushRoot)
	callStack.ForEachBlockEntry(pushRoot)

	for len(worklist) > 0 {
		handle := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		markOne(heap, handle, &worklist, onErr)
	}

	sweep(heap, onErr)
}

// markOne marks the block named by handle, if any, and (on first mark)
// appends whatever it references to worklist.
func markOne(heap *Heap, handle Address, worklist *[]Address, onErr GcErrorHandler) {
	// A program-region reference (a PCALL target or CallStack block-entry
	// pointing at ordinary bytecode rather than a heap closure) is not a
	// block handle at all; ignore it rather than treat it as one.
	if uint64(handle) < heap.programSize {
		return
	}
	if handle < headerSize {
		onErr(handle, "handle below minimum block address")
		return
	}
	headerAddr := handle - headerSize
	if !heap.IsValidAddress(headerAddr) {
		onErr(handle, "handle does not name a heap block")
		return
	}

	hdr := heap.readHeader(headerAddr)
	typ := decodeType(hdr)
	if typ == blockFree {
		onErr(handle, "reachable reference to a free block")
		return
	}
	if decodeMark(hdr) {
		return
	}
	size := decodeSize(hdr)
	heap.writeHeader(headerAddr, size, typ, true)

	switch typ {
	case blockCode:
		walkCode(heap, handle, size, worklist, onErr)
	case blockState:
		walkState(heap, handle, size, worklist, onErr)
	}
}

// walkCode scans a Code block's bytecode for PUSH operands that name
// other heap blocks, per the ISA instruction-size table. Operands that
// fall inside the program region are static code references, not GC
// handles, and are skipped.
func walkCode(heap *Heap, handle Address, size uint64, worklist *[]Address, onErr GcErrorHandler) {
	code, err := heap.ReadAt(handle, int(size))
	if err != nil {
		onErr(handle, "code block extends past memory bounds")
		return
	}
	i := 0
	for i < len(code) {
		op := code[i]
		n := instructionSize(op)
		if i+n > len(code) {
			break
		}
		if Opcode(op) == OpPush {
			operand := Address(binary.LittleEndian.Uint64(code[i+1 : i+9]))
			if uint64(operand) >= heap.programSize {
				target := operand
				if target < headerSize {
					onErr(target, "PUSH operand below minimum block address")
				} else if th := target - headerSize; !heap.IsValidAddress(th) {
					onErr(target, "PUSH operand out of bounds")
				} else {
					thdr := heap.readHeader(th)
					switch decodeType(thdr) {
					case blockCode, blockState:
						*worklist = append(*worklist, target)
					default:
						onErr(target, "PUSH operand names a free block")
					}
				}
			}
		}
		i += n
	}
}

// walkState replays a State block's saved call stack and address stack as
// further roots: every saved block-entry handle and every saved address
// slot.
func walkState(heap *Heap, handle Address, size uint64, worklist *[]Address, onErr GcErrorHandler) {
	payload, err := heap.ReadAt(handle, int(size))
	if err != nil {
		onErr(handle, "state block extends past memory bounds")
		return
	}
	if len(payload) < 16 {
		onErr(handle, "state block payload too small for header")
		return
	}
	numFrames := binary.LittleEndian.Uint32(payload[8:12])
	numSlots := binary.LittleEndian.Uint32(payload[12:16])
	off := 16

	for i := uint32(0); i < numFrames; i++ {
		if off+16 > len(payload) {
			onErr(handle, "state block call-stack data truncated")
			return
		}
		f := callFrameFromBytes(payload[off : off+16])
		*worklist = append(*worklist, f.Block)
		off += 16
	}
	for i := uint32(0); i < numSlots; i++ {
		if off+8 > len(payload) {
			onErr(handle, "state block address-stack data truncated")
			return
		}
		a := Address(binary.LittleEndian.Uint64(payload[off : off+8]))
		*worklist = append(*worklist, a)
		off += 8
	}
}

// sweep walks the heap region in address order, reclaiming every unmarked
// block, clearing the mark bit on every surviving block, coalescing
// adjacent free runs, and rebuilding the free list in address order.
func sweep(heap *Heap, onErr GcErrorHandler) {
	heap.firstFree = 0
	heap.bytesFree = 0
	var lastFree Address
	haveLastFree := false

	addr := Address(heap.programSize)
	end := uint64(len(heap.mem))
	for uint64(addr) < end {
		hdr := heap.readHeader(addr)
		size := decodeSize(hdr)
		typ := decodeType(hdr)
		marked := decodeMark(hdr)

		isFree := typ == blockFree || !marked
		if typ != blockFree && marked {
			heap.writeHeader(addr, size, typ, false)
		}

		if isFree {
			if haveLastFree {
				lastSize := decodeSize(heap.readHeader(lastFree))
				coalesced := lastSize + headerSize + size
				heap.writeHeader(lastFree, coalesced, blockFree, false)
			} else {
				heap.writeHeader(addr, size, blockFree, false)
				lastFree = addr
				haveLastFree = true
			}
		} else {
			haveLastFree = false
		}

		addr += Address(headerSize + size)
	}

	// Rebuild the free list in address order from the coalesced blocks.
	var prev Address
	addr = Address(heap.programSize)
	for uint64(addr) < end {
		hdr := heap.readHeader(addr)
		size := decodeSize(hdr)
		if decodeType(hdr) == blockFree {
			heap.writeFreeNext(addr, 0)
			if prev == 0 {
				heap.firstFree = addr
			} else {
				heap.writeFreeNext(prev, addr)
			}
			prev = addr
			heap.bytesFree += size
		}
		addr += Address(headerSize + size)
	}
}
