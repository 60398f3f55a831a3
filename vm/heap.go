package vm

import "encoding/binary"

// Address is a byte offset into the VM's flat memory. Address 0 is the
// first byte of the program region. An address is valid when it is
// strictly less than the current memory size.
//
// Every address that appears on the AddressStack, in a CallStack frame's
// block-entry slot, or as the operand of a PUSH instruction that refers to
// a heap object is a handle: it names the first byte of a block's
// payload, i.e. header address + 8 (spec.md §3, "Handle convention").
type Address uint64

const (
	headerSize     = 8
	minFreePayload = 8 // open question resolved in SPEC_FULL.md: payload, not total size
	minFreeTotal   = headerSize + minFreePayload
)

type blockType uint8

const (
	blockFree  blockType = 0
	blockCode  blockType = 1
	blockState blockType = 2
)

const sizeMask = (uint64(1) << 56) - 1

func encodeHeader(size uint64, typ blockType, marked bool) uint64 {
	h := size & sizeMask
	h |= uint64(typ&0x3) << 56
	if marked {
		h |= uint64(1) << 63
	}
	return h
}

func decodeSize(h uint64) uint64    { return h & sizeMask }
func decodeType(h uint64) blockType { return blockType((h >> 56) & 0x3) }
func decodeMark(h uint64) bool      { return h&(uint64(1)<<63) != 0 }

func ceil8(n uint64) uint64 { return (n + 7) &^ 7 }

// Heap is the VM's entire flat memory: an immutable program region
// starting at address 0, followed by a heap region of dynamically
// allocated blocks. It owns the block allocator and the free list.
type Heap struct {
	mem         []byte
	maxSize     uint64
	programSize uint64
	hasProgram  bool
	firstFree   Address // header address; 0 means "no free blocks"
	bytesFree   uint64

	onGCError GcErrorHandler
}

// NewHeap creates a Heap with the given initial and maximum size, in
// bytes. No program region is reserved yet.
func NewHeap(initialSize, maxSize uint64) (*Heap, error) {
	if initialSize == 0 {
		return nil, newErr(IllegalArgument, "initial heap size must be > 0")
	}
	if maxSize < initialSize {
		return nil, newErr(IllegalArgument, "max heap size %d is less than initial size %d", maxSize, initialSize)
	}
	return &Heap{mem: make([]byte, initialSize), maxSize: maxSize}, nil
}

// Size returns the current size of the whole VM memory, in bytes.
func (h *Heap) Size() uint64 { return uint64(len(h.mem)) }

// MaxSize returns the configured maximum size of the VM memory.
func (h *Heap) MaxSize() uint64 { return h.maxSize }

// ProgramSize returns the size of the program region, in bytes.
func (h *Heap) ProgramSize() uint64 { return h.programSize }

// HeapStart returns the address of the first byte of the heap region.
func (h *Heap) HeapStart() Address { return Address(h.programSize) }

// BytesFree returns the number of payload bytes currently held by Free
// blocks.
func (h *Heap) BytesFree() uint64 { return h.bytesFree }

// FirstFree returns the header address of the first block on the free
// list, or 0 if the free list is empty.
func (h *Heap) FirstFree() Address { return h.firstFree }

// IsValidAddress reports whether addr names a byte within current memory.
func (h *Heap) IsValidAddress(addr Address) bool { return uint64(addr) < uint64(len(h.mem)) }

// ReadAt returns a view of n bytes starting at addr. The slice aliases the
// heap's backing array and is only valid until the next call that may grow
// the heap (Grow, ReserveProgram, or an allocation that falls back to
// growing) — callers must not hold it across such a call.
func (h *Heap) ReadAt(addr Address, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if n < 0 || end > uint64(len(h.mem)) {
		return nil, newErr(IllegalAddress, "read of %d bytes at %d is out of bounds (size %d)", n, addr, len(h.mem))
	}
	return h.mem[addr:end], nil
}

// WriteAt copies data into the heap starting at addr.
func (h *Heap) WriteAt(addr Address, data []byte) error {
	end := uint64(addr) + uint64(len(data))
	if end > uint64(len(h.mem)) {
		return newErr(IllegalAddress, "write of %d bytes at %d is out of bounds (size %d)", len(data), addr, len(h.mem))
	}
	copy(h.mem[addr:end], data)
	return nil
}

func (h *Heap) readHeader(headerAddr Address) uint64 {
	return binary.LittleEndian.Uint64(h.mem[headerAddr : headerAddr+headerSize])
}

func (h *Heap) writeHeader(headerAddr Address, size uint64, typ blockType, marked bool) {
	binary.LittleEndian.PutUint64(h.mem[headerAddr:headerAddr+headerSize], encodeHeader(size, typ, marked))
}

func (h *Heap) readFreeNext(headerAddr Address) Address {
	payload := headerAddr + headerSize
	return Address(binary.LittleEndian.Uint64(h.mem[payload : payload+8]))
}

func (h *Heap) writeFreeNext(headerAddr Address, next Address) {
	payload := headerAddr + headerSize
	binary.LittleEndian.PutUint64(h.mem[payload:payload+8], uint64(next))
}

// BlockTypeAt returns the type of the block whose payload begins at the
// given handle.
func (h *Heap) BlockTypeAt(handle Address) (blockType, error) {
	if handle < headerSize || !h.IsValidAddress(handle-headerSize) {
		return 0, newErr(IllegalAddress, "handle %d does not name a block", handle)
	}
	return decodeType(h.readHeader(handle - headerSize)), nil
}

// BlockSizeAt returns the payload size of the block whose payload begins
// at the given handle.
func (h *Heap) BlockSizeAt(handle Address) (uint64, error) {
	if handle < headerSize || !h.IsValidAddress(handle-headerSize) {
		return 0, newErr(IllegalAddress, "handle %d does not name a block", handle)
	}
	return decodeSize(h.readHeader(handle - headerSize)), nil
}

// ReserveProgram sets the program-region size to ceil(n/8)*8. It fails
// with a HeapInUse-tagged error unless the entire heap region is
// currently a single Free block (or no program has ever been reserved).
func (h *Heap) ReserveProgram(n uint64) error {
	newSize := ceil8(n)

	if h.hasProgram {
		if !h.heapIsOneWholeFreeBlock() {
			return newErr(heapInUse, "cannot reserve program region: heap is in use")
		}
	}

	if newSize > uint64(len(h.mem)) {
		if err := h.growTo(newSize); err != nil {
			return wrapErr(OutOfMemory, err, "cannot grow memory to reserve %d bytes for program", newSize)
		}
	}

	h.programSize = newSize
	h.hasProgram = true

	remaining := uint64(len(h.mem)) - newSize
	if remaining >= minFreeTotal {
		addr := Address(newSize)
		h.writeHeader(addr, remaining-headerSize, blockFree, false)
		h.writeFreeNext(addr, 0)
		h.firstFree = addr
		h.bytesFree = remaining - headerSize
	} else {
		h.programSize = uint64(len(h.mem))
		h.firstFree = 0
		h.bytesFree = 0
	}
	return nil
}

// heapIsOneWholeFreeBlock reports whether the heap region is exactly one
// Free block spanning its entire extent — the only state in which
// ReserveProgram may be called again.
func (h *Heap) heapIsOneWholeFreeBlock() bool {
	heapRegion := uint64(len(h.mem)) - h.programSize
	if heapRegion == 0 {
		return true
	}
	if h.firstFree == 0 {
		return false
	}
	if h.firstFree != Address(h.programSize) {
		return false
	}
	hdr := h.readHeader(h.firstFree)
	if decodeType(hdr) != blockFree {
		return false
	}
	if decodeSize(hdr) != heapRegion-headerSize {
		return false
	}
	return h.readFreeNext(h.firstFree) == 0
}

// AllocateCode allocates a Code block with room for n bytes of bytecode.
func (h *Heap) AllocateCode(n uint64) (Address, error) {
	return h.allocate(ceil8(n), blockCode)
}

// AllocateState allocates a State block sized to hold callFrames call-stack
// frames and addrSlots address-stack slots, plus the fixed 8-byte guard
// and 8 bytes of slot counts.
func (h *Heap) AllocateState(callFrames, addrSlots uint32) (Address, error) {
	payload := uint64(16) + uint64(callFrames)*16 + uint64(addrSlots)*8
	return h.allocate(payload, blockState)
}

// allocate finds the first Free block whose payload is big enough, splits
// it if the remainder would still be a valid Free block, and returns a
// handle to the new block's payload. It does not mutate the heap on
// failure.
func (h *Heap) allocate(size uint64, typ blockType) (Address, error) {
	var prev Address // header of the free-list predecessor, 0 if cur is first
	cur := h.firstFree
	for cur != 0 {
		hdr := h.readHeader(cur)
		freeSize := decodeSize(hdr)
		if freeSize >= size {
			next := h.readFreeNext(cur)
			remainderTotal := (headerSize + freeSize) - (headerSize + size)

			if remainderTotal >= minFreeTotal {
				remainderAddr := cur + Address(headerSize+size)
				remainderPayload := remainderTotal - headerSize
				h.writeHeader(remainderAddr, remainderPayload, blockFree, false)
				h.writeFreeNext(remainderAddr, next)
				h.relinkFreeList(prev, cur, remainderAddr)
				h.writeHeader(cur, size, typ, false)
				h.bytesFree -= headerSize + size
			} else {
				h.relinkFreeList(prev, cur, next)
				h.writeHeader(cur, freeSize, typ, false)
				h.bytesFree -= freeSize
			}
			return cur + headerSize, nil
		}
		prev = cur
		cur = h.readFreeNext(cur)
	}
	return 0, newErr(OutOfMemory, "no free block with payload >= %d bytes", size)
}

// relinkFreeList points whatever referred to "old" (either firstFree or
// prev's next field) at "replacement" instead.
func (h *Heap) relinkFreeList(prev, old, replacement Address) {
	if prev == 0 {
		h.firstFree = replacement
	} else {
		h.writeFreeNext(prev, replacement)
	}
}

// findLastBlock walks the heap region and returns the header address of
// the last (highest-address) block, and whether any block exists.
func (h *Heap) findLastBlock() (Address, bool) {
	addr := Address(h.programSize)
	end := uint64(len(h.mem))
	last := Address(0)
	found := false
	for uint64(addr) < end {
		hdr := h.readHeader(addr)
		size := decodeSize(hdr)
		last = addr
		found = true
		addr += Address(headerSize + size)
	}
	return last, found
}

// Grow doubles the current memory size, capped at MaxSize. All byte
// slices obtained from ReadAt/WriteAt before this call are invalidated;
// callers must re-resolve addresses afterward (spec.md §5).
func (h *Heap) Grow() error {
	if uint64(len(h.mem)) >= h.maxSize {
		return newErr(OutOfMemory, "heap already at max size %d", h.maxSize)
	}
	newSize := uint64(len(h.mem)) * 2
	if newSize > h.maxSize {
		newSize = h.maxSize
	}
	return h.growTo(newSize)
}

func (h *Heap) growTo(target uint64) error {
	for uint64(len(h.mem)) < target {
		if uint64(len(h.mem)) >= h.maxSize {
			return newErr(OutOfMemory, "cannot grow memory past max size %d", h.maxSize)
		}
		newSize := uint64(len(h.mem)) * 2
		if newSize > h.maxSize {
			newSize = h.maxSize
		}
		if newSize <= uint64(len(h.mem)) {
			return newErr(OutOfMemory, "cannot grow memory past max size %d", h.maxSize)
		}

		oldSize := uint64(len(h.mem))
		newMem := make([]byte, newSize)
		copy(newMem, h.mem)
		added := newSize - oldSize

		lastHeader, found := h.findLastBlock()
		h.mem = newMem

		if found && decodeType(h.readHeader(lastHeader)) == blockFree {
			newPayload := decodeSize(h.readHeader(lastHeader)) + added
			h.writeHeader(lastHeader, newPayload, blockFree, false)
			h.bytesFree += added
		} else if added >= minFreeTotal {
			tailAddr := Address(oldSize)
			h.writeHeader(tailAddr, added-headerSize, blockFree, false)
			h.writeFreeNext(tailAddr, h.firstFree)
			h.firstFree = tailAddr
			h.bytesFree += added - headerSize
		}
		// else: added bytes too small to form a block; left unusable until
		// the next grow widens the tail further.
	}
	return nil
}

// IterateBlocks calls yield with the header address of every block in the
// heap region, in address order, until yield returns false.
func (h *Heap) IterateBlocks(yield func(headerAddr Address) bool) {
	addr := Address(h.programSize)
	end := uint64(len(h.mem))
	for uint64(addr) < end {
		hdr := h.readHeader(addr)
		size := decodeSize(hdr)
		if !yield(addr) {
			return
		}
		addr += Address(headerSize + size)
	}
}

// IterateFreeList calls yield with the header address of every block on
// the free list, in list order, until yield returns false.
func (h *Heap) IterateFreeList(yield func(headerAddr Address) bool) {
	cur := h.firstFree
	for cur != 0 {
		if !yield(cur) {
			return
		}
		cur = h.readFreeNext(cur)
	}
}
