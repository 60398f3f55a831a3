package vm

// allocateWithGC implements the standard "allocate; collect if full; grow
// if still full" retry ladder every allocation site uses (spec.md §4.6): a
// single collection is attempted first since it is far cheaper than
// growing memory, then growth is retried repeatedly — doubling each time —
// until the allocation succeeds, MaxSize is reached, or a grow itself
// fails, at which point OutOfMemory surfaces.
func allocateWithGC(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler, size uint64, typ blockType) (Address, error) {
	size = ceil8(size)
	if handle, err := h.allocate(size, typ); err == nil {
		return handle, nil
	}

	Collect(h, addrStack, callStack, onGCErr)
	if handle, err := h.allocate(size, typ); err == nil {
		return handle, nil
	}

	for {
		if err := h.Grow(); err != nil {
			return 0, newErr(OutOfMemory, "no room for a %d-byte block even after collection and growth: %s", size, err)
		}
		if handle, err := h.allocate(size, typ); err == nil {
			return handle, nil
		}
		if h.Size() >= h.MaxSize() {
			return 0, newErr(OutOfMemory, "no room for a %d-byte block at max heap size %d", size, h.MaxSize())
		}
	}
}

// writeBlockZeroPadded zeroes a block's full payload and then copies body
// into its front. Padding is left zero rather than garbage from a
// previous occupant so that a GC walk of a Code block's trailing bytes
// (past body's real instructions) decodes as harmless PANIC opcodes
// instead of misreading stale bytes as a PUSH operand.
func writeBlockZeroPadded(h *Heap, handle Address, body []byte) error {
	size, err := h.BlockSizeAt(handle)
	if err != nil {
		return err
	}
	zeros := make([]byte, size)
	if err := h.WriteAt(handle, zeros); err != nil {
		return err
	}
	return h.WriteAt(handle, body)
}
