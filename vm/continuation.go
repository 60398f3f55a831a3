package vm

import "encoding/binary"

const stateHeaderFixedSize = 16 // 8-byte guard + 4-byte frame count + 4-byte slot count

// execSave implements SAVE k: snapshots the entire CallStack and the
// bottom (depth-k) slots of the AddressStack into a new State block and
// pushes a handle to it. Neither stack is otherwise altered.
func execSave(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler, k int) error {
	s := addrStack.Depth()
	if s < k {
		return newErr(AddressStackUnderflow, "SAVE %d requires at least %d address-stack slots, have %d", k, k, s)
	}
	if s >= addrStack.Max() {
		return newErr(AddressStackOverflow, "address stack has no room for SAVE's result handle")
	}

	savedSlots := s - k
	callBytes := callStack.Bytes()
	addrBytes := addrStack.Bytes()[:savedSlots*8]

	payloadSize := uint64(stateHeaderFixedSize) + uint64(len(callBytes)) + uint64(len(addrBytes))
	handle, err := allocateWithGC(h, addrStack, callStack, onGCErr, payloadSize, blockState)
	if err != nil {
		return err
	}

	body := make([]byte, 0, payloadSize)
	body = append(body, make([]byte, 8)...) // guard
	var counts [8]byte
	binary.LittleEndian.PutUint32(counts[0:4], uint32(callStack.Depth()))
	binary.LittleEndian.PutUint32(counts[4:8], uint32(savedSlots))
	body = append(body, counts[:]...)
	body = append(body, callBytes...)
	body = append(body, addrBytes...)

	if err := writeBlockZeroPadded(h, handle, body); err != nil {
		return err
	}
	return addrStack.Push(handle)
}

// execRestore implements RESTORE k: pops a State-block handle, replaces
// both stacks with its saved contents, and re-appends the top k slots the
// AddressStack held just before the swap.
func execRestore(h *Heap, addrStack *AddressStack, callStack *CallStack, k int) error {
	handle, err := addrStack.Pop()
	if err != nil {
		return err
	}

	rollback := func() { addrStack.Push(handle) }

	typ, err := h.BlockTypeAt(handle)
	if err != nil {
		rollback()
		return err
	}
	if typ != blockState {
		rollback()
		return newErr(Fatal, "RESTORE target is not a state block (observed type %d)", typ)
	}

	remaining := addrStack.Depth()
	if remaining < k {
		rollback()
		return newErr(AddressStackUnderflow, "RESTORE %d requires %d remaining address-stack slots, have %d", k, k, remaining)
	}

	size, err := h.BlockSizeAt(handle)
	if err != nil {
		rollback()
		return err
	}
	payload, err := h.ReadAt(handle, int(size))
	if err != nil {
		rollback()
		return err
	}
	if len(payload) < stateHeaderFixedSize {
		rollback()
		return newErr(Fatal, "state block payload too small")
	}
	numFrames := binary.LittleEndian.Uint32(payload[8:12])
	numSlots := binary.LittleEndian.Uint32(payload[12:16])

	callBytesLen := int(numFrames) * 16
	addrBytesLen := int(numSlots) * 8
	need := stateHeaderFixedSize + callBytesLen + addrBytesLen
	if need > len(payload) {
		rollback()
		return newErr(Fatal, "state block declares more saved data than its payload holds")
	}

	newAddrDepth := int(numSlots) + k
	if newAddrDepth > addrStack.Max() {
		rollback()
		return newErr(AddressStackOverflow, "restored address stack would hold %d slots, max is %d", newAddrDepth, addrStack.Max())
	}
	if int(numFrames) > callStack.Max() {
		rollback()
		return newErr(CallStackOverflow, "restored call stack would hold %d frames, max is %d", numFrames, callStack.Max())
	}

	scratch := make([]byte, k*8)
	copy(scratch, addrStack.Bytes()[addrStack.Depth()*8-k*8:])

	callOff := stateHeaderFixedSize
	addrOff := callOff + callBytesLen
	savedCall := payload[callOff : callOff+callBytesLen]
	savedAddr := payload[addrOff : addrOff+addrBytesLen]

	callStack.ReplaceFromBytes(savedCall)
	addrStack.ReplaceFromBytes(savedAddr)

	for i := 0; i < k; i++ {
		v := Address(binary.LittleEndian.Uint64(scratch[i*8 : i*8+8]))
		if err := addrStack.Push(v); err != nil {
			return wrapErr(Fatal, err, "unexpected failure re-pushing RESTORE's scratch slots")
		}
	}
	return nil
}

// execMKC builds a one-capture closure around RESTORE 1 wrapping the
// state handle on top of the AddressStack — the VM's first-class
// continuation value.
func execMKC(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	state, err := addrStack.Peek()
	if err != nil {
		return err
	}
	body := templateMKC(uint64(state))
	handle, err := allocateWithGC(h, addrStack, callStack, onGCErr, uint64(len(body)), blockCode)
	if err != nil {
		return err
	}
	if err := writeBlockZeroPadded(h, handle, body); err != nil {
		return err
	}
	if _, err := addrStack.Pop(); err != nil {
		return err
	}
	return addrStack.Push(handle)
}
