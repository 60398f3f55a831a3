package vm

// The MK* instructions build a fixed closure template into a freshly
// allocated Code block, capturing operands straight off the AddressStack
// as literal PUSH values. Captured operands are peeked, never popped,
// before allocation: a collection that runs inside the allocator must
// still see them as live roots on the stack. They are popped only once
// the new block exists, and the new block's handle is then pushed in
// their place.

func execMKK(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	u, err := addrStack.Peek()
	if err != nil {
		return err
	}
	body := templateMKK(uint64(u))
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

func execMKS0(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	u, err := addrStack.Peek()
	if err != nil {
		return err
	}
	body := templateMKS0(uint64(u))
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

func execMKS1(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	u, err := addrStack.PeekN(0)
	if err != nil {
		return err
	}
	v, err := addrStack.PeekN(1)
	if err != nil {
		return err
	}
	body := templateMKS1(uint64(u), uint64(v))
	handle, err := allocateWithGC(h, addrStack, callStack, onGCErr, uint64(len(body)), blockCode)
	if err != nil {
		return err
	}
	if err := writeBlockZeroPadded(h, handle, body); err != nil {
		return err
	}
	if _, err := addrStack.Pop(); err != nil { // u
		return err
	}
	if _, err := addrStack.Pop(); err != nil { // v
		return err
	}
	return addrStack.Push(handle)
}

func execMKS2(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	u, err := addrStack.PeekN(0)
	if err != nil {
		return err
	}
	v, err := addrStack.PeekN(1)
	if err != nil {
		return err
	}
	body := templateMKS2(uint64(u), uint64(v))
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
	if _, err := addrStack.Pop(); err != nil {
		return err
	}
	return addrStack.Push(handle)
}

func execMKD(h *Heap, addrStack *AddressStack, callStack *CallStack, onGCErr GcErrorHandler) error {
	x, err := addrStack.Peek()
	if err != nil {
		return err
	}
	body := templateMKD(uint64(x))
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
