package vm

import "encoding/binary"

// byteStack is a fixed-capacity, growable-on-demand stack of raw bytes,
// addressed in fixed-size slots. It underlies both AddressStack and
// CallStack; the two wrappers differ only in slot size and in which
// Code they translate overflow/underflow into.
type byteStack struct {
	buf      []byte
	slotSize int
	max      int // maximum slot count
}

func newByteStack(slotSize, initialSlots, maxSlots int) *byteStack {
	return &byteStack{buf: make([]byte, 0, slotSize*initialSlots), slotSize: slotSize, max: maxSlots}
}

func (s *byteStack) depth() int { return len(s.buf) / s.slotSize }

func (s *byteStack) push(slot []byte) bool {
	if s.depth() >= s.max {
		return false
	}
	s.buf = append(s.buf, slot...)
	return true
}

func (s *byteStack) pop(out []byte) bool {
	if s.depth() == 0 {
		return false
	}
	start := len(s.buf) - s.slotSize
	copy(out, s.buf[start:])
	s.buf = s.buf[:start]
	return true
}

func (s *byteStack) peekAt(fromTop int, out []byte) bool {
	if fromTop < 0 || fromTop >= s.depth() {
		return false
	}
	start := len(s.buf) - (fromTop+1)*s.slotSize
	copy(out, s.buf[start:start+s.slotSize])
	return true
}

func (s *byteStack) replaceAt(fromTop int, slot []byte) bool {
	if fromTop < 0 || fromTop >= s.depth() {
		return false
	}
	start := len(s.buf) - (fromTop+1)*s.slotSize
	copy(s.buf[start:start+s.slotSize], slot)
	return true
}

func (s *byteStack) swapTop() bool {
	if s.depth() < 2 {
		return false
	}
	n := s.slotSize
	top := len(s.buf) - n
	second := top - n
	tmp := make([]byte, n)
	copy(tmp, s.buf[top:])
	copy(s.buf[top:], s.buf[second:top])
	copy(s.buf[second:top], tmp)
	return true
}

func (s *byteStack) dupTop() bool {
	if s.depth() == 0 {
		return false
	}
	if s.depth() >= s.max {
		return false
	}
	n := s.slotSize
	top := s.buf[len(s.buf)-n:]
	s.buf = append(s.buf, top...)
	return true
}

func (s *byteStack) clear() { s.buf = s.buf[:0] }

func (s *byteStack) bytes() []byte { return s.buf }

// setBytes replaces the stack's contents wholesale, as RESTORE does when
// reinstating a saved continuation. The caller is responsible for bounds
// checking against max before calling.
func (s *byteStack) setBytes(b []byte) { s.buf = append(s.buf[:0], b...) }

// truncateTo keeps only the bottom n slots.
func (s *byteStack) truncateTo(n int) {
	if n < s.depth() {
		s.buf = s.buf[:n*s.slotSize]
	}
}

// AddressStack is the VM's operand stack: a stack of 8-byte handles/values.
type AddressStack struct{ s *byteStack }

// NewAddressStack creates an AddressStack with the given initial and
// maximum depth, in slots.
func NewAddressStack(initialDepth, maxDepth int) *AddressStack {
	return &AddressStack{s: newByteStack(8, initialDepth, maxDepth)}
}

func (a *AddressStack) Depth() int { return a.s.depth() }

func (a *AddressStack) Push(v Address) error {
	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], uint64(v))
	if !a.s.push(slot[:]) {
		return newErr(AddressStackOverflow, "address stack overflow (depth %d)", a.s.max)
	}
	return nil
}

func (a *AddressStack) Pop() (Address, error) {
	var slot [8]byte
	if !a.s.pop(slot[:]) {
		return 0, newErr(AddressStackUnderflow, "address stack underflow")
	}
	return Address(binary.LittleEndian.Uint64(slot[:])), nil
}

func (a *AddressStack) Peek() (Address, error) { return a.PeekN(0) }

// PeekN returns the value fromTop slots below the top (0 is the top
// itself) without popping it.
func (a *AddressStack) PeekN(fromTop int) (Address, error) {
	var slot [8]byte
	if !a.s.peekAt(fromTop, slot[:]) {
		return 0, newErr(AddressStackUnderflow, "address stack does not have %d entries", fromTop+1)
	}
	return Address(binary.LittleEndian.Uint64(slot[:])), nil
}

func (a *AddressStack) Swap() error {
	if !a.s.swapTop() {
		return newErr(AddressStackUnderflow, "address stack has fewer than two entries")
	}
	return nil
}

func (a *AddressStack) Dup() error {
	if a.s.depth() == 0 {
		return newErr(AddressStackUnderflow, "address stack is empty")
	}
	if !a.s.dupTop() {
		return newErr(AddressStackOverflow, "address stack overflow (depth %d)", a.s.max)
	}
	return nil
}

// Clear empties the stack, discarding every slot.
func (a *AddressStack) Clear() { a.s.clear() }

// Bytes returns the raw little-endian encoding of every slot, bottom to
// top, for snapshotting into a State block.
func (a *AddressStack) Bytes() []byte { return a.s.bytes() }

// ReplaceFromBytes wholesale-replaces the stack's contents, as RESTORE
// does.
func (a *AddressStack) ReplaceFromBytes(b []byte) { a.s.setBytes(b) }

// TruncateTo keeps only the bottom n slots. No instruction calls it; SAVE
// snapshots the bottom slots by slicing Bytes() instead.
func (a *AddressStack) TruncateTo(n int) { a.s.truncateTo(n) }

// Max returns the configured maximum depth.
func (a *AddressStack) Max() int { return a.s.max }

// ForEach calls yield with every address on the stack, bottom to top,
// for GC root marking. Stops early if yield returns false.
func (a *AddressStack) ForEach(yield func(Address) bool) {
	n := a.s.depth()
	for i := n - 1; i >= 0; i-- {
		var slot [8]byte
		a.s.peekAt(i, slot[:])
		if !yield(Address(binary.LittleEndian.Uint64(slot[:]))) {
			return
		}
	}
}

// callFrame is one 16-byte CallStack slot: an 8-byte block-entry address
// (the PCALL target: a Code block handle, or an address inside the
// program region) and an 8-byte return address (an intra-block byte offset, NOT a
// handle — it is never a GC root).
type callFrame struct {
	Block Address
	Ret   Address
}

func (f callFrame) bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(f.Block))
	binary.LittleEndian.PutUint64(b[8:16], uint64(f.Ret))
	return b
}

func callFrameFromBytes(b []byte) callFrame {
	return callFrame{
		Block: Address(binary.LittleEndian.Uint64(b[0:8])),
		Ret:   Address(binary.LittleEndian.Uint64(b[8:16])),
	}
}

// CallStack is the VM's control stack: a stack of 16-byte call frames.
type CallStack struct{ s *byteStack }

// NewCallStack creates a CallStack with the given initial and maximum
// depth, in frames.
func NewCallStack(initialDepth, maxDepth int) *CallStack {
	return &CallStack{s: newByteStack(16, initialDepth, maxDepth)}
}

func (c *CallStack) Depth() int { return c.s.depth() }

func (c *CallStack) PushFrame(f callFrame) error {
	b := f.bytes()
	if !c.s.push(b[:]) {
		return newErr(CallStackOverflow, "call stack overflow (depth %d)", c.s.max)
	}
	return nil
}

func (c *CallStack) PopFrame() (callFrame, error) {
	var b [16]byte
	if !c.s.pop(b[:]) {
		return callFrame{}, newErr(CallStackUnderflow, "call stack underflow")
	}
	return callFrameFromBytes(b[:]), nil
}

func (c *CallStack) Top() (callFrame, error) {
	var b [16]byte
	if !c.s.peekAt(0, b[:]) {
		return callFrame{}, newErr(CallStackUnderflow, "call stack is empty")
	}
	return callFrameFromBytes(b[:]), nil
}

// SetTopReturn updates just the return-address slot of the top frame. No
// instruction calls it; RET only pops the frame.
func (c *CallStack) SetTopReturn(ret Address) error {
	f, err := c.Top()
	if err != nil {
		return err
	}
	f.Ret = ret
	b := f.bytes()
	c.s.replaceAt(0, b[:])
	return nil
}

// Clear empties the stack, discarding every frame.
func (c *CallStack) Clear() { c.s.clear() }

// Bytes returns the raw little-endian encoding of every frame, bottom to
// top, for snapshotting into a State block.
func (c *CallStack) Bytes() []byte { return c.s.bytes() }

// ReplaceFromBytes wholesale-replaces the stack's contents, as RESTORE
// does.
func (c *CallStack) ReplaceFromBytes(b []byte) { c.s.setBytes(b) }

// Max returns the configured maximum depth.
func (c *CallStack) Max() int { return c.s.max }

// ForEachBlockEntry calls yield with every frame's block-entry handle
// (never the return address, which is not a handle) for GC root marking.
func (c *CallStack) ForEachBlockEntry(yield func(Address) bool) {
	n := c.s.depth()
	for i := n - 1; i >= 0; i-- {
		var b [16]byte
		c.s.peekAt(i, b[:])
		f := callFrameFromBytes(b[:])
		if !yield(f.Block) {
			return
		}
	}
}
