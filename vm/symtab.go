package vm

// SymbolTable is an opaque name→address lookup populated by the loader
// from a program image's symbol section. The core never consults it
// during dispatch; it exists purely for diagnostics (disassembly,
// debugger backtraces).
type SymbolTable struct {
	byName map[string]Address
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]Address)}
}

// Define records a symbol. It fails if name was already defined.
func (t *SymbolTable) Define(name string, addr Address) error {
	if _, exists := t.byName[name]; exists {
		return newErr(BadProgramImage, "duplicate symbol name %q", name)
	}
	t.byName[name] = addr
	return nil
}

// Lookup returns the address bound to name, if any.
func (t *SymbolTable) Lookup(name string) (Address, bool) {
	addr, ok := t.byName[name]
	return addr, ok
}

// Len returns the number of defined symbols.
func (t *SymbolTable) Len() int { return len(t.byName) }

// ForEach calls yield with every (name, address) pair. Iteration order is
// unspecified.
func (t *SymbolTable) ForEach(yield func(name string, addr Address) bool) {
	for name, addr := range t.byName {
		if !yield(name, addr) {
			return
		}
	}
}
