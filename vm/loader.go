package vm

import "encoding/binary"

const (
	imageMagic         = "MOO4COWS"
	imageHeaderSize    = 24
	maxSymbolNameBytes = 247
)

// LoadedImage is the result of parsing a program image: the raw bytecode
// and entry point, ready to be copied into a freshly reserved program
// region.
type LoadedImage struct {
	Bytecode     []byte
	StartAddress uint32
	Symbols      []symbolEntry
}

type symbolEntry struct {
	Name string
	Addr Address
}

// parseImage decodes a program image per the fixed 24-byte header format:
// magic, program size, symbol count, start address, and a reserved field,
// followed by the bytecode and a length-prefixed symbol table. Short
// reads are reported as IO; structurally invalid but complete data is
// reported as BadProgramImage.
func parseImage(image []byte) (*LoadedImage, error) {
	if len(image) < imageHeaderSize {
		return nil, newErr(IO, "image is %d bytes, shorter than the %d-byte header", len(image), imageHeaderSize)
	}
	if string(image[0:8]) != imageMagic {
		return nil, newErr(BadProgramImage, "bad magic %q", image[0:8])
	}

	programSize := binary.LittleEndian.Uint32(image[8:12])
	numSymbols := binary.LittleEndian.Uint32(image[12:16])
	startAddress := binary.LittleEndian.Uint32(image[16:20])
	reserved := binary.LittleEndian.Uint32(image[20:24])

	if reserved != 0 {
		return nil, newErr(BadProgramImage, "reserved header field is %d, must be zero", reserved)
	}
	if programSize == 0 {
		return nil, newErr(BadProgramImage, "program size is zero")
	}

	bytecodeEnd := imageHeaderSize + int(programSize)
	if len(image) < bytecodeEnd {
		return nil, newErr(IO, "image declares %d bytes of bytecode but only has %d bytes after the header", programSize, len(image)-imageHeaderSize)
	}
	bytecode := image[imageHeaderSize:bytecodeEnd]

	offset := bytecodeEnd
	symbols := make([]symbolEntry, 0, numSymbols)
	seen := make(map[string]bool, numSymbols)
	for i := uint32(0); i < numSymbols; i++ {
		if offset >= len(image) {
			return nil, newErr(IO, "symbol table truncated before entry %d", i)
		}
		length := image[offset]
		offset++
		if length < 8 {
			return nil, newErr(BadProgramImage, "symbol entry %d has length %d, too short for its address field", i, length)
		}
		if offset+int(length) > len(image) {
			return nil, newErr(IO, "symbol table truncated inside entry %d", i)
		}
		addr := binary.LittleEndian.Uint64(image[offset : offset+8])
		name := string(image[offset+8 : offset+int(length)])
		offset += int(length)

		// length is a single byte, so len(name) = length-8 <= 247 always;
		// the format itself enforces the maxSymbolNameBytes bound.
		if seen[name] {
			return nil, newErr(BadProgramImage, "duplicate symbol name %q", name)
		}
		seen[name] = true
		symbols = append(symbols, symbolEntry{Name: name, Addr: Address(addr)})
	}

	return &LoadedImage{Bytecode: bytecode, StartAddress: startAddress, Symbols: symbols}, nil
}

// installImage reserves a program region sized to img's bytecode, copies
// the bytecode in, and pads the remainder to an 8-byte boundary with
// HALT. It returns the validated start address.
func installImage(h *Heap, symtab *SymbolTable, img *LoadedImage) (Address, error) {
	if err := h.ReserveProgram(uint64(len(img.Bytecode))); err != nil {
		return 0, err
	}
	if err := h.WriteAt(0, img.Bytecode); err != nil {
		return 0, err
	}
	regionSize := h.ProgramSize()
	if pad := regionSize - uint64(len(img.Bytecode)); pad > 0 {
		padding := make([]byte, pad)
		for i := range padding {
			padding[i] = byte(OpHalt)
		}
		if err := h.WriteAt(Address(len(img.Bytecode)), padding); err != nil {
			return 0, err
		}
	}

	if uint64(img.StartAddress) >= regionSize {
		return 0, newErr(BadProgramImage, "start address %d is outside the %d-byte program region", img.StartAddress, regionSize)
	}

	for _, sym := range img.Symbols {
		if err := symtab.Define(sym.Name, sym.Addr); err != nil {
			return 0, err
		}
	}

	return Address(img.StartAddress), nil
}
