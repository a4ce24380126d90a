package wasm

import "strings"

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported WebAssembly binary format version.
	Version uint32 = 0x01
)

// HeaderSize is the byte length of the module header (magic + version).
const HeaderSize = 8

// Section IDs define the binary identifiers for each module section.
// Sections must appear in increasing canonical order (except custom
// sections, which can appear anywhere).
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// Import/Export descriptor kinds identify the type of imported or exported item.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
)

// Value type encodings as defined in the WebAssembly binary format.
const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValV128    ValType = 0x7B
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F
)

// ValType is a single-byte WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	}
	return "unknown"
}

// Origin distinguishes modules compiled from WebAssembly bytes from modules
// translated out of asm.js. Tiering and lazy-validation policy depend on it.
type Origin uint8

const (
	OriginWasm Origin = iota
	OriginAsmJS
)

func (o Origin) String() string {
	if o == OriginAsmJS {
		return "asm.js"
	}
	return "wasm"
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Key returns a canonical string for the signature, used as a cache key by
// the wrapper compiler.
func (t *FuncType) Key() string {
	var b strings.Builder
	for _, p := range t.Params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(':')
	for _, r := range t.Results {
		b.WriteByte(byte(r))
	}
	return b.String()
}

// BodyRef locates a function body inside the wire bytes. End is exclusive.
type BodyRef struct {
	Offset uint32
	End    uint32
}

// Length returns the body length in bytes.
func (r BodyRef) Length() uint32 { return r.End - r.Offset }

// Function is one declared (non-imported) function.
type Function struct {
	TypeIndex uint32
	Body      BodyRef
}

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   byte
	// TypeIndex is set for function imports.
	TypeIndex uint32
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Module is the decoded form of a WebAssembly binary, trimmed to what the
// compilation pipeline consumes.
type Module struct {
	Origin Origin

	Types   []FuncType
	Imports []Import
	Exports []Export
	Start   *uint32

	// Functions holds the declared functions, indexed by declared index.
	// The global function index space is imports first, then declared
	// functions.
	Functions []Function

	// NumImportedFuncs counts the function entries of the import section.
	NumImportedFuncs uint32

	// names holds function names from the custom "name" section, keyed by
	// global function index.
	names map[uint32]string
}

// NumDeclaredFuncs returns the number of non-imported functions.
func (m *Module) NumDeclaredFuncs() uint32 { return uint32(len(m.Functions)) }

// NumFunctions returns the size of the global function index space.
func (m *Module) NumFunctions() uint32 {
	return m.NumImportedFuncs + m.NumDeclaredFuncs()
}

// FunctionAt returns the declared function for a global function index.
// ok is false for imported or out-of-range indices.
func (m *Module) FunctionAt(index uint32) (*Function, bool) {
	if index < m.NumImportedFuncs || index >= m.NumFunctions() {
		return nil, false
	}
	return &m.Functions[index-m.NumImportedFuncs], true
}

// TypeOf returns the signature of the function at a global index.
func (m *Module) TypeOf(index uint32) (*FuncType, bool) {
	var typeIndex uint32
	switch {
	case index < m.NumImportedFuncs:
		n := uint32(0)
		for i := range m.Imports {
			if m.Imports[i].Kind != KindFunc {
				continue
			}
			if n == index {
				typeIndex = m.Imports[i].TypeIndex
				n++
				break
			}
			n++
		}
		if n <= index {
			return nil, false
		}
	case index < m.NumFunctions():
		typeIndex = m.Functions[index-m.NumImportedFuncs].TypeIndex
	default:
		return nil, false
	}
	if typeIndex >= uint32(len(m.Types)) {
		return nil, false
	}
	return &m.Types[typeIndex], true
}

// FunctionName returns the function's name from the name section, or the
// empty string when the module does not name it.
func (m *Module) FunctionName(index uint32) string {
	return m.names[index]
}
