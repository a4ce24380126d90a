package wasm

import "encoding/binary"

// ModuleBuilder assembles a WebAssembly binary. The pipeline itself never
// encodes modules; the builder exists for embedders and tests that need
// well-formed inputs without shipping binary fixtures.
type ModuleBuilder struct {
	types   []FuncType
	imports []Import
	funcs   []builderFunc
	exports []Export
	start   *uint32
	names   map[uint32]string
}

type builderFunc struct {
	typeIndex uint32
	body      []byte
}

// NewModuleBuilder returns an empty builder.
func NewModuleBuilder() *ModuleBuilder {
	return &ModuleBuilder{names: map[uint32]string{}}
}

// AddType registers a function signature and returns its type index.
func (b *ModuleBuilder) AddType(params, results []ValType) uint32 {
	b.types = append(b.types, FuncType{Params: params, Results: results})
	return uint32(len(b.types) - 1)
}

// AddImport registers a function import and returns its global function
// index. Imports must be added before declared functions.
func (b *ModuleBuilder) AddImport(module, name string, typeIndex uint32) uint32 {
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: KindFunc, TypeIndex: typeIndex})
	return uint32(len(b.imports) - 1)
}

// AddFunction registers a declared function with a raw body (locals
// declaration plus instructions, without the size prefix) and returns its
// global function index.
func (b *ModuleBuilder) AddFunction(typeIndex uint32, body []byte) uint32 {
	b.funcs = append(b.funcs, builderFunc{typeIndex: typeIndex, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// AddExport exports a function under the given name.
func (b *ModuleBuilder) AddExport(name string, funcIndex uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: KindFunc, Index: funcIndex})
}

// SetStart marks the start function.
func (b *ModuleBuilder) SetStart(funcIndex uint32) {
	idx := funcIndex
	b.start = &idx
}

// SetName records a function name for the name section.
func (b *ModuleBuilder) SetName(funcIndex uint32, name string) {
	b.names[funcIndex] = name
}

// EmptyBody returns the smallest valid function body: no locals, end.
func EmptyBody() []byte { return []byte{0x00, OpEnd} }

// Build serializes the module.
func (b *ModuleBuilder) Build() []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, Magic)
	out = binary.LittleEndian.AppendUint32(out, Version)

	if len(b.types) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.types)))
		for _, t := range b.types {
			p = append(p, 0x60)
			p = appendU32(p, uint32(len(t.Params)))
			for _, v := range t.Params {
				p = append(p, byte(v))
			}
			p = appendU32(p, uint32(len(t.Results)))
			for _, v := range t.Results {
				p = append(p, byte(v))
			}
		}
		out = appendSection(out, SectionType, p)
	}

	if len(b.imports) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.imports)))
		for _, imp := range b.imports {
			p = appendName(p, imp.Module)
			p = appendName(p, imp.Name)
			p = append(p, imp.Kind)
			p = appendU32(p, imp.TypeIndex)
		}
		out = appendSection(out, SectionImport, p)
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = appendU32(p, f.typeIndex)
		}
		out = appendSection(out, SectionFunction, p)
	}

	if len(b.exports) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.exports)))
		for _, e := range b.exports {
			p = appendName(p, e.Name)
			p = append(p, e.Kind)
			p = appendU32(p, e.Index)
		}
		out = appendSection(out, SectionExport, p)
	}

	if b.start != nil {
		out = appendSection(out, SectionStart, appendU32(nil, *b.start))
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = appendU32(p, uint32(len(f.body)))
			p = append(p, f.body...)
		}
		out = appendSection(out, SectionCode, p)
	}

	if len(b.names) > 0 {
		var sub []byte
		sub = appendU32(sub, uint32(len(b.names)))
		// Name map entries must be sorted by index.
		for i := uint32(0); i < uint32(len(b.imports)+len(b.funcs)); i++ {
			if name, ok := b.names[i]; ok {
				sub = appendU32(sub, i)
				sub = appendName(sub, name)
			}
		}
		var p []byte
		p = appendName(p, "name")
		p = append(p, 1) // function-names subsection
		p = appendU32(p, uint32(len(sub)))
		p = append(p, sub...)
		out = appendSection(out, SectionCustom, p)
	}

	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}
