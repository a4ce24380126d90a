package wasm

import (
	"github.com/wippyai/wasm-pipeline/errors"
)

// DecodeModule parses a complete WebAssembly binary.
func DecodeModule(data []byte, origin Origin, enabled Features) (*Module, error) {
	d := NewModuleDecoder(enabled, origin)
	if len(data) < HeaderSize {
		return nil, errors.Malformed(errors.PhaseDecode, 0, "module too short for header")
	}
	if err := d.DecodeModuleHeader(data[:HeaderSize], 0); err != nil {
		return nil, err
	}

	r := newReader(data[HeaderSize:], HeaderSize)
	for !r.done() {
		id, err := r.readByte()
		if err != nil {
			return nil, err
		}
		size, err := r.readU32()
		if err != nil {
			return nil, err
		}
		payloadOffset := r.offset()
		payload, err := r.readBytes(size)
		if err != nil {
			return nil, err
		}

		if id == SectionCode {
			if err := decodeCodePayload(d, payload, payloadOffset); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.DecodeSection(id, payload, payloadOffset); err != nil {
			return nil, err
		}
	}
	return d.FinishDecoding(false)
}

// decodeCodePayload splits a bulk code-section payload into the per-function
// body calls the incremental decoder expects.
func decodeCodePayload(d *ModuleDecoder, payload []byte, offset uint32) error {
	r := newReader(payload, offset)
	count, err := r.readU32()
	if err != nil {
		return err
	}
	if err := d.CheckFunctionsCount(count, offset); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		size, err := r.readU32()
		if err != nil {
			return err
		}
		bodyOffset := r.offset()
		if _, err := r.readBytes(size); err != nil {
			return err
		}
		if err := d.DecodeFunctionBody(i, size, bodyOffset); err != nil {
			return err
		}
	}
	if !r.done() {
		return r.fail("trailing bytes after last function body")
	}
	return nil
}

// ModuleDecoder decodes a module one section at a time. It backs both bulk
// decoding and the streaming processor.
type ModuleDecoder struct {
	enabled Features
	m       *Module
	err     error

	headerSeen bool
	lastOrder  int
	codeSeen   bool

	// funcTypeIndices holds the function-section contents until the code
	// section assigns bodies.
	funcTypeIndices []uint32
}

// NewModuleDecoder starts decoding a module of the given origin.
func NewModuleDecoder(enabled Features, origin Origin) *ModuleDecoder {
	return &ModuleDecoder{
		enabled: enabled,
		m:       &Module{Origin: origin, names: map[uint32]string{}},
	}
}

// OK reports whether no decoding error occurred so far.
func (d *ModuleDecoder) OK() bool { return d.err == nil }

// Module returns the partially decoded module. The result is only complete
// after FinishDecoding.
func (d *ModuleDecoder) Module() *Module { return d.m }

func (d *ModuleDecoder) setErr(err error) error {
	if d.err == nil {
		d.err = err
	}
	return d.err
}

// DecodeModuleHeader checks magic and version.
func (d *ModuleDecoder) DecodeModuleHeader(bytes []byte, offset uint32) error {
	r := newReader(bytes, offset)
	magic, err := r.readU32LE()
	if err != nil {
		return d.setErr(err)
	}
	if magic != Magic {
		return d.setErr(errors.Malformed(errors.PhaseDecode, offset, "invalid wasm magic number 0x%08x", magic))
	}
	version, err := r.readU32LE()
	if err != nil {
		return d.setErr(err)
	}
	if version != Version {
		return d.setErr(errors.Malformed(errors.PhaseDecode, offset+4, "unsupported wasm version %d", version))
	}
	d.headerSeen = true
	return nil
}

// sectionOrder maps a section ID to its canonical position. DataCount sits
// between Element and Code.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	}
	return -1
}

// DecodeSection decodes one non-code section payload. Sections the pipeline
// does not act on are accepted and skipped.
func (d *ModuleDecoder) DecodeSection(id byte, payload []byte, offset uint32) error {
	if d.err != nil {
		return d.err
	}
	if id != SectionCustom {
		order := sectionOrder(id)
		if order < 0 {
			return d.setErr(errors.Malformed(errors.PhaseDecode, offset, "unknown section id %d", id))
		}
		if order <= d.lastOrder {
			return d.setErr(errors.Malformed(errors.PhaseDecode, offset, "section %d appears out of order", id))
		}
		d.lastOrder = order
	}

	r := newReader(payload, offset)
	var err error
	switch id {
	case SectionCustom:
		err = d.decodeCustomSection(r)
	case SectionType:
		err = d.decodeTypeSection(r)
	case SectionImport:
		err = d.decodeImportSection(r)
	case SectionFunction:
		err = d.decodeFunctionSection(r)
	case SectionExport:
		err = d.decodeExportSection(r)
	case SectionStart:
		err = d.decodeStartSection(r)
	default:
		// Table, memory, global, element, data, data-count: nothing the
		// pipeline schedules work from. Tag sections have no position in
		// sectionOrder and are rejected above as unknown.
	}
	if err != nil {
		return d.setErr(err)
	}
	return nil
}

// CheckFunctionsCount verifies the code-section count against the function
// section and allocates the body table.
func (d *ModuleDecoder) CheckFunctionsCount(count uint32, offset uint32) error {
	if d.err != nil {
		return d.err
	}
	if count != uint32(len(d.funcTypeIndices)) {
		return d.setErr(errors.Malformed(errors.PhaseDecode, offset,
			"code section count %d does not match function section count %d",
			count, len(d.funcTypeIndices)))
	}
	d.codeSeen = true
	d.m.Functions = make([]Function, count)
	for i, typeIndex := range d.funcTypeIndices {
		d.m.Functions[i].TypeIndex = typeIndex
	}
	return nil
}

// DecodeFunctionBody records the wire position of one declared function
// body. index is the declared (not global) function index.
func (d *ModuleDecoder) DecodeFunctionBody(index uint32, length uint32, offset uint32) error {
	if d.err != nil {
		return d.err
	}
	if !d.codeSeen || index >= uint32(len(d.m.Functions)) {
		return d.setErr(errors.Malformed(errors.PhaseDecode, offset, "function body %d out of range", index))
	}
	if length == 0 {
		return d.setErr(errors.Malformed(errors.PhaseDecode, offset, "empty function body %d", index))
	}
	d.m.Functions[index].Body = BodyRef{Offset: offset, End: offset + length}
	return nil
}

// FinishDecoding completes decoding and returns the module. Function-body
// validation is the compiler's job; verify exists for contract parity with
// the bulk decoder and is not acted on here.
func (d *ModuleDecoder) FinishDecoding(verify bool) (*Module, error) {
	if d.err != nil {
		return nil, d.err
	}
	if !d.headerSeen {
		return nil, d.setErr(errors.Malformed(errors.PhaseDecode, 0, "missing module header"))
	}
	if len(d.funcTypeIndices) > 0 && !d.codeSeen {
		return nil, d.setErr(errors.Malformed(errors.PhaseDecode, 0,
			"function section declares %d functions but there is no code section",
			len(d.funcTypeIndices)))
	}
	for i := range d.m.Functions {
		if d.m.Functions[i].TypeIndex >= uint32(len(d.m.Types)) {
			return nil, d.setErr(errors.Malformed(errors.PhaseDecode, 0,
				"function %d references invalid type index %d", i, d.m.Functions[i].TypeIndex))
		}
	}
	return d.m, nil
}

func (d *ModuleDecoder) decodeTypeSection(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	d.m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return r.fail("type %d: unsupported type form 0x%02x", i, form)
		}
		params, err := d.readValTypes(r)
		if err != nil {
			return err
		}
		results, err := d.readValTypes(r)
		if err != nil {
			return err
		}
		if len(results) > 1 && !d.enabled.MultiValue {
			return errors.Unsupported(errors.PhaseDecode, "multi-value result")
		}
		d.m.Types = append(d.m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func (d *ModuleDecoder) readValTypes(r *reader) ([]ValType, error) {
	count, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out := make([]ValType, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		v := ValType(b)
		switch v {
		case ValI32, ValI64, ValF32, ValF64, ValV128:
		case ValFuncRef, ValExtern:
			if !d.enabled.ReferenceTypes {
				return nil, errors.Unsupported(errors.PhaseDecode, "reference types")
			}
		default:
			return nil, r.fail("invalid value type 0x%02x", b)
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *ModuleDecoder) decodeImportSection(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.readName()
		if err != nil {
			return err
		}
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Name: name, Kind: kind}
		switch kind {
		case KindFunc:
			typeIndex, err := r.readU32()
			if err != nil {
				return err
			}
			imp.TypeIndex = typeIndex
			d.m.NumImportedFuncs++
		case KindTable:
			// reftype + limits
			if _, err := r.readByte(); err != nil {
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindMemory:
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindGlobal:
			if _, err := r.readByte(); err != nil {
				return err
			}
			if _, err := r.readByte(); err != nil {
				return err
			}
		default:
			return r.fail("import %d: invalid kind %d", i, kind)
		}
		d.m.Imports = append(d.m.Imports, imp)
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.readByte()
	if err != nil {
		return err
	}
	if _, err := r.readU32(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.readU32(); err != nil {
			return err
		}
	}
	return nil
}

func (d *ModuleDecoder) decodeFunctionSection(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	d.funcTypeIndices = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		typeIndex, err := r.readU32()
		if err != nil {
			return err
		}
		d.funcTypeIndices = append(d.funcTypeIndices, typeIndex)
	}
	return nil
}

func (d *ModuleDecoder) decodeExportSection(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.readName()
		if err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return r.fail("duplicate export name %q", name)
		}
		seen[name] = struct{}{}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		index, err := r.readU32()
		if err != nil {
			return err
		}
		d.m.Exports = append(d.m.Exports, Export{Name: name, Kind: kind, Index: index})
	}
	return nil
}

func (d *ModuleDecoder) decodeStartSection(r *reader) error {
	index, err := r.readU32()
	if err != nil {
		return err
	}
	d.m.Start = &index
	return nil
}

// decodeCustomSection picks function names out of the "name" section and
// ignores every other custom section.
func (d *ModuleDecoder) decodeCustomSection(r *reader) error {
	name, err := r.readName()
	if err != nil {
		// A custom section the decoder cannot even read a name from is
		// skipped, not fatal.
		return nil
	}
	if name != "name" {
		return nil
	}
	for !r.done() {
		kind, err := r.readByte()
		if err != nil {
			return nil
		}
		size, err := r.readU32()
		if err != nil {
			return nil
		}
		payload, err := r.readBytes(size)
		if err != nil {
			return nil
		}
		// Subsection 1 holds the function name map.
		if kind != 1 {
			continue
		}
		nr := newReader(payload, r.offset()-size)
		count, err := nr.readU32()
		if err != nil {
			return nil
		}
		for i := uint32(0); i < count; i++ {
			index, err := nr.readU32()
			if err != nil {
				return nil
			}
			fname, err := nr.readName()
			if err != nil {
				return nil
			}
			d.m.names[index] = fname
		}
	}
	return nil
}
