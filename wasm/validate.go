package wasm

import (
	"github.com/wippyai/wasm-pipeline/errors"
)

// Opcodes the validator dispatches on. Straight-line numeric opcodes are
// handled by range, not listed individually.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0B
	OpBr           byte = 0x0C
	OpBrIf         byte = 0x0D
	OpBrTable      byte = 0x0E
	OpReturn       byte = 0x0F
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
	OpDrop         byte = 0x1A
	OpSelect       byte = 0x1B
	OpSelectT      byte = 0x1C
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpGlobalGet    byte = 0x23
	OpGlobalSet    byte = 0x24
	OpTableGet     byte = 0x25
	OpTableSet     byte = 0x26
	OpMemorySize   byte = 0x3F
	OpMemoryGrow   byte = 0x40
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpF32Const     byte = 0x43
	OpF64Const     byte = 0x44
	OpRefNull      byte = 0xD0
	OpRefIsNull    byte = 0xD1
	OpRefFunc      byte = 0xD2

	// Prefix bytes for multi-byte opcodes.
	OpPrefixMisc    byte = 0xFC // saturating trunc + bulk memory
	OpPrefixSIMD    byte = 0xFD
	OpPrefixAtomics byte = 0xFE
)

// Sign-extension opcodes occupy 0xC0..0xC4.
const (
	opSignExtFirst byte = 0xC0
	opSignExtLast  byte = 0xC4
)

// maxLocals bounds the declared local count of a single function.
const maxLocals = 50000

// ValidateFunctionBody checks one function body for structural validity:
// well-formed locals, known opcodes with well-formed immediates, balanced
// block nesting, and in-range call targets. Optional features encountered
// in the body are recorded in detected; a feature that is detected but not
// enabled fails validation.
//
// index is the global function index, offset the body's wire offset (used
// for error positions).
func ValidateFunctionBody(m *Module, index uint32, body []byte, offset uint32, enabled Features, detected *Features) error {
	r := newReader(body, offset)

	totalLocals := uint64(0)
	declCount, err := r.readU32()
	if err != nil {
		return bodyErr(index, r, "invalid locals declaration")
	}
	for i := uint32(0); i < declCount; i++ {
		n, err := r.readU32()
		if err != nil {
			return bodyErr(index, r, "invalid locals declaration")
		}
		if _, err := r.readByte(); err != nil {
			return bodyErr(index, r, "invalid locals declaration")
		}
		totalLocals += uint64(n)
		if totalLocals > maxLocals {
			return bodyErr(index, r, "too many locals (%d)", totalLocals)
		}
	}

	// The body is one implicit block; its end opcode must be the last byte.
	depth := 1
	for depth > 0 {
		opOffset := r.offset()
		op, err := r.readByte()
		if err != nil {
			return errors.InvalidFunction(index, opOffset, "function body truncated")
		}

		switch {
		case op == OpEnd:
			depth--
			continue
		case op == OpBlock || op == OpLoop || op == OpIf:
			if err := readBlockType(r, m, enabled, detected); err != nil {
				return bodyErrAt(index, opOffset, err)
			}
			depth++
			continue
		case op == OpElse || op == OpUnreachable || op == OpNop || op == OpReturn ||
			op == OpDrop || op == OpSelect:
			continue
		case op == OpBr || op == OpBrIf || op == OpLocalGet || op == OpLocalSet ||
			op == OpLocalTee || op == OpGlobalGet || op == OpGlobalSet:
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated immediate for opcode 0x%02x", op)
			}
			continue
		case op == OpCall:
			target, err := r.readU32()
			if err != nil {
				return bodyErr(index, r, "truncated call target")
			}
			if target >= m.NumFunctions() {
				return errors.InvalidFunction(index, opOffset,
					"call target %d out of range (%d functions)", target, m.NumFunctions())
			}
			continue
		case op == OpCallIndirect:
			typeIndex, err := r.readU32()
			if err != nil {
				return bodyErr(index, r, "truncated call_indirect immediate")
			}
			if typeIndex >= uint32(len(m.Types)) {
				return errors.InvalidFunction(index, opOffset,
					"call_indirect type %d out of range", typeIndex)
			}
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated call_indirect table index")
			}
			continue
		case op == OpBrTable:
			count, err := r.readU32()
			if err != nil {
				return bodyErr(index, r, "truncated br_table")
			}
			for i := uint32(0); i <= count; i++ {
				if _, err := r.readU32(); err != nil {
					return bodyErr(index, r, "truncated br_table")
				}
			}
			continue
		case op == OpSelectT:
			n, err := r.readU32()
			if err != nil {
				return bodyErr(index, r, "truncated select immediate")
			}
			if _, err := r.readBytes(n); err != nil {
				return bodyErr(index, r, "truncated select immediate")
			}
			continue
		case op == OpTableGet || op == OpTableSet:
			detected.ReferenceTypes = true
			if !enabled.ReferenceTypes {
				return errors.InvalidFunction(index, opOffset, "reference types not enabled")
			}
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated table index")
			}
			continue
		case op >= 0x28 && op <= 0x3E:
			// Memory loads and stores: alignment + offset.
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated memarg")
			}
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated memarg")
			}
			continue
		case op == OpMemorySize || op == OpMemoryGrow:
			if _, err := r.readByte(); err != nil {
				return bodyErr(index, r, "truncated memory index")
			}
			continue
		case op == OpI32Const:
			if _, err := r.readS32(); err != nil {
				return bodyErr(index, r, "truncated i32.const")
			}
			continue
		case op == OpI64Const:
			if _, err := r.readS64(); err != nil {
				return bodyErr(index, r, "truncated i64.const")
			}
			continue
		case op == OpF32Const:
			if _, err := r.readBytes(4); err != nil {
				return bodyErr(index, r, "truncated f32.const")
			}
			continue
		case op == OpF64Const:
			if _, err := r.readBytes(8); err != nil {
				return bodyErr(index, r, "truncated f64.const")
			}
			continue
		case op >= 0x45 && op <= 0xBF:
			// Numeric comparisons, arithmetic, and conversions carry no
			// immediates.
			continue
		case op >= opSignExtFirst && op <= opSignExtLast:
			detected.SignExtension = true
			if !enabled.SignExtension {
				return errors.InvalidFunction(index, opOffset, "sign-extension operators not enabled")
			}
			continue
		case op == OpRefNull:
			detected.ReferenceTypes = true
			if !enabled.ReferenceTypes {
				return errors.InvalidFunction(index, opOffset, "reference types not enabled")
			}
			if _, err := r.readByte(); err != nil {
				return bodyErr(index, r, "truncated ref.null")
			}
			continue
		case op == OpRefIsNull:
			detected.ReferenceTypes = true
			if !enabled.ReferenceTypes {
				return errors.InvalidFunction(index, opOffset, "reference types not enabled")
			}
			continue
		case op == OpRefFunc:
			detected.ReferenceTypes = true
			if !enabled.ReferenceTypes {
				return errors.InvalidFunction(index, opOffset, "reference types not enabled")
			}
			target, err := r.readU32()
			if err != nil {
				return bodyErr(index, r, "truncated ref.func")
			}
			if target >= m.NumFunctions() {
				return errors.InvalidFunction(index, opOffset, "ref.func target %d out of range", target)
			}
			continue
		case op == OpPrefixMisc:
			if err := validateMiscOp(r, index, opOffset, enabled, detected); err != nil {
				return err
			}
			continue
		case op == OpPrefixAtomics:
			detected.Threads = true
			if !enabled.Threads {
				return errors.InvalidFunction(index, opOffset, "shared-memory operators not enabled")
			}
			if _, err := r.readByte(); err != nil {
				return bodyErr(index, r, "truncated atomic opcode")
			}
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated memarg")
			}
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated memarg")
			}
			continue
		case op == OpPrefixSIMD:
			return errors.InvalidFunction(index, opOffset, "SIMD operators not enabled")
		default:
			return errors.InvalidFunction(index, opOffset, "unknown opcode 0x%02x", op)
		}
	}

	if !r.done() {
		return errors.InvalidFunction(index, r.offset(), "trailing bytes after function end")
	}
	return nil
}

func validateMiscOp(r *reader, index uint32, opOffset uint32, enabled Features, detected *Features) error {
	sub, err := r.readU32()
	if err != nil {
		return bodyErr(index, r, "truncated 0xFC opcode")
	}
	switch {
	case sub <= 7:
		// Saturating float-to-int truncations.
		detected.SaturatingTrunc = true
		if !enabled.SaturatingTrunc {
			return errors.InvalidFunction(index, opOffset, "saturating truncation operators not enabled")
		}
		return nil
	case sub <= 17:
		// Bulk memory and table operations; all carry up to two LEB
		// immediates.
		detected.BulkMemory = true
		if !enabled.BulkMemory {
			return errors.InvalidFunction(index, opOffset, "bulk memory operators not enabled")
		}
		// memory.init, memory.copy, table.init, and table.copy carry two
		// index immediates; the rest carry one.
		nImm := 1
		switch sub {
		case 8, 10, 12, 14:
			nImm = 2
		}
		for i := 0; i < nImm; i++ {
			if _, err := r.readU32(); err != nil {
				return bodyErr(index, r, "truncated bulk-memory immediate")
			}
		}
		return nil
	default:
		return errors.InvalidFunction(index, opOffset, "unknown 0xFC opcode %d", sub)
	}
}

func readBlockType(r *reader, m *Module, enabled Features, detected *Features) error {
	bt, err := r.readS33()
	if err != nil {
		if r.done() {
			return errors.Malformed(errors.PhaseCompile, r.offset(), "truncated block type")
		}
		return err
	}
	if bt >= 0 {
		// A non-negative block type is a type-section index: multi-value.
		detected.MultiValue = true
		if !enabled.MultiValue {
			return errors.Unsupported(errors.PhaseCompile, "multi-value blocks")
		}
		if bt >= int64(len(m.Types)) {
			return errors.Malformed(errors.PhaseCompile, r.offset(), "block type index %d out of range", bt)
		}
		return nil
	}
	switch byte(bt & 0x7F) {
	case 0x40, byte(ValI32), byte(ValI64), byte(ValF32), byte(ValF64), byte(ValV128),
		byte(ValFuncRef), byte(ValExtern):
		return nil
	}
	return errors.Malformed(errors.PhaseCompile, r.offset(), "invalid block type")
}

func bodyErr(index uint32, r *reader, detail string, args ...any) error {
	return errors.InvalidFunction(index, r.offset(), detail, args...)
}

func bodyErrAt(index uint32, offset uint32, err error) error {
	if e, ok := err.(*errors.Error); ok {
		e.FuncIndex = int32(index)
		e.Offset = offset
		return e
	}
	return errors.InvalidFunction(index, offset, "%s", err)
}
