package wasm

import (
	"encoding/binary"

	"github.com/wippyai/wasm-pipeline/errors"
)

// reader walks a byte slice, tracking the slice's offset inside the wire
// bytes so errors report absolute positions.
type reader struct {
	data []byte
	pos  int
	base uint32
}

func newReader(data []byte, base uint32) *reader {
	return &reader{data: data, base: base}
}

// offset returns the absolute wire offset of the next byte.
func (r *reader) offset() uint32 { return r.base + uint32(r.pos) }

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) done() bool { return r.pos >= len(r.data) }

func (r *reader) fail(detail string, args ...any) error {
	return errors.Malformed(errors.PhaseDecode, r.offset(), detail, args...)
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.fail("unexpected end of section")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n uint32) ([]byte, error) {
	if uint32(r.remaining()) < n {
		return nil, r.fail("unexpected end of section, need %d bytes", n)
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readU32LE() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readU32 reads an unsigned LEB128 value of at most 32 bits.
func (r *reader) readU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b&0xF0 != 0 {
			return 0, r.fail("LEB128 value exceeds 32 bits")
		}
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, r.fail("LEB128 value exceeds 32 bits")
		}
	}
}

// readS32 reads a signed LEB128 value of at most 32 bits.
func (r *reader) readS32() (int32, error) {
	var result int32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 35 {
			return 0, r.fail("LEB128 value exceeds 32 bits")
		}
	}
}

// readS64 reads a signed LEB128 value of at most 64 bits.
func (r *reader) readS64() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 70 {
			return 0, r.fail("LEB128 value exceeds 64 bits")
		}
	}
}

// readS33 reads the signed 33-bit LEB128 used by block types.
func (r *reader) readS33() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 35 {
			return 0, r.fail("LEB128 value exceeds 33 bits")
		}
	}
}

// readName reads a length-prefixed UTF-8 string.
func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
