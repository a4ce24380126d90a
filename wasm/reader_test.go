package wasm

import "testing"

func TestReadU32(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		want  uint32
		fails bool
	}{
		{"zero", []byte{0x00}, 0, false},
		{"one byte", []byte{0x7F}, 127, false},
		{"two bytes", []byte{0x80, 0x01}, 128, false},
		{"max u32", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}, 0xFFFFFFFF, false},
		{"overflow", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}, 0, true},
		{"truncated", []byte{0x80}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReader(tt.data, 0)
			got, err := r.readU32()
			if tt.fails {
				if err == nil {
					t.Fatalf("readU32(% x) = %d, want error", tt.data, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("readU32(% x) failed: %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("readU32(% x) = %d, want %d", tt.data, got, tt.want)
			}
		})
	}
}

func TestReadS32(t *testing.T) {
	tests := []struct {
		data []byte
		want int32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x3F}, 63},
		{[]byte{0x40}, -64},
		{[]byte{0x7F}, -1},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xFF, 0x7E}, -129},
	}
	for _, tt := range tests {
		r := newReader(tt.data, 0)
		got, err := r.readS32()
		if err != nil {
			t.Fatalf("readS32(% x) failed: %v", tt.data, err)
		}
		if got != tt.want {
			t.Errorf("readS32(% x) = %d, want %d", tt.data, got, tt.want)
		}
	}
}

func TestReaderOffset(t *testing.T) {
	r := newReader([]byte{1, 2, 3}, 100)
	if got := r.offset(); got != 100 {
		t.Errorf("offset = %d, want 100", got)
	}
	if _, err := r.readByte(); err != nil {
		t.Fatal(err)
	}
	if got := r.offset(); got != 101 {
		t.Errorf("offset after read = %d, want 101", got)
	}
	if _, err := r.readBytes(5); err == nil {
		t.Errorf("readBytes past end succeeded")
	}
}

func TestRoundTripU32(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 16384, 0xFFFFFFFF} {
		encoded := appendU32(nil, v)
		r := newReader(encoded, 0)
		got, err := r.readU32()
		if err != nil {
			t.Fatalf("readU32(appendU32(%d)) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d = %d", v, got)
		}
	}
}
