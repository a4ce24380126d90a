package wasm

import "sync"

// WireBytesStorage abstracts where the module's wire bytes live. Background
// compilation reads function bodies through the shared handle, which stays
// valid even when the original owner of the bytes is gone, and — for
// streaming — even while later chunks are still arriving.
type WireBytesStorage interface {
	// GetCode returns the bytes of the function body at ref, or nil when
	// the body is not (yet) available.
	GetCode(ref BodyRef) []byte
}

// moduleWireBytes serves bodies out of one contiguous byte slice.
type moduleWireBytes struct {
	bytes []byte
}

// NewWireBytes wraps a complete module binary as storage.
func NewWireBytes(bytes []byte) WireBytesStorage {
	return &moduleWireBytes{bytes: bytes}
}

func (s *moduleWireBytes) GetCode(ref BodyRef) []byte {
	if uint32(len(s.bytes)) < ref.End || ref.Offset > ref.End {
		return nil
	}
	return s.bytes[ref.Offset:ref.End]
}

// StreamingWireBytes serves function bodies while the stream is still
// arriving. The streaming decoder registers each complete body under its
// wire offset; once the stream finishes, the full contiguous buffer takes
// over.
type StreamingWireBytes struct {
	mu     sync.Mutex
	bodies map[uint32][]byte
	full   []byte
}

// NewStreamingWireBytes returns empty streaming storage.
func NewStreamingWireBytes() *StreamingWireBytes {
	return &StreamingWireBytes{bodies: make(map[uint32][]byte)}
}

// addBody registers the bytes of one complete function body.
func (s *StreamingWireBytes) addBody(offset uint32, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[offset] = body
}

// SetFinal installs the finished contiguous buffer. Bodies registered
// during streaming remain readable; new reads resolve against the full
// buffer.
func (s *StreamingWireBytes) SetFinal(full []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
	s.bodies = nil
}

func (s *StreamingWireBytes) GetCode(ref BodyRef) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full != nil {
		if uint32(len(s.full)) < ref.End || ref.Offset > ref.End {
			return nil
		}
		return s.full[ref.Offset:ref.End]
	}
	body := s.bodies[ref.Offset]
	if body == nil || uint32(len(body)) != ref.Length() {
		return nil
	}
	return body
}
