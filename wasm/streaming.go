package wasm

import "github.com/wippyai/wasm-pipeline/errors"

// Processor receives the pieces of a module as a StreamingDecoder splits
// them out of the arriving byte stream. The bool results signal whether to
// continue; a false return stops the stream (the processor has already
// taken its error path).
type Processor interface {
	ProcessModuleHeader(bytes []byte, offset uint32) bool
	ProcessSection(code byte, bytes []byte, offset uint32) bool
	ProcessCodeSectionHeader(count uint32, offset uint32, storage *StreamingWireBytes) bool
	ProcessFunctionBody(bytes []byte, offset uint32) bool

	// OnFinishedChunk fires after each pushed chunk has been consumed.
	OnFinishedChunk()

	// OnFinishedStream delivers the complete wire bytes.
	OnFinishedStream(bytes []byte)

	OnError(err error)
	OnAbort()
}

type streamState uint8

const (
	streamHeader streamState = iota
	streamSectionID
	streamSectionLength
	streamSectionPayload
	streamCodeCount
	streamBodySize
	streamBody
	streamDone
	streamFailed
)

// StreamingDecoder splits an incrementally arriving module binary into
// header, sections, and individual function bodies. It owns a copy of all
// received bytes; function bodies are handed to shared storage so that
// background compilation can read them while the stream continues.
type StreamingDecoder struct {
	processor Processor
	storage   *StreamingWireBytes

	state streamState
	full  []byte // every byte received so far
	pos   int    // consumption position inside full

	sectionID     byte
	sectionLength uint32
	payloadOffset uint32

	codeSectionEnd  uint32
	remainingBodies uint32
	bodyLength      uint32
}

// NewStreamingDecoder returns a decoder feeding the given processor.
func NewStreamingDecoder(processor Processor) *StreamingDecoder {
	return &StreamingDecoder{
		processor: processor,
		storage:   NewStreamingWireBytes(),
	}
}

// OnBytesReceived pushes one network chunk into the decoder.
func (s *StreamingDecoder) OnBytesReceived(chunk []byte) {
	if s.state == streamDone || s.state == streamFailed {
		return
	}
	s.full = append(s.full, chunk...)
	s.consume()
	if s.state != streamFailed {
		s.processor.OnFinishedChunk()
	}
}

// Finish signals the end of the byte stream.
func (s *StreamingDecoder) Finish() {
	if s.state == streamDone || s.state == streamFailed {
		return
	}
	if s.state != streamSectionID || s.pos != len(s.full) {
		s.fail(s.errAt(uint32(s.pos), "unexpected end of stream"))
		return
	}
	if len(s.full) < HeaderSize {
		s.fail(s.errAt(0, "stream shorter than module header"))
		return
	}
	s.state = streamDone
	s.storage.SetFinal(s.full)
	s.processor.OnFinishedStream(s.full)
}

// Close silently stops the stream: no further callbacks fire. Used when
// the consuming job goes away before the stream ends.
func (s *StreamingDecoder) Close() {
	if s.state != streamDone {
		s.state = streamFailed
	}
}

// Abort terminates the stream without error reporting.
func (s *StreamingDecoder) Abort() {
	if s.state == streamDone || s.state == streamFailed {
		return
	}
	s.state = streamFailed
	s.processor.OnAbort()
}

func (s *StreamingDecoder) fail(err error) {
	if s.state == streamFailed {
		return
	}
	s.state = streamFailed
	s.processor.OnError(err)
}

func (s *StreamingDecoder) errAt(offset uint32, detail string, args ...any) error {
	return errors.Malformed(errors.PhaseStream, offset, detail, args...)
}

func (s *StreamingDecoder) available() int { return len(s.full) - s.pos }

// readLEB tries to read a complete LEB128 u32 at the consumption position.
// ok is false when the stream does not yet hold all bytes of the value.
func (s *StreamingDecoder) readLEB() (value uint32, ok bool, err error) {
	r := newReader(s.full[s.pos:], uint32(s.pos))
	v, rerr := r.readU32()
	if rerr != nil {
		if r.done() {
			// Value incomplete; wait for more bytes.
			return 0, false, nil
		}
		return 0, false, rerr
	}
	s.pos += r.pos
	return v, true, nil
}

// consume processes as much of the buffered stream as possible.
func (s *StreamingDecoder) consume() {
	for {
		switch s.state {
		case streamHeader:
			if s.available() < HeaderSize {
				return
			}
			header := s.full[:HeaderSize]
			s.pos = HeaderSize
			if !s.processor.ProcessModuleHeader(header, 0) {
				s.state = streamFailed
				return
			}
			s.state = streamSectionID

		case streamSectionID:
			if s.available() < 1 {
				return
			}
			s.sectionID = s.full[s.pos]
			s.pos++
			s.state = streamSectionLength

		case streamSectionLength:
			length, ok, err := s.readLEB()
			if err != nil {
				s.fail(err)
				return
			}
			if !ok {
				return
			}
			s.sectionLength = length
			s.payloadOffset = uint32(s.pos)
			if s.sectionID == SectionCode {
				s.codeSectionEnd = s.payloadOffset + length
				s.state = streamCodeCount
			} else {
				s.state = streamSectionPayload
			}

		case streamSectionPayload:
			if uint32(s.available()) < s.sectionLength {
				return
			}
			payload := s.full[s.pos : s.pos+int(s.sectionLength)]
			s.pos += int(s.sectionLength)
			if !s.processor.ProcessSection(s.sectionID, payload, s.payloadOffset) {
				s.state = streamFailed
				return
			}
			s.state = streamSectionID

		case streamCodeCount:
			count, ok, err := s.readLEB()
			if err != nil {
				s.fail(err)
				return
			}
			if !ok {
				return
			}
			s.remainingBodies = count
			if !s.processor.ProcessCodeSectionHeader(count, s.payloadOffset, s.storage) {
				s.state = streamFailed
				return
			}
			s.state = streamBodySize
			if count == 0 {
				if err := s.finishCodeSection(); err != nil {
					s.fail(err)
					return
				}
			}

		case streamBodySize:
			length, ok, err := s.readLEB()
			if err != nil {
				s.fail(err)
				return
			}
			if !ok {
				return
			}
			if length == 0 {
				s.fail(s.errAt(uint32(s.pos), "empty function body"))
				return
			}
			s.bodyLength = length
			s.state = streamBody

		case streamBody:
			if uint32(s.available()) < s.bodyLength {
				return
			}
			offset := uint32(s.pos)
			body := s.full[s.pos : s.pos+int(s.bodyLength)]
			s.pos += int(s.bodyLength)
			s.storage.addBody(offset, body)
			if !s.processor.ProcessFunctionBody(body, offset) {
				s.state = streamFailed
				return
			}
			s.remainingBodies--
			if s.remainingBodies == 0 {
				if err := s.finishCodeSection(); err != nil {
					s.fail(err)
					return
				}
			} else {
				s.state = streamBodySize
			}

		default:
			return
		}
	}
}

// finishCodeSection checks the code section was consumed exactly and
// returns to section scanning.
func (s *StreamingDecoder) finishCodeSection() error {
	if uint32(s.pos) != s.codeSectionEnd {
		return s.errAt(uint32(s.pos), "code section length mismatch: at %d, section ends at %d",
			s.pos, s.codeSectionEnd)
	}
	s.state = streamSectionID
	return nil
}
