package nsq

import (
	"bytes"
	"encoding/binary"
)

// frameHeaderLen is the u32 size + u32 type prefix that precedes every
// frame's payload.
const frameHeaderLen = 8

// Parser implements spec.md §4.1's FrameParser contract: Feed appends raw
// bytes read off the wire; Next drains and returns one complete frame at a
// time, returning ok=false (retaining any partial tail) once no complete
// frame remains.
//
// Parser is also the seam the compression upgrade swaps: Feed always
// receives compressed bytes once a codec decorator is installed, and the
// decorator is responsible for running them through its decompressor
// before buffering (spec.md §4.1 "Compressed variants").
type Parser interface {
	Feed(b []byte)
	Next() (Frame, bool, error)

	// Buffer returns any unread bytes the parser is holding, so a
	// compression upgrade can carry a plaintext tail forward into the new
	// codec (spec.md §4.2.5/§9). Parsers that cannot meaningfully expose
	// this (because they sit on top of another parser themselves) return
	// nil; the protocol never wraps a compressed parser a second time.
	Buffer() []byte
}

// rawParser is the plain (uncompressed) Parser implementation: it buffers
// fed bytes verbatim and slices length-prefixed frames straight out of the
// buffer.
type rawParser struct {
	buf bytes.Buffer
}

// newRawParser returns a Parser with no pending bytes.
func newRawParser() *rawParser {
	return &rawParser{}
}

func (p *rawParser) Feed(b []byte) {
	p.buf.Write(b)
}

// Buffer exposes the parser's unread bytes, used when carrying a residual
// plaintext tail forward into a wrapping compressed parser (spec.md
// §4.1/§9).
func (p *rawParser) Buffer() []byte {
	return p.buf.Bytes()
}

func (p *rawParser) Next() (Frame, bool, error) {
	raw := p.buf.Bytes()
	if len(raw) < frameHeaderLen {
		return Frame{}, false, nil
	}
	size := binary.BigEndian.Uint32(raw[0:4])
	frameType := int32(binary.BigEndian.Uint32(raw[4:8]))
	total := 4 + int(size)
	if size < 4 {
		return Frame{}, false, ErrProtocol
	}
	if len(raw) < total {
		return Frame{}, false, nil
	}
	payload := raw[frameHeaderLen:total]
	frame, err := decodeFrame(frameType, payload)
	if err != nil {
		return Frame{}, false, err
	}
	p.buf.Next(total)
	return frame, true, nil
}
