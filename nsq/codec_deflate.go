package nsq

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflateParser wraps a rawParser, running bytes through a flate
// decompressor before they reach the frame buffer (spec.md §4.1
// "Compressed variants"). The compression upgrade (spec.md §4.2.5)
// constructs this with the Connection's already-buffered plaintext tail as
// residual, so no bytes read before the upgrade boundary are lost
// (spec.md §9).
//
// Decoding re-runs the flate reader over the full accumulated compressed
// buffer on every Feed and tracks how much decompressed output has already
// been delivered to inner. This trades a little redundant CPU work for a
// parser that needs no background goroutine and behaves deterministically
// under the same Feed/Next contract as rawParser.
type deflateParser struct {
	raw       []byte
	delivered int
	inner     *rawParser
}

func newDeflateParser(residual []byte) *deflateParser {
	d := &deflateParser{inner: newRawParser()}
	d.Feed(residual)
	return d
}

func (d *deflateParser) Feed(b []byte) {
	d.raw = append(d.raw, b...)

	fr := flate.NewReader(bytes.NewReader(d.raw))
	decoded, err := io.ReadAll(fr)
	fr.Close()
	if err != nil && len(decoded) == 0 {
		return
	}
	if len(decoded) > d.delivered {
		d.inner.Feed(decoded[d.delivered:])
		d.delivered = len(decoded)
	}
}

func (d *deflateParser) Next() (Frame, bool, error) {
	return d.inner.Next()
}

// Buffer is not meaningful on a compressed parser: nsqd never stacks a
// second compression upgrade on top of an existing one.
func (d *deflateParser) Buffer() []byte {
	return nil
}
