package nsq

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
)

// snappyParser mirrors deflateParser but decodes the framed Snappy stream
// format via golang/snappy's Reader (spec.md §4.1/§4.2.5). Same
// re-decode-from-accumulated-buffer strategy as deflateParser: simple,
// deterministic, no background goroutine.
type snappyParser struct {
	raw       []byte
	delivered int
	inner     *rawParser
}

func newSnappyParser(residual []byte) *snappyParser {
	s := &snappyParser{inner: newRawParser()}
	s.Feed(residual)
	return s
}

func (s *snappyParser) Feed(b []byte) {
	s.raw = append(s.raw, b...)

	sr := snappy.NewReader(bytes.NewReader(s.raw))
	decoded, err := io.ReadAll(sr)
	if err != nil && len(decoded) == 0 {
		return
	}
	if len(decoded) > s.delivered {
		s.inner.Feed(decoded[s.delivered:])
		s.delivered = len(decoded)
	}
}

func (s *snappyParser) Next() (Frame, bool, error) {
	return s.inner.Next()
}

// Buffer is not meaningful on a compressed parser: nsqd never stacks a
// second compression upgrade on top of an existing one.
func (s *snappyParser) Buffer() []byte {
	return nil
}
