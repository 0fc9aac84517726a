package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLine bounds a single framed message.
const DefaultMaxLine = 1 << 20

var ErrLineTooLong = errors.New("codec: line exceeds limit")

// AppendLine encodes v and terminates it with a single newline.
func AppendLine(c Codec, v any) ([]byte, error) {
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return nil, fmt.Errorf("codec: encoded value contains newline")
	}
	return append(b, '\n'), nil
}

// LineReader splits a byte stream on newlines and skips empty fragments.
type LineReader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next non-empty line without its terminator. The returned
// slice is only valid until the following call. A final unterminated fragment
// is returned before io.EOF.
func (l *LineReader) Next() ([]byte, error) {
	for {
		l.buf = l.buf[:0]
		for {
			chunk, err := l.br.ReadSlice('\n')
			l.buf = append(l.buf, chunk...)
			if len(l.buf) > l.max+1 {
				l.discardLine(err)
				return nil, ErrLineTooLong
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				if len(bytes.TrimSpace(l.buf)) > 0 && errors.Is(err, io.EOF) {
					return bytes.TrimRight(l.buf, "\r\n"), nil
				}
				return nil, err
			}
			break
		}
		line := bytes.TrimRight(l.buf, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// discardLine drops the rest of an oversized line so the stream stays aligned.
func (l *LineReader) discardLine(err error) {
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = l.br.ReadSlice('\n')
	}
}
