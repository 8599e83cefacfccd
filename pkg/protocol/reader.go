package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrLineTooLong is returned when a frame exceeds MaxLineLength. The rest of
// the offending line has already been consumed, so the reader stays usable.
var ErrLineTooLong = errors.New("protocol: line too long")

// ErrEmbeddedNewline is returned by message-framed transports when a single
// message carries more than one line. The message is dropped whole.
var ErrEmbeddedNewline = errors.New("protocol: frame contains a newline")

// LineReader reads newline-delimited frames with a bounded buffer.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. Frames longer than MaxLineLength are rejected.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 4096), max: MaxLineLength}
}

// ReadLine returns the next frame without its terminator and without any
// carriage returns. A partial frame at end of stream is reported as
// io.ErrUnexpectedEOF and discarded.
func (lr *LineReader) ReadLine() (string, error) {
	var sb strings.Builder
	tooLong := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if len(chunk) > 0 && !tooLong {
			sb.Write(chunk)
			if sb.Len() > lr.max+2 {
				tooLong = true
				sb.Reset()
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return "", ErrLineTooLong
			}
			line := strings.ReplaceAll(strings.TrimSuffix(sb.String(), "\n"), "\r", "")
			if len(line) > lr.max {
				return "", ErrLineTooLong
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if sb.Len() > 0 || tooLong {
				return "", io.ErrUnexpectedEOF
			}
			return "", io.EOF
		default:
			return "", err
		}
	}
}
