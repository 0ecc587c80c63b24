// Package sse frames newline-delimited streams and writes Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// MaxLineSize caps a single buffered line. A longer line is an error.
const MaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds MaxLineSize without a newline.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

// DoneSentinel is the payload some providers send to mark end of stream.
const DoneSentinel = "[DONE]"

// Splitter turns arbitrary byte chunks into complete lines.
// Bytes after the last newline are kept and prepended to the next chunk,
// so a frame split across network reads is never lost or duplicated.
type Splitter struct {
	buf []byte
}

// Feed appends chunk and returns every complete line it closes, without the
// trailing "\n" or "\r\n". Returned slices are only valid until the next call.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var lines [][]byte
	start := 0
	for {
		i := bytes.IndexByte(s.buf[start:], '\n')
		if i < 0 {
			break
		}
		lines = append(lines, bytes.TrimSuffix(s.buf[start:start+i], []byte{'\r'}))
		start += i + 1
	}

	// Copy complete lines out before compacting the remainder into buf.
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = append([]byte(nil), l...)
	}
	s.buf = append(s.buf[:0], s.buf[start:]...)

	if len(s.buf) > MaxLineSize {
		return out, ErrLineTooLong
	}
	return out, nil
}

// Remainder returns the buffered partial line, if any.
func (s *Splitter) Remainder() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	return bytes.TrimSuffix(s.buf, []byte{'\r'})
}

// Payload strips prefix from line. ok is false when the line is blank, a
// comment, or does not start with prefix. An empty prefix accepts every
// non-blank line.
func Payload(line []byte, prefix string) (payload []byte, ok bool) {
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return nil, false
	}
	if prefix == "" {
		return bytes.TrimSpace(line), true
	}
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(prefix):]), true
}

// IsDone reports whether payload is the end-of-stream sentinel.
func IsDone(payload []byte) bool {
	return string(payload) == DoneSentinel
}

// ReadLines reads r in chunks and calls fn for every line, including a final
// line that was not newline-terminated when r reached EOF. Reading stops when
// fn returns false, ctx is done, or r fails.
func ReadLines(ctx context.Context, r io.Reader, fn func(line []byte) bool) error {
	var s Splitter
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			lines, ferr := s.Feed(chunk[:n])
			for _, l := range lines {
				if !fn(l) {
					return nil
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			if rem := s.Remainder(); len(rem) > 0 {
				fn(rem)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
