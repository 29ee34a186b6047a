// Package decoder frames a raw device byte stream into text lines.
package decoder

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/c360/sensorledger/errors"
)

const (
	// DefaultDelimiter terminates each record on the device channel.
	DefaultDelimiter = '\n'
	// DefaultMaxLineLength bounds a single record, delimiter excluded.
	DefaultMaxLineLength = 1024

	rawPreview = 64
)

// DecodeError reports bytes that could not be framed into a valid line.
// The stream stays usable after a DecodeError.
type DecodeError struct {
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s (raw=%q)", e.Reason, e.Raw)
}

// Is matches errors.ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == errors.ErrDecode
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithDelimiter sets the record delimiter.
func WithDelimiter(delim byte) Option {
	return func(d *Decoder) { d.delim = delim }
}

// WithMaxLineLength sets the longest accepted line. Longer lines are skipped
// up to the next delimiter and reported once as a DecodeError.
func WithMaxLineLength(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLen = n
		}
	}
}

// Decoder splits a byte stream on a delimiter. Partial lines are buffered
// across reads until their delimiter arrives. It is not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	delim  byte
	maxLen int

	buf        []byte
	discarding bool
	dropped    int
	err        error
}

// New wraps r in a Decoder.
func New(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		delim:  DefaultDelimiter,
		maxLen: DefaultMaxLineLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.r = bufio.NewReaderSize(r, max(d.maxLen+1, 256))
	return d
}

// Next returns the next line without its delimiter. A *DecodeError means one
// record was rejected and Next may be called again. Any other error, io.EOF
// included, ends the stream.
func (d *Decoder) Next() (string, error) {
	if d.err != nil {
		return "", d.err
	}

	for {
		chunk, err := d.r.ReadSlice(d.delim)

		switch {
		case err == nil:
			line := chunk[:len(chunk)-1]
			if d.discarding || len(d.buf)+len(line) > d.maxLen {
				return "", d.overlong(line)
			}
			full := append(d.buf, line...)
			d.buf = d.buf[:0]
			return d.finish(full)

		case stderrors.Is(err, bufio.ErrBufferFull):
			d.accumulate(chunk)

		default:
			d.err = err
			if len(chunk) == 0 && len(d.buf) == 0 && !d.discarding {
				return "", err
			}
			d.accumulate(chunk)
			raw := preview(d.buf)
			d.buf = nil
			d.discarding = false
			return "", &DecodeError{Raw: raw, Reason: "truncated line at end of stream"}
		}
	}
}

func (d *Decoder) accumulate(chunk []byte) {
	if d.discarding {
		d.dropped += len(chunk)
		return
	}
	if len(d.buf)+len(chunk) > d.maxLen {
		d.discarding = true
		d.dropped = len(d.buf) + len(chunk)
		if len(d.buf) < rawPreview {
			d.buf = append(d.buf, chunk[:min(len(chunk), rawPreview-len(d.buf))]...)
		}
		return
	}
	d.buf = append(d.buf, chunk...)
}

func (d *Decoder) overlong(tail []byte) error {
	size := d.dropped + len(tail)
	if !d.discarding {
		size = len(d.buf) + len(tail)
		d.buf = append(d.buf, tail...)
	}
	raw := preview(d.buf)
	d.buf = d.buf[:0]
	d.discarding = false
	d.dropped = 0
	return &DecodeError{Raw: raw, Reason: fmt.Sprintf("line of %d bytes exceeds limit of %d", size, d.maxLen)}
}

func (d *Decoder) finish(line []byte) (string, error) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if !utf8.Valid(line) {
		return "", &DecodeError{Raw: preview(line), Reason: "invalid UTF-8"}
	}
	return string(line), nil
}

func preview(b []byte) string {
	if len(b) > rawPreview {
		b = b[:rawPreview]
	}
	return string(b)
}
