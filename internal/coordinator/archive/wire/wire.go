// Package wire provides the fixed-width and length-prefixed primitives the
// archive codecs are built from. All multi-byte integers are big-endian.
//
// Biased slots store an unsigned value shifted into the signed range
// (v-128 for bytes, v-32768 for shorts). The shift is a property of the
// on-disk format and is applied here so codecs deal in plain values.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	byteBias  = 128
	shortBias = 32768

	// MaxSpan16 is the largest payload a 16-bit length prefix can frame.
	MaxSpan16 = 0xFFFF
	// MaxSpan8 is the largest payload an 8-bit length prefix can frame.
	MaxSpan8 = 0xFF
)

var (
	ErrTruncated    = errors.New("wire: truncated buffer")
	ErrSpanTooLarge = errors.New("wire: span exceeds length prefix")
)

// Writer appends fields to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer whose buffer starts with capacity size.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 0x01)
		return
	}
	w.buf = append(w.buf, 0x00)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// BiasedUint8 stores v-128 as a signed byte.
func (w *Writer) BiasedUint8(v uint8) { w.buf = append(w.buf, v-byteBias) }

// BiasedUint16 stores v-32768 as a signed short.
func (w *Writer) BiasedUint16(v uint16) { w.Uint16(v - shortBias) }

// Raw appends b verbatim.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Span8 appends b behind a plain 8-bit length.
func (w *Writer) Span8(b []byte) error {
	if len(b) > MaxSpan8 {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSpanTooLarge, len(b), MaxSpan8)
	}
	w.Uint8(uint8(len(b)))
	w.Raw(b)
	return nil
}

// BiasedSpan8 appends b behind a biased 8-bit length.
func (w *Writer) BiasedSpan8(b []byte) error {
	if len(b) > MaxSpan8 {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSpanTooLarge, len(b), MaxSpan8)
	}
	w.BiasedUint8(uint8(len(b)))
	w.Raw(b)
	return nil
}

// Span16 appends b behind a 16-bit length.
func (w *Writer) Span16(b []byte) error {
	if len(b) > MaxSpan16 {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSpanTooLarge, len(b), MaxSpan16)
	}
	w.Uint16(uint16(len(b)))
	w.Raw(b)
	return nil
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written buffer. The Writer must not be used afterwards.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes fields from a buffer in write order.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) next(n int, what string) ([]byte, error) {
	if n > len(r.buf)-r.off {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, %d left",
			ErrTruncated, what, n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8(what string) (uint8, error) {
	b, err := r.next(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool(what string) (bool, error) {
	v, err := r.Uint8(what)
	return v != 0, err
}

func (r *Reader) Uint16(what string) (uint16, error) {
	b, err := r.next(2, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32(what string) (uint32, error) {
	b, err := r.next(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// BiasedUint8 reads a signed byte and adds 128 back.
func (r *Reader) BiasedUint8(what string) (uint8, error) {
	v, err := r.Uint8(what)
	return v + byteBias, err
}

// BiasedUint16 reads a signed short and adds 32768 back.
func (r *Reader) BiasedUint16(what string) (uint16, error) {
	v, err := r.Uint16(what)
	return v + shortBias, err
}

// Raw returns a copy of the next n bytes.
func (r *Reader) Raw(n int, what string) ([]byte, error) {
	b, err := r.next(n, what)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) Span8(what string) ([]byte, error) {
	n, err := r.Uint8(what + " length")
	if err != nil {
		return nil, err
	}
	return r.Raw(int(n), what)
}

func (r *Reader) BiasedSpan8(what string) ([]byte, error) {
	n, err := r.BiasedUint8(what + " length")
	if err != nil {
		return nil, err
	}
	return r.Raw(int(n), what)
}

func (r *Reader) Span16(what string) ([]byte, error) {
	n, err := r.Uint16(what + " length")
	if err != nil {
		return nil, err
	}
	return r.Raw(int(n), what)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }
