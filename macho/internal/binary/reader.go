package binary

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum size.
var ErrOverflow = errors.New("leb128: overflow")

// Reader reads little-endian Mach-O structures from a byte slice and tracks
// the current position.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the current byte position.
func (r *Reader) Position() int {
	return r.pos
}

// Len returns the total size of the underlying data.
func (r *Reader) Len() int {
	return len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Seek moves to an absolute position.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return r.wrapError(fmt.Errorf("seek to %d outside %d bytes", pos, len(r.data)))
	}
	r.pos = pos
	return nil
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) error {
	return r.Seek(r.pos + n)
}

// Sub returns a reader over n bytes at off, independent of r's position.
func (r *Reader) Sub(off, n int) (*Reader, error) {
	if off < 0 || n < 0 || off > len(r.data) || n > len(r.data)-off {
		return nil, r.wrapError(fmt.Errorf("range [%d, +%d) outside %d bytes: %w", off, n, len(r.data), io.ErrUnexpectedEOF))
	}
	return &Reader{data: r.data[off : off+n]}, nil
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n bytes. The result aliases the underlying data.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, r.wrapError(io.ErrUnexpectedEOF)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadU16 reads a little-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	buf, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// ReadU32 reads a little-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	buf, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// ReadU32BE reads a big-endian uint32, the byte order of fat headers.
func (r *Reader) ReadU32BE() (uint32, error) {
	buf, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadName reads a fixed-size, NUL-padded name such as a segment name.
func (r *Reader) ReadName(size int) (string, error) {
	buf, err := r.ReadBytes(size)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// ReadCString reads a NUL-terminated string and consumes the terminator.
func (r *Reader) ReadCString() (string, error) {
	i := bytes.IndexByte(r.data[r.pos:], 0)
	if i < 0 {
		return "", r.wrapError(errors.New("unterminated string"))
	}
	s := string(r.data[r.pos : r.pos+i])
	r.pos += i + 1
	return s, nil
}

// CStringAt returns the NUL-terminated string at off without moving.
func (r *Reader) CStringAt(off int) (string, error) {
	if off < 0 || off >= len(r.data) {
		return "", r.wrapError(fmt.Errorf("string offset %d outside %d bytes", off, len(r.data)))
	}
	i := bytes.IndexByte(r.data[off:], 0)
	if i < 0 {
		return "", r.wrapError(errors.New("unterminated string"))
	}
	return string(r.data[off : off+i]), nil
}

// ReadULEB reads an unsigned LEB128 value.
func (r *Reader) ReadULEB() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, r.wrapError(io.ErrUnexpectedEOF)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, r.wrapError(ErrOverflow)
		}
	}
}

// ReadSLEB reads a signed LEB128 value.
func (r *Reader) ReadSLEB() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, r.wrapError(io.ErrUnexpectedEOF)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, r.wrapError(ErrOverflow)
		}
	}
	// Sign extend
	if shift < 64 && b&0x40 != 0 {
		result |= ^int64(0) << shift
	}
	return result, nil
}

func (r *Reader) wrapError(err error) error {
	return fmt.Errorf("at offset 0x%x: %w", r.pos, err)
}

// ParseError is a parse failure with the structure and offset it occurred at.
type ParseError struct {
	Err      error
	Section  string
	Position int
}

func (e *ParseError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("macho: %s at offset 0x%x: %v", e.Section, e.Position, e.Err)
	}
	return fmt.Sprintf("macho: at offset 0x%x: %v", e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// WrapError creates a ParseError at the current position.
func (r *Reader) WrapError(section string, err error) error {
	return &ParseError{
		Position: r.pos,
		Section:  section,
		Err:      err,
	}
}
