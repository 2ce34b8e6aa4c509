package fragments

import (
	"errors"
	"fmt"
	"io"
)

// ErrInvalidBool is returned by [Decoder.Bool] for values other than
// 0 and 1.
var ErrInvalidBool = errors.New("invalid boolean value")

// A Decoder reads wire format fragments from a byte slice.
//
// Methods advance the read cursor as needed to account for alignment
// padding, except for [Decoder.Read] which reads bytes verbatim. The
// cursor is an absolute offset into In, so alignment is always
// relative to the start of the message.
//
// Reads past the end of the input, or past the end of the array
// currently being decoded, fail with [io.ErrUnexpectedEOF].
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	pos   int
	limit int // 0 means len(In)
}

func (d *Decoder) end() int {
	if d.limit != 0 {
		return d.limit
	}
	return len(d.In)
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.pos }

// Remaining returns the number of bytes left to read within the
// current bound.
func (d *Decoder) Remaining() int { return d.end() - d.pos }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. Padding bytes must be zero.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	bs, err := d.Read(skip)
	if err != nil {
		return err
	}
	for _, b := range bs {
		if b != 0 {
			return fmt.Errorf("non-zero padding byte at offset %d", d.pos-skip)
		}
	}
	return nil
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases In.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.pos : d.pos+n : d.pos+n]
	d.pos += n
	return ret, nil
}

// Bytes reads a byte array. The returned slice aliases In.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a length-prefixed, NUL terminated string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a signature string.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", errors.New("string is missing NUL terminator")
	}
	return string(bs[:ln]), nil
}

// Bool reads a boolean.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w %d", ErrInvalidBool, u)
	}
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining, passing in the index of the element to decode.
// readElement must consume array bytes exactly: reading beyond the
// end of the array fails.
//
// elemAlign is the alignment of the element type, so that the
// header padding is consumed even if the array is empty.
//
// Array returns the number of elements processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if int64(ln) > int64(d.Remaining()) {
		return 0, io.ErrUnexpectedEOF
	}

	outer := d.limit
	d.limit = d.pos + int(ln)
	defer func() { d.limit = outer }()

	idx := 0
	for d.pos < d.limit {
		start := d.pos
		if err := readElement(idx); err != nil {
			return idx, err
		}
		if d.pos == start {
			return idx, errors.New("array element consumed no input")
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	d.Order, err = OrderForFlag(v)
	return err
}
