package iso7816

import (
	"errors"
	"io"
)

// ErrMalformedTLV is returned when a TLV header or value runs past the end
// of its buffer.
var ErrMalformedTLV = errors.New("iso7816: malformed TLV")

// A TLV is one tag-length-value entry. Tags of the form 5F xx or 7F xx
// occupy two bytes.
type TLV struct {
	Tag   uint16
	Value []byte
}

// A TLVReader walks a flat sequence of BER-TLV entries. It never reads
// outside the buffer it was given.
type TLVReader struct {
	buf []byte
	off int
}

// NewTLVReader returns a reader over b.
func NewTLVReader(b []byte) *TLVReader {
	return &TLVReader{buf: b}
}

// Next returns the next entry, or io.EOF once the buffer is consumed.
func (r *TLVReader) Next() (TLV, error) {
	if r.off >= len(r.buf) {
		return TLV{}, io.EOF
	}

	tag, n, err := readTag(r.buf[r.off:])
	if err != nil {
		return TLV{}, err
	}
	off := r.off + n

	length, n, err := readLength(r.buf[off:])
	if err != nil {
		return TLV{}, err
	}
	off += n

	if length > len(r.buf)-off {
		return TLV{}, ErrMalformedTLV
	}

	v := TLV{Tag: tag, Value: r.buf[off : off+length]}
	r.off = off + length
	return v, nil
}

func readTag(b []byte) (uint16, int, error) {
	if len(b) < 1 {
		return 0, 0, ErrMalformedTLV
	}
	if b[0]&0x1F != 0x1F {
		return uint16(b[0]), 1, nil
	}
	if len(b) < 2 || b[1]&0x80 != 0 {
		return 0, 0, ErrMalformedTLV
	}
	return uint16(b[0])<<8 | uint16(b[1]), 2, nil
}

func readLength(b []byte) (int, int, error) {
	if len(b) < 1 {
		return 0, 0, ErrMalformedTLV
	}
	switch {
	case b[0] < 0x80:
		return int(b[0]), 1, nil
	case b[0] == 0x81 && len(b) >= 2:
		return int(b[1]), 2, nil
	case b[0] == 0x82 && len(b) >= 3:
		return int(b[1])<<8 | int(b[2]), 3, nil
	}
	return 0, 0, ErrMalformedTLV
}

// ParseTLV returns all entries in b.
func ParseTLV(b []byte) ([]TLV, error) {
	var out []TLV
	r := NewTLVReader(b)
	for {
		v, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// FindTLV returns the value of the first entry tagged tag.
func FindTLV(b []byte, tag uint16) ([]byte, bool, error) {
	r := NewTLVReader(b)
	for {
		v, err := r.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if v.Tag == tag {
			return v.Value, true, nil
		}
	}
}

// AppendTLV appends the encoding of tag and value to dst.
func AppendTLV(dst []byte, tag uint16, value []byte) []byte {
	if tag > 0xFF {
		dst = append(dst, byte(tag>>8))
	}
	dst = append(dst, byte(tag))

	switch n := len(value); {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, 0x81, byte(n))
	default:
		dst = append(dst, 0x82, byte(n>>8), byte(n))
	}
	return append(dst, value...)
}
