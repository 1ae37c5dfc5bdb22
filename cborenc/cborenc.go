// Package cborenc implements the canonical CBOR encoding used on the CTAP2
// wire, together with bounded decoding helpers for untrusted input.
package cborenc

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Decoding limits applied to every message read from the host.
const (
	MaxNestingDepth = 16
	MaxArrayItems   = 256
	MaxMapPairs     = 256
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// ErrTruncated is returned when the input ends inside a data item.
var ErrTruncated = errors.New("cborenc: truncated input")

func init() {
	var err error
	encMode, err = cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
		MaxNestedLevels:  MaxNestingDepth,
		MaxArrayElements: MaxArrayItems,
		MaxMapPairs:      MaxMapPairs,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v using CTAP2 canonical rules: shortest-form heads,
// definite lengths and length-first map key ordering.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes exactly one data item from data into v. Map keys that
// v does not know about are skipped. Trailing bytes are an error.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return wrap(err)
	}
	return nil
}

// UnmarshalFirst decodes the first data item in data into v and returns
// the remaining bytes.
func UnmarshalFirst(data []byte, v interface{}) (rest []byte, err error) {
	rest, err = decMode.UnmarshalFirst(data, v)
	if err != nil {
		return nil, wrap(err)
	}
	return rest, nil
}

// SkipItem consumes one well-formed data item at the start of data and
// returns its encoded length. Strings are skipped by length, arrays and
// maps by element count, recursively.
func SkipItem(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ErrTruncated
	}
	var raw cbor.RawMessage
	rest, err := decMode.UnmarshalFirst(data, &raw)
	if err != nil {
		return 0, wrap(err)
	}
	return len(data) - len(rest), nil
}

// IsTypeError reports whether err was caused by well-formed CBOR of the
// wrong shape, as opposed to malformed input.
func IsTypeError(err error) bool {
	var typeErr *cbor.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

func wrap(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return fmt.Errorf("cborenc: %w", err)
}
