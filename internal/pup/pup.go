// Package pup packs and unpacks runtime state.
//
// The name follows the pack/unpack ("pup") convention of distributed
// runtimes: the same encoding serves checkpoints, restarts and load-balancing
// migration. Values are encoded with msgpack. Heterogeneous maps unpack
// lazily: each value stays a raw msgpack message until a typed accessor
// asks for it through Resolve, because only the accessor knows the Go type.
package pup

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/phaserun/internal/ir"
)

// Raw is a packed value whose Go type is not yet known.
type Raw = msgpack.RawMessage

// Pack encodes v. Keys of string-keyed maps are written in sorted order, so
// equal state packs to equal bytes.
func Pack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("pup: pack %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unpack decodes data into v, which must be a pointer.
func Unpack(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pup: unpack %T: %w", v, err)
	}
	return nil
}

// PackMap encodes a heterogeneous map. Values that are still Raw from an
// earlier unpack are written back verbatim.
func PackMap(m map[string]any) ([]byte, error) {
	return Pack(m)
}

// UnpackMap decodes a map written by PackMap. Every value is left as Raw.
func UnpackMap(data []byte) (map[string]any, error) {
	raw := map[string]Raw{}
	if err := Unpack(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}

// Resolve returns stored as a T.
//
// A live T is returned as is. A Raw value is decoded into a fresh T. Any
// other type is a fatal tag type mismatch.
func Resolve[T any](stored any) (T, error) {
	var zero T
	switch v := stored.(type) {
	case T:
		return v, nil
	case Raw:
		var out T
		if err := msgpack.Unmarshal(v, &out); err != nil {
			return zero, ir.WrapFatal(ir.ErrCodeTagType, err, "cannot unpack stored value as %T", zero)
		}
		return out, nil
	case nil:
		// A nil interface value is the zero value of pointer, map and slice types.
		return zero, nil
	default:
		return zero, ir.Fatalf(ir.ErrCodeTagType, "stored value has type %T, want %T", stored, zero)
	}
}

// RoundTrip packs v and unpacks it into a new T. Migration uses it to move an
// instance's state between cache branches without sharing memory.
func RoundTrip[T any](v T) (T, error) {
	var out T
	data, err := Pack(v)
	if err != nil {
		return out, err
	}
	err = Unpack(data, &out)
	return out, err
}

// Clone returns a copy of v that shares no memory with it. Scalars are
// returned as is; everything else goes through RoundTrip.
func Clone[T any](v T) (T, error) {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil
	}
	return RoundTrip(v)
}

// CopyMap packs every value of m and returns them as Raw, so the copy
// shares no memory with m. Values resolve through Resolve like those of
// UnpackMap.
func CopyMap(m map[string]any) (map[string]any, error) {
	data, err := PackMap(m)
	if err != nil {
		return nil, err
	}
	return UnpackMap(data)
}
