package btree

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrTrailingBytes = errors.New("trailing bytes after key")

// KeyCodec converts keys to and from their persisted byte form. Name is
// recorded in the tree file so a tree is never loaded with the wrong codec.
type KeyCodec[K any] interface {
	Name() string
	AppendKey(b []byte, k K) []byte
	DecodeKey(b []byte) (K, error)
}

// Int64Keys stores int64 keys as zig-zag varints.
var Int64Keys KeyCodec[int64] = int64Keys{}

// StringKeys stores string keys as their raw bytes.
var StringKeys KeyCodec[string] = stringKeys{}

type int64Keys struct{}

func (int64Keys) Name() string { return "int64" }

func (int64Keys) AppendKey(b []byte, k int64) []byte {
	return protowire.AppendVarint(b, protowire.EncodeZigZag(k))
}

func (int64Keys) DecodeKey(b []byte) (int64, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if n != len(b) {
		return 0, ErrTrailingBytes
	}
	return protowire.DecodeZigZag(v), nil
}

type stringKeys struct{}

func (stringKeys) Name() string { return "string" }

func (stringKeys) AppendKey(b []byte, k string) []byte {
	return append(b, k...)
}

func (stringKeys) DecodeKey(b []byte) (string, error) {
	return string(b), nil
}
