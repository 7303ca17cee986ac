package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MagicNumber identifies a tree file ("CBPT" in ASCII)
	MagicNumber uint32 = 0x43425054

	// Version of the file format
	Version uint8 = 1

	// HeaderSize is the size of the frame header in bytes
	HeaderSize = 6

	// MaxFrameSize bounds a single decoded record.
	MaxFrameSize = 1 << 30

	flagLZ4 uint8 = 1 << 0
)

var (
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrCorruptRecord      = errors.New("corrupt record")
)

// Node record fields.
const (
	nodeFieldLeaf     protowire.Number = 1
	nodeFieldKeyCount protowire.Number = 2
	nodeFieldID       protowire.Number = 3
	nodeFieldPrevID   protowire.Number = 4
	nodeFieldNextID   protowire.Number = 5
	nodeFieldKeys     protowire.Number = 6
	nodeFieldValues   protowire.Number = 7
	nodeFieldChildren protowire.Number = 8
)

// Tree record fields.
const (
	treeFieldFanout    protowire.Number = 1
	treeFieldName      protowire.Number = 2
	treeFieldRootID    protowire.Number = 3
	treeFieldHeadID    protowire.Number = 4
	treeFieldKeyCodec  protowire.Number = 5
	treeFieldNodeCount protowire.Number = 6
)

// nodeRecord is the persisted form of one node. Links to other nodes are
// by id only; pointers are rebuilt on load.
type nodeRecord[K any] struct {
	leaf     bool
	id       string
	prevID   string
	nextID   string
	keys     []K
	values   []Value
	children []string
}

type treeRecord struct {
	fanout    int
	name      string
	rootID    string
	headID    string
	keyCodec  string
	nodeCount int
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendNodeRecord[K any](b []byte, r *nodeRecord[K], codec KeyCodec[K]) []byte {
	b = appendVarintField(b, nodeFieldLeaf, protowire.EncodeBool(r.leaf))
	b = appendVarintField(b, nodeFieldKeyCount, uint64(len(r.keys)))
	b = appendStringField(b, nodeFieldID, r.id)
	b = appendStringField(b, nodeFieldPrevID, r.prevID)
	b = appendStringField(b, nodeFieldNextID, r.nextID)

	var kb []byte
	for _, k := range r.keys {
		kb = codec.AppendKey(kb[:0], k)
		b = protowire.AppendTag(b, nodeFieldKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}

	if len(r.values) > 0 {
		b = protowire.AppendTag(b, nodeFieldValues, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(8*len(r.values)))
		for _, v := range r.values {
			b = protowire.AppendFixed64(b, v)
		}
	}

	for _, c := range r.children {
		b = protowire.AppendTag(b, nodeFieldChildren, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptRecord, fmt.Sprintf(format, args...))
}

func decodeNodeRecord[K any](b []byte, codec KeyCodec[K]) (*nodeRecord[K], error) {
	r := &nodeRecord[K]{}
	keyCount := -1

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == nodeFieldLeaf && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.leaf = protowire.DecodeBool(v)
			b = b[n:]
		case num == nodeFieldKeyCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			keyCount = int(v)
			b = b[n:]
		case num == nodeFieldID && typ == protowire.BytesType,
			num == nodeFieldPrevID && typ == protowire.BytesType,
			num == nodeFieldNextID && typ == protowire.BytesType,
			num == nodeFieldChildren && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case nodeFieldID:
				r.id = s
			case nodeFieldPrevID:
				r.prevID = s
			case nodeFieldNextID:
				r.nextID = s
			default:
				r.children = append(r.children, s)
			}
			b = b[n:]
		case num == nodeFieldKeys && typ == protowire.BytesType:
			kb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			k, err := codec.DecodeKey(kb)
			if err != nil {
				return nil, fmt.Errorf("decode key %d: %w", len(r.keys), err)
			}
			r.keys = append(r.keys, k)
			b = b[n:]
		case num == nodeFieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				r.values = append(r.values, v)
				packed = packed[m:]
			}
			b = b[n:]
		case num == nodeFieldValues && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.values = append(r.values, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if r.id == "" {
		return nil, corrupt("node without id")
	}
	if keyCount != len(r.keys) {
		return nil, corrupt("node %s: key count %d, found %d keys", r.id, keyCount, len(r.keys))
	}
	if r.leaf {
		if len(r.values) != len(r.keys) || len(r.children) != 0 {
			return nil, corrupt("leaf %s: %d keys, %d values, %d children", r.id, len(r.keys), len(r.values), len(r.children))
		}
	} else if len(r.children) != len(r.keys)+1 || len(r.values) != 0 {
		return nil, corrupt("inner node %s: %d keys, %d children", r.id, len(r.keys), len(r.children))
	}
	return r, nil
}

func appendTreeRecord(b []byte, r *treeRecord) []byte {
	b = appendVarintField(b, treeFieldFanout, uint64(r.fanout))
	b = appendStringField(b, treeFieldName, r.name)
	b = appendStringField(b, treeFieldRootID, r.rootID)
	b = appendStringField(b, treeFieldHeadID, r.headID)
	b = appendStringField(b, treeFieldKeyCodec, r.keyCodec)
	return appendVarintField(b, treeFieldNodeCount, uint64(r.nodeCount))
}

func decodeTreeRecord(b []byte) (*treeRecord, error) {
	r := &treeRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case (num == treeFieldFanout || num == treeFieldNodeCount) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == treeFieldFanout {
				r.fanout = int(v)
			} else {
				r.nodeCount = int(v)
			}
			b = b[n:]
		case num >= treeFieldName && num <= treeFieldKeyCodec && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case treeFieldName:
				r.name = s
			case treeFieldRootID:
				r.rootID = s
			case treeFieldHeadID:
				r.headID = s
			default:
				r.keyCodec = s
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if r.rootID == "" || r.headID == "" {
		return nil, corrupt("tree %q: missing root or head id", r.name)
	}
	if r.fanout < MinFanout {
		return nil, corrupt("tree %q: fanout %d", r.name, r.fanout)
	}
	return r, nil
}

// encodeFrame prefixes payload with the file header, compressing it first
// when asked to and when that actually saves space.
func encodeFrame(payload []byte, compress bool) []byte {
	var flags uint8
	body := payload
	if compress {
		if c, ok := lz4Compress(payload); ok {
			body = c
			flags |= flagLZ4
		}
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], MagicNumber)
	out[4] = Version
	out[5] = flags
	return append(out, body...)
}

func decodeFrame(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, corrupt("frame of %d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != MagicNumber {
		return nil, ErrInvalidMagicNumber
	}
	if data[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, data[4])
	}
	body := data[HeaderSize:]
	if data[5]&flagLZ4 != 0 {
		return lz4Decompress(body)
	}
	return body, nil
}

// lz4Compress returns the block with its uncompressed size prepended, or
// false when the input does not compress.
func lz4Compress(src []byte) ([]byte, bool) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, buf[4:], nil)
	if err != nil || n == 0 || n >= len(src) {
		return nil, false
	}
	binary.BigEndian.PutUint32(buf, uint32(len(src)))
	return buf[:4+n], true
}

func lz4Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, corrupt("lz4 block of %d bytes", len(src))
	}
	size := binary.BigEndian.Uint32(src)
	if size > MaxFrameSize {
		return nil, corrupt("lz4 block claims %d bytes", size)
	}
	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], buf)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptRecord, err)
	}
	if n != int(size) {
		return nil, corrupt("lz4 block holds %d bytes, header says %d", n, size)
	}
	return buf, nil
}
