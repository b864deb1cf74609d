// Package codec implements the pure, deterministic byte-slice functions
// of the codec adapter layer: splitting a composite storage key into its
// primary-key prefix and column/sub-doc suffix, and decoding a storage
// value into its type tag, primitive payload, and control fields.
//
// The real system's underlying storage key/value byte format (DocDB) is
// an external collaborator whose exact layout is out of scope here; this
// package defines a small, self-contained composite encoding that
// realizes the same decode contract (decoded_key_size, decode_sub_doc_key,
// decode_column_selector, decode_value) so the rest of the producer core
// can be built and tested against it. See DESIGN.md for the rationale.
package codec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// KeyEntryType tags the kind of column selector found in a key suffix.
type KeyEntryType byte

const (
	// KeyEntryNone marks an empty suffix (no column selector).
	KeyEntryNone KeyEntryType = 0
	// KeyEntryColumnID marks a regular user column selector.
	KeyEntryColumnID KeyEntryType = 1
	// KeyEntrySystemColumnID marks the liveness/system column selector.
	KeyEntrySystemColumnID KeyEntryType = 2
	// KeyEntryTransactionID prefixes a provisional-write reverse-index key.
	KeyEntryTransactionID KeyEntryType = 3
)

// DocKey is the decoded primary-key portion of a composite storage key:
// hashed-group columns (the hash-partitioned prefix) followed by
// range-group columns (the clustering suffix).
type DocKey struct {
	HashedGroup [][]byte
	RangeGroup  [][]byte
}

// Empty reports whether the doc key carries no columns at all.
func (k DocKey) Empty() bool {
	return len(k.HashedGroup) == 0 && len(k.RangeGroup) == 0
}

// SubKey is one additional sub-document path element following the column
// selector. The row assembler only cares whether there are zero of them:
// a whole-row tombstone carries zero sub-keys.
type SubKey struct {
	Type  byte
	Value []byte
}

// ColumnSelector is the decoded suffix of a composite key: either a
// reference to a user column, a reference to the system (liveness) column,
// or the absence of a selector (an all-PK write with no column suffix).
type ColumnSelector struct {
	Type     KeyEntryType
	ColumnID uint32
}

// SubDocKey is the fully decoded composite key: the primary-key prefix plus
// zero or more trailing sub-document path elements.
type SubDocKey struct {
	DocKey   DocKey
	SubKeys  []SubKey
	Selector ColumnSelector
}

// NumSubkeys returns the number of trailing sub-document path elements.
func (s SubDocKey) NumSubkeys() int { return len(s.SubKeys) }

func writeLenPrefixed(buf *[]byte, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	*buf = append(*buf, lenBuf[:n]...)
	*buf = append(*buf, b...)
}

func readLenPrefixed(b []byte) (value []byte, rest []byte, err error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, nil, errors.Mark(errors.New("codec: truncated length prefix"), ErrCorruption)
	}
	b = b[sz:]
	if uint64(len(b)) < n {
		return nil, nil, errors.Mark(errors.New("codec: truncated field"), ErrCorruption)
	}
	return b[:n], b[n:], nil
}

// EncodeKey builds a composite storage key from a primary key's hashed and
// range column groups plus an optional column selector and sub-keys. It is
// the inverse of DecodeSubDocKey + DecodedKeySize, used by tests and by any
// component that needs to synthesize keys (e.g. a fake WAL/intent source).
func EncodeKey(hashed, rangeGroup [][]byte, sel ColumnSelector, subKeys []SubKey) []byte {
	var buf []byte
	var lenBuf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(lenBuf[:], uint64(len(hashed)))
	buf = append(buf, lenBuf[:n]...)
	for _, h := range hashed {
		writeLenPrefixed(&buf, h)
	}

	n = binary.PutUvarint(lenBuf[:], uint64(len(rangeGroup)))
	buf = append(buf, lenBuf[:n]...)
	for _, r := range rangeGroup {
		writeLenPrefixed(&buf, r)
	}

	switch sel.Type {
	case KeyEntryNone:
		// no suffix at all
	case KeyEntryColumnID, KeyEntrySystemColumnID:
		buf = append(buf, byte(sel.Type))
		n = binary.PutUvarint(lenBuf[:], uint64(sel.ColumnID))
		buf = append(buf, lenBuf[:n]...)
		n = binary.PutUvarint(lenBuf[:], uint64(len(subKeys)))
		buf = append(buf, lenBuf[:n]...)
		for _, sk := range subKeys {
			buf = append(buf, sk.Type)
			writeLenPrefixed(&buf, sk.Value)
		}
	}
	return buf
}

// DecodedKeySize returns the length of the primary-key prefix (hashed +
// range groups) inside a composite storage key; the remaining bytes form
// the column/sub-doc suffix.
func DecodedKeySize(key []byte) (int, error) {
	orig := key
	numHashed, sz := binary.Uvarint(key)
	if sz <= 0 {
		return 0, errors.Mark(errors.New("codec: truncated hashed-group count"), ErrCorruption)
	}
	key = key[sz:]
	for i := uint64(0); i < numHashed; i++ {
		_, rest, err := readLenPrefixed(key)
		if err != nil {
			return 0, err
		}
		key = rest
	}

	numRange, sz := binary.Uvarint(key)
	if sz <= 0 {
		return 0, errors.Mark(errors.New("codec: truncated range-group count"), ErrCorruption)
	}
	key = key[sz:]
	for i := uint64(0); i < numRange; i++ {
		_, rest, err := readLenPrefixed(key)
		if err != nil {
			return 0, err
		}
		key = rest
	}

	return len(orig) - len(key), nil
}

// DecodeSubDocKey parses a composite storage key into its doc-key groups
// and trailing sub-keys.
func DecodeSubDocKey(key []byte) (SubDocKey, error) {
	prefixLen, err := DecodedKeySize(key)
	if err != nil {
		return SubDocKey{}, err
	}
	prefix, suffix := key[:prefixLen], key[prefixLen:]

	var out SubDocKey
	numHashed, sz := binary.Uvarint(prefix)
	prefix = prefix[sz:]
	for i := uint64(0); i < numHashed; i++ {
		v, rest, err := readLenPrefixed(prefix)
		if err != nil {
			return SubDocKey{}, err
		}
		out.DocKey.HashedGroup = append(out.DocKey.HashedGroup, v)
		prefix = rest
	}
	numRange, sz := binary.Uvarint(prefix)
	prefix = prefix[sz:]
	for i := uint64(0); i < numRange; i++ {
		v, rest, err := readLenPrefixed(prefix)
		if err != nil {
			return SubDocKey{}, err
		}
		out.DocKey.RangeGroup = append(out.DocKey.RangeGroup, v)
		prefix = rest
	}

	if len(suffix) == 0 {
		out.Selector = ColumnSelector{Type: KeyEntryNone}
		return out, nil
	}

	selType := KeyEntryType(suffix[0])
	suffix = suffix[1:]
	colID, sz := binary.Uvarint(suffix)
	if sz <= 0 {
		return SubDocKey{}, errors.Mark(errors.New("codec: truncated column id"), ErrCorruption)
	}
	suffix = suffix[sz:]
	out.Selector = ColumnSelector{Type: selType, ColumnID: uint32(colID)}

	numSub, sz := binary.Uvarint(suffix)
	if sz <= 0 {
		return SubDocKey{}, errors.Mark(errors.New("codec: truncated subkey count"), ErrCorruption)
	}
	suffix = suffix[sz:]
	for i := uint64(0); i < numSub; i++ {
		if len(suffix) < 1 {
			return SubDocKey{}, errors.Mark(errors.New("codec: truncated subkey"), ErrCorruption)
		}
		t := suffix[0]
		suffix = suffix[1:]
		v, rest, err := readLenPrefixed(suffix)
		if err != nil {
			return SubDocKey{}, err
		}
		out.SubKeys = append(out.SubKeys, SubKey{Type: t, Value: v})
		suffix = rest
	}
	return out, nil
}

// DecodeColumnSelector decodes just the suffix of a composite key (the
// bytes following DecodedKeySize) into a ColumnSelector, returning
// KeyEntryNone if the suffix is empty.
func DecodeColumnSelector(suffix []byte) (ColumnSelector, error) {
	if len(suffix) == 0 {
		return ColumnSelector{Type: KeyEntryNone}, nil
	}
	selType := KeyEntryType(suffix[0])
	colID, sz := binary.Uvarint(suffix[1:])
	if sz <= 0 {
		return ColumnSelector{}, errors.Mark(errors.New("codec: truncated column id"), ErrCorruption)
	}
	return ColumnSelector{Type: selType, ColumnID: uint32(colID)}, nil
}
