// Package wire defines the envelope format for second-level cache entries.
// Every envelope carries the store version the payload was observed at, so
// readers can reject bytes that predate the version floor they track.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
	kindBatch byte = 2
)

var (
	ErrCorrupt = errors.New("confcache: corrupt envelope")
	magic4     = [...]byte{'C', 'F', 'G', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1=entry) | rev(u64 be) | plen(u32 be) | payload(plen)
func EncodeEntry(rev uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], rev)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeEntry(b []byte) (rev uint64, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return 0, nil, ErrCorrupt
	}

	off := 6
	rev = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen > len(b)-off { // overflow-safe bound check
		return 0, nil, ErrCorrupt
	}

	return rev, b[off : off+plen], nil
}

// Batch:
//
//	magic(4) | ver(1) | kind(1=batch) | n(u32 be)
//	idLen(u16 be) | id(idLen) | rev(u64 be) | plen(u32 be) | payload(plen) * n
type BatchItem struct {
	ID      string
	Rev     uint64
	Payload []byte
}

func EncodeBatch(items []BatchItem) []byte {
	total := 4 + 1 + 1 + 4
	for _, it := range items {
		total += 2 + len(it.ID) + 8 + 4 + len(it.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindBatch)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(items)))
	buf.Write(u4[:])

	for _, it := range items {
		if l := len(it.ID); l == 0 || l > 0xFFFF {
			panic("confcache: invalid id length in batch envelope")
		}
		binary.BigEndian.PutUint16(u2[:], uint16(len(it.ID)))
		buf.Write(u2[:])
		buf.WriteString(it.ID)

		binary.BigEndian.PutUint64(u8[:], it.Rev)
		buf.Write(u8[:])

		binary.BigEndian.PutUint32(u4[:], uint32(len(it.Payload)))
		buf.Write(u4[:])
		buf.Write(it.Payload)
	}

	return buf.Bytes()
}

func DecodeBatch(b []byte) ([]BatchItem, error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindBatch {
		return nil, ErrCorrupt
	}

	off := 6
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 {
		return nil, ErrCorrupt
	}

	items := make([]BatchItem, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		idLen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if idLen <= 0 || idLen > len(b)-off {
			return nil, ErrCorrupt
		}

		idBytes := b[off : off+idLen]
		off += idLen

		if off+8 > len(b) {
			return nil, ErrCorrupt
		}
		rev := binary.BigEndian.Uint64(b[off : off+8])
		off += 8

		if off+4 > len(b) {
			return nil, ErrCorrupt
		}
		plen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if plen < 0 || plen > len(b)-off {
			return nil, ErrCorrupt
		}

		payload := b[off : off+plen]
		off += plen

		items = append(items, BatchItem{
			ID:      string(idBytes),
			Rev:     rev,
			Payload: payload,
		})
	}

	return items, nil
}
