package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1

	maxGenLen = 0xFFFF
)

var (
	ErrCorrupt    = errors.New("offcache: corrupt entry")
	ErrGeneration = errors.New("offcache: invalid generation length")
	magic4        = [...]byte{'O', 'F', 'F', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | kind(1=entry) | glen(u16 be) | gen(glen) | vlen(u32 be) | payload(vlen)
func EncodeEntry(gen string, payload []byte) ([]byte, error) {
	if l := len(gen); l == 0 || l > maxGenLen {
		return nil, ErrGeneration
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + len(gen) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(gen)))
	buf.Write(u2[:])
	buf.WriteString(gen)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEntry returns the owning generation and a payload slice into b.
func DecodeEntry(b []byte) (gen string, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return "", nil, ErrCorrupt
	}

	off := 6

	glen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if glen == 0 || glen > len(b)-off {
		return "", nil, ErrCorrupt
	}
	gen = string(b[off : off+glen])
	off += glen

	if off+4 > len(b) {
		return "", nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return "", nil, ErrCorrupt
	}

	return gen, b[off : off+vlen], nil
}
