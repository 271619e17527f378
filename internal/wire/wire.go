// Package wire frames durable cache entries.
//
//	magic(4) | ver(1) | flags(1) | keyLen(u16 be) | key | plen(u32 be) | payload(plen) | sum(u64 be)
//
// sum is xxhash64 over every preceding byte. The key is stored so a hash
// collision on the file name is detected on read.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

const (
	version byte = 1

	FlagZstd byte = 1 << 0

	hdrLen = 4 + 1 + 1 + 2
	sumLen = 8
)

var (
	ErrCorrupt = errors.New("layercache: corrupt entry")
	ErrKeyLen  = errors.New("layercache: key length out of range")
	magic4     = [...]byte{'L', 'C', 'D', 'E'}
)

type Entry struct {
	Key     string
	Flags   byte
	Payload []byte
}

func (e Entry) Compressed() bool { return e.Flags&FlagZstd != 0 }

func Encode(e Entry) ([]byte, error) {
	if l := len(e.Key); l == 0 || l > 0xFFFF {
		return nil, ErrKeyLen
	}
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(e.Key) + 4 + len(e.Payload) + sumLen)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(e.Flags)

	var u2 [2]byte
	var u4 [4]byte
	var u8 [8]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Key)))
	buf.Write(u2[:])
	buf.WriteString(e.Key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	binary.BigEndian.PutUint64(u8[:], sum(buf.Bytes()))
	buf.Write(u8[:])
	return buf.Bytes(), nil
}

// Decode validates framing and checksum. Trailing bytes are rejected.
// The returned payload aliases b.
func Decode(b []byte) (Entry, error) {
	if len(b) < hdrLen+4+sumLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Entry{}, ErrCorrupt
	}
	body := b[:len(b)-sumLen]
	if sum(body) != binary.BigEndian.Uint64(b[len(b)-sumLen:]) {
		return Entry{}, ErrCorrupt
	}

	flags := b[5]
	off := 6

	klen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if klen == 0 || klen > len(body)-off {
		return Entry{}, ErrCorrupt
	}
	key := string(body[off : off+klen])
	off += klen

	if off+4 > len(body) {
		return Entry{}, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if plen < 0 || plen != len(body)-off {
		return Entry{}, ErrCorrupt
	}

	return Entry{Key: key, Flags: flags, Payload: body[off:]}, nil
}

func sum(b []byte) uint64 { return xxhash.Sum64(b) }
