package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"

	"ordercore/internal/schema"
)

// Record layout, little endian:
//
//	0  magic "OCJ1"
//	4  record version u16, header size u16
//	8  type u16, schema version u16, source u16, flags u16
//	16 payload length u32
//	20 seq u64, ts_event i64, ts_init i64, trace id u64
//	52 reserved u32
//	56 payload, then crc32c over header and payload
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'O', 'C', 'J', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("journal: invalid magic")
	ErrUnsupportedRecordVer    = errors.New("journal: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("journal: invalid header size")
	ErrChecksumMismatch        = errors.New("journal: checksum mismatch")
)

func putHeader(dst []byte, h schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	le := binary.LittleEndian
	copy(dst[0:4], recordMagic[:])
	le.PutUint16(dst[4:6], recordVersion)
	le.PutUint16(dst[6:8], recordHeaderSize)
	le.PutUint16(dst[8:10], uint16(h.Type))
	le.PutUint16(dst[10:12], h.Version)
	le.PutUint16(dst[12:14], h.Source)
	le.PutUint16(dst[14:16], h.Flags)
	le.PutUint32(dst[16:20], uint32(payloadLen))
	le.PutUint64(dst[20:28], h.Seq)
	le.PutUint64(dst[28:36], uint64(h.TsEvent))
	le.PutUint64(dst[36:44], uint64(h.TsInit))
	le.PutUint64(dst[44:52], h.TraceID)
	le.PutUint32(dst[52:56], 0)
}

func parseHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	le := binary.LittleEndian
	switch {
	case !bytes.Equal(src[0:4], recordMagic[:]):
		return schema.EventHeader{}, 0, ErrInvalidMagic
	case le.Uint16(src[4:6]) != recordVersion:
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	case le.Uint16(src[6:8]) != recordHeaderSize:
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	return schema.EventHeader{
		Type:    schema.EventType(le.Uint16(src[8:10])),
		Version: le.Uint16(src[10:12]),
		Source:  le.Uint16(src[12:14]),
		Flags:   le.Uint16(src[14:16]),
		Seq:     le.Uint64(src[20:28]),
		TsEvent: int64(le.Uint64(src[28:36])),
		TsInit:  int64(le.Uint64(src[36:44])),
		TraceID: le.Uint64(src[44:52]),
	}, le.Uint32(src[16:20]), nil
}

func checksum(header, payload []byte) uint32 {
	return crc32.Update(crc32.Update(0, crcTable, header), crcTable, payload)
}
