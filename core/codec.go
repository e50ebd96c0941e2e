package core

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Record framing (C1). Both formats are little-endian and tightly packed,
// with no padding between fields.
//
// Data record, written to <id>.data:
//
//	[0:4]   crc32 (IEEE) over bytes [4:end] of the record
//	[4:12]  timestamp, ns, int64
//	[12:16] key_size, uint32
//	[16:20] value_size, uint32
//	[20:20+key_size]            key bytes
//	[20+key_size:...+value_size] value bytes
//
// Hint record, written to <id>.hint:
//
//	[0:8]   timestamp, ns, int64
//	[8:12]  key_size, uint32
//	[12:16] value_size, uint32
//	[16:24] value_offset, int64 (absolute in the matching .data file; 0 => tombstone)
//	[24:24+key_size] key bytes
const (
	dataHeaderSize = 20
	dataCRCSize    = 4
	hintHeaderSize = 24
)

// encodeDataRecord builds a complete data record in one allocation, in the
// shrinking-buffer style this engine's segment writer is grounded on, and
// returns it ready to be written with a single syscall.
func encodeDataRecord(ts int64, key, value []byte) []byte {
	total := dataHeaderSize + len(key) + len(value)
	buf := make([]byte, total)

	sb := buf[dataCRCSize:] // skip the checksum slot, filled in last

	binary.LittleEndian.PutUint64(sb, uint64(ts))
	sb = sb[8:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(value)))
	sb = sb[4:]

	copy(sb, key)
	sb = sb[len(key):]
	copy(sb, value)

	crc := crc32.ChecksumIEEE(buf[dataCRCSize:])
	binary.LittleEndian.PutUint32(buf, crc)

	return buf
}

// dataHeader is the decoded fixed portion of a data record.
type dataHeader struct {
	crc       uint32
	timestamp int64
	keySize   uint32
	valueSize uint32
}

func decodeDataHeader(hdr []byte) dataHeader {
	_ = hdr[dataHeaderSize-1] // bounds check hint
	return dataHeader{
		crc:       binary.LittleEndian.Uint32(hdr[0:4]),
		timestamp: int64(binary.LittleEndian.Uint64(hdr[4:12])),
		keySize:   binary.LittleEndian.Uint32(hdr[12:16]),
		valueSize: binary.LittleEndian.Uint32(hdr[16:20]),
	}
}

// verifyDataCRC checks the stored checksum of a full record buffer
// (header+key+value) against bytes [4:].
func verifyDataCRC(buf []byte, want uint32) error {
	if got := crc32.ChecksumIEEE(buf[dataCRCSize:]); got != want {
		return fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksumMismatch, want, got)
	}
	return nil
}

// encodeHintRecord builds a hint record. valueOffset is 0 for a tombstone.
func encodeHintRecord(ts int64, key []byte, valueSize uint32, valueOffset int64) []byte {
	total := hintHeaderSize + len(key)
	buf := make([]byte, total)

	sb := buf
	binary.LittleEndian.PutUint64(sb, uint64(ts))
	sb = sb[8:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, valueSize)
	sb = sb[4:]

	binary.LittleEndian.PutUint64(sb, uint64(valueOffset))
	sb = sb[8:]

	copy(sb, key)

	return buf
}

// hintHeader is the decoded fixed portion of a hint record.
type hintHeader struct {
	timestamp   int64
	keySize     uint32
	valueSize   uint32
	valueOffset int64
}

func decodeHintHeader(hdr []byte) hintHeader {
	_ = hdr[hintHeaderSize-1]
	return hintHeader{
		timestamp:   int64(binary.LittleEndian.Uint64(hdr[0:8])),
		keySize:     binary.LittleEndian.Uint32(hdr[8:12]),
		valueSize:   binary.LittleEndian.Uint32(hdr[12:16]),
		valueOffset: int64(binary.LittleEndian.Uint64(hdr[16:24])),
	}
}
