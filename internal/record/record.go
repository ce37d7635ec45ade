// Package record defines the structured payload carried by delivery spool
// messages — attempt count, earliest retry time, destination, and message
// body — together with the codec that turns it into opaque spool bytes.
//
// The spool layer never interprets these bytes; only the delivery queue
// encodes and decodes them. The default binary format is self-checking: a
// magic header guards against reading a foreign payload as a record and a
// trailing CRC catches torn or tampered files. A failed decode is reported
// as ErrCorrupt and the message is left on disk for manual recovery instead
// of being dropped.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// ErrCorrupt is wrapped by all decode failures.
var ErrCorrupt = errors.New("record: corrupt")

// Record is one queued delivery attempt.
type Record struct {
	// Retries is the number of delivery attempts made so far.
	Retries int

	// NextAttempt is the earliest time the message may be sent. The zero
	// time means the message is sendable immediately.
	NextAttempt time.Time

	// Destination is opaque addressing data owned by the transport layer.
	Destination []byte

	// Body is the opaque message payload.
	Body []byte
}

// Codec converts Records to and from spool payload bytes.
type Codec interface {
	Encode(r Record) ([]byte, error)
	Decode(data []byte) (Record, error)
}

// recordMagic identifies a binary-encoded record and its format version.
var recordMagic = [3]byte{0x4D, 0x52, 0x01} // "MR\x01"

// Fixed overhead: magic(3) + retries(4) + nextAttempt(8) + destLen(4) +
// bodyLen(4) + crc(4).
const fixedSize = 3 + 4 + 8 + 4 + 4 + 4

// BinaryCodec is the default Codec.
//
// Layout (big-endian):
//
//	[magic:3][retries:4][nextAttemptMs:8][destLen:4][dest:N][bodyLen:4][body:M][crc32:4]
//
// The CRC covers every byte before it.
type BinaryCodec struct{}

// Encode serialises r.
func (BinaryCodec) Encode(r Record) ([]byte, error) {
	if r.Retries < 0 {
		return nil, fmt.Errorf("record: negative retry count %d", r.Retries)
	}

	var nextMs int64
	if !r.NextAttempt.IsZero() {
		nextMs = r.NextAttempt.UnixMilli()
	}

	buf := make([]byte, 0, fixedSize+len(r.Destination)+len(r.Body))
	buf = append(buf, recordMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Retries))
	buf = binary.BigEndian.AppendUint64(buf, uint64(nextMs))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Destination)))
	buf = append(buf, r.Destination...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Body)))
	buf = append(buf, r.Body...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// Decode parses data. Any structural problem — short buffer, wrong magic,
// bad checksum, inconsistent lengths — returns an error wrapping ErrCorrupt.
func (BinaryCodec) Decode(data []byte) (Record, error) {
	if len(data) < fixedSize {
		return Record{}, fmt.Errorf("%w: %d bytes is shorter than any record", ErrCorrupt, len(data))
	}
	if [3]byte(data[:3]) != recordMagic {
		return Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	if computed := crc32.ChecksumIEEE(data[:len(data)-4]); stored != computed {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	retries := binary.BigEndian.Uint32(data[3:7])
	nextMs := int64(binary.BigEndian.Uint64(data[7:15]))

	destLen := int(binary.BigEndian.Uint32(data[15:19]))
	rest := data[19 : len(data)-4]
	if destLen < 0 || destLen+4 > len(rest) {
		return Record{}, fmt.Errorf("%w: destination length %d exceeds payload", ErrCorrupt, destLen)
	}
	dest := rest[:destLen]

	bodyLen := int(binary.BigEndian.Uint32(rest[destLen : destLen+4]))
	body := rest[destLen+4:]
	if bodyLen != len(body) {
		return Record{}, fmt.Errorf("%w: body length %d does not match %d remaining bytes",
			ErrCorrupt, bodyLen, len(body))
	}

	r := Record{
		Retries:     int(retries),
		Destination: append([]byte(nil), dest...),
		Body:        append([]byte(nil), body...),
	}
	if nextMs != 0 {
		r.NextAttempt = time.UnixMilli(nextMs)
	}
	return r, nil
}
