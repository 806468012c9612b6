package pebble

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"

	"github.com/valeriob/eventstore/es"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload).
// The header carries the insertion ordinal; the payload is the JSON commit.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("corrupt commit record")

func encodeRecord(ord uint64, commit *es.Commit) ([]byte, error) {
	payload, err := json.Marshal(commit)
	if err != nil {
		return nil, err
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], ord)

	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header[:]...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out, nil
}

func decodeRecord(b []byte) (uint64, *es.Commit, error) {
	if len(b) < 1+4 {
		return 0, nil, errCorruptRecord
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen != 8 || n+int(hlen)+4 > len(b) {
		return 0, nil, errCorruptRecord
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]

	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return 0, nil, errCorruptRecord
	}

	var commit es.Commit
	if err := json.Unmarshal(payload, &commit); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint64(header), &commit, nil
}
