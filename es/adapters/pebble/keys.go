package pebble

import "encoding/binary"

// Keyspace helpers.
//
// Layout (byte-wise, lexicographically sortable; 0x00 terminates variable
// segments, so segment values must not contain NUL):
// - es/{partition}0 m                      counter metadata
// - es/{partition}0 c0 {stream}0 {seq_be8} commit record
// - es/{partition}0 i0 {stream}0 {id16}    commit-id index -> seq_be8
// - es/{partition}0 t0 {stamp_be8}{ord_be8} stamp index -> commit key
// - es/{partition}0 u0 {stamp_be8}{ord_be8} undispatched index -> commit key
// - es/{partition}0 h0 {stream}            stream head
// - es/{partition}0 s0 {stream}0 {rev_be8} snapshot payload

var esPrefix = []byte("es/")

const keySep = byte(0)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(partition string) []byte {
	k := make([]byte, 0, len(esPrefix)+len(partition)+1)
	k = append(k, esPrefix...)
	k = append(k, partition...)
	k = append(k, keySep)
	return k
}

func sectionPrefix(partition string, section byte) []byte {
	k := partitionPrefix(partition)
	k = append(k, section, keySep)
	return k
}

func keyMeta(partition string) []byte {
	return append(partitionPrefix(partition), 'm')
}

func streamPrefix(partition string, section byte, streamID string) []byte {
	k := sectionPrefix(partition, section)
	k = append(k, streamID...)
	k = append(k, keySep)
	return k
}

// keyCommit builds the commit record key with a big-endian sequence for
// proper ordering.
func keyCommit(partition, streamID string, sequence uint64) []byte {
	return appendBE8(streamPrefix(partition, 'c', streamID), sequence)
}

// keyCommitID builds the commit-id index key.
func keyCommitID(partition, streamID string, id [16]byte) []byte {
	return append(streamPrefix(partition, 'i', streamID), id[:]...)
}

// keyStamp builds the time index key; ord breaks stamp ties in insertion
// order.
func keyStamp(partition string, stampNanos, ord uint64) []byte {
	return appendBE8(appendBE8(sectionPrefix(partition, 't'), stampNanos), ord)
}

// keyUndispatched builds the undispatched index key, colocated with the
// time index so sweeps come back stamp-ordered.
func keyUndispatched(partition string, stampNanos, ord uint64) []byte {
	return appendBE8(appendBE8(sectionPrefix(partition, 'u'), stampNanos), ord)
}

// keyHead builds the stream-head key.
func keyHead(partition, streamID string) []byte {
	k := sectionPrefix(partition, 'h')
	return append(k, streamID...)
}

// keySnapshot builds the snapshot key with a big-endian revision.
func keySnapshot(partition, streamID string, revision uint64) []byte {
	return appendBE8(streamPrefix(partition, 's', streamID), revision)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
