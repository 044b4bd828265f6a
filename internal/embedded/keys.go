package embedded

import (
	"encoding/binary"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Key layout: kind | uvarint(len(name)) | name | table | suffix.
//
// Maps and sets keep one entry per key in table 'v'. Queues keep key ->
// seq|json in 'v' and seq -> key in 's', so iterating 's' yields insertion
// order.
const (
	tableValues   byte = 'v'
	tableSequence byte = 's'
)

// sequenceKey holds the queue sequence lease. Its first byte is not a kind
// byte so it never falls inside a store prefix.
var sequenceKey = []byte("\x00grid/queue-seq")

func kindByte(k grid.Kind) byte {
	switch k {
	case grid.KindQueue:
		return 'q'
	case grid.KindSet:
		return 's'
	default:
		return 'm'
	}
}

// storePrefix returns the prefix shared by every key of the store.
func storePrefix(d grid.StoreDescriptor) []byte {
	p := make([]byte, 0, 1+binary.MaxVarintLen64+len(d.Name))
	p = append(p, kindByte(d.Kind))
	p = binary.AppendUvarint(p, uint64(len(d.Name)))
	return append(p, d.Name...)
}

func tablePrefix(store []byte, table byte) []byte {
	p := make([]byte, 0, len(store)+1)
	p = append(p, store...)
	return append(p, table)
}

func entryKey(prefix []byte, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(suffix))
	k = append(k, prefix...)
	return append(k, suffix...)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// afterKey returns the smallest key sorting after k.
func afterKey(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}
