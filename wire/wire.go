// Package wire abstracts the point-to-point byte transport used by the
// distributed runtime. Every transfer is a two-stage sequence on a
// (peer, tag) channel: an 8-byte big-endian payload length, then the
// payload itself. Tag 0 is reserved.
package wire

import "encoding/binary"

// Stage identifies which half of a two-stage transfer a message belongs to.
type Stage uint8

const (
	// StageSize carries the 8-byte payload length.
	StageSize Stage = iota
	// StagePayload carries the payload bytes.
	StagePayload
)

// Op is an in-flight non-blocking operation, in the style of an MPI request.
// Test never blocks; once it reports done, the op must not be tested again.
// For receives the completed payload is returned; for sends it is nil.
type Op interface {
	Test() (done bool, payload []byte, err error)
}

// Wire is a rank-addressed transport. Messages between a fixed (sender,
// receiver, tag, stage) tuple are delivered in post order; no ordering holds
// across tuples. Implementations must allow SendInit/RecvInit and Test to be
// called from a single goroutine at a time (the communication service owns
// the wire).
type Wire interface {
	Rank() int
	WorldSize() int
	SendInit(to, tag int, stage Stage, payload []byte) (Op, error)
	RecvInit(from, tag int, stage Stage) (Op, error)
	Close() error
}

// EncodeSize encodes a payload length for a StageSize message.
func EncodeSize(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// DecodeSize decodes a StageSize message.
func DecodeSize(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
