// Package packet provides the buffer type that carries frames up and down
// the protocol stack. A buffer owns a single backing allocation with a
// movable payload window inside it, so lower layers can prepend headers
// without copying and upper layers can consume them in place.
package packet

import "fmt"

// Buffer holds a payload inside a fixed backing allocation. The live
// region is [dataOffset, footerOffset). Headers grow the region downward,
// footers grow it upward, and consuming shrinks it from the front.
//
// A buffer has exactly one owner at a time. Whichever layer currently
// holds it may mutate it; ownership passes by pointer through the stack.
type Buffer struct {
	backing      []byte
	dataOffset   int
	footerOffset int
}

// New allocates a buffer with room for a payload of the given size plus
// reserved header and footer space. The payload window starts out spanning
// exactly payloadLen bytes.
func New(payloadLen, headroom, footroom int) *Buffer {
	if payloadLen < 0 || headroom < 0 || footroom < 0 {
		panic(fmt.Sprintf("packet: negative size (%d, %d, %d)", payloadLen, headroom, footroom))
	}

	return &Buffer{
		backing:      make([]byte, headroom+payloadLen+footroom),
		dataOffset:   headroom,
		footerOffset: headroom + payloadLen,
	}
}

// FromPayload wraps an already-built payload with the given reserved
// header space, copying the payload into fresh backing.
func FromPayload(payload []byte, headroom int) *Buffer {
	b := New(len(payload), headroom, 0)
	copy(b.Payload(), payload)
	return b
}

// PrependHeader moves the data cursor back by n bytes and returns the
// newly exposed region for the caller to fill in. Panics if the headroom
// was not reserved; running out of reserved space is a programming error,
// not a runtime condition.
func (b *Buffer) PrependHeader(n int) []byte {
	if n < 0 || n > b.dataOffset {
		panic(fmt.Sprintf("packet: prepend %d exceeds headroom %d", n, b.dataOffset))
	}

	b.dataOffset -= n
	return b.backing[b.dataOffset : b.dataOffset+n]
}

// AppendFooter extends the payload window forward by n bytes and returns
// the new region.
func (b *Buffer) AppendFooter(n int) []byte {
	if n < 0 || b.footerOffset+n > len(b.backing) {
		panic(fmt.Sprintf("packet: append %d exceeds footroom %d", n, len(b.backing)-b.footerOffset))
	}

	start := b.footerOffset
	b.footerOffset += n
	return b.backing[start:b.footerOffset]
}

// Consume strips n bytes from the front of the payload window, returning
// the stripped region. Receive paths use this to step past a header.
func (b *Buffer) Consume(n int) []byte {
	if n < 0 || b.dataOffset+n > b.footerOffset {
		panic(fmt.Sprintf("packet: consume %d exceeds payload %d", n, b.footerOffset-b.dataOffset))
	}

	start := b.dataOffset
	b.dataOffset += n
	return b.backing[start:b.dataOffset]
}

// Payload returns the live payload window.
func (b *Buffer) Payload() []byte {
	return b.backing[b.dataOffset:b.footerOffset]
}

// PayloadLen returns the size of the live payload window.
func (b *Buffer) PayloadLen() int {
	return b.footerOffset - b.dataOffset
}

// Headroom returns the remaining reserved header space.
func (b *Buffer) Headroom() int {
	return b.dataOffset
}
