package pager

import "fmt"

// Overflow page layout:
//
//	[0:4]  next overflow page number (0 = end of chain)
//	[4:6]  content size (u16), the number of payload bytes stored here
//	[6:..] raw content bytes
//
// Overflow pages form a singly linked list written head first: the
// record's fixed portion holds the head page number, and each page's
// "next" pointer, set when its successor is allocated, walks toward
// the end of the value. A record's overflow chain is owned by exactly
// one live record; deleting the record releases every page in its
// chain to the file's freelist.
const (
	overflowNextOff = 0
	overflowSizeOff = 4
	overflowDataOff = 6
)

// OverflowPage views a page buffer as one link in an overflow chain.
type OverflowPage struct {
	buf []byte
}

// WrapOverflowPage views an existing, initialized overflow page buffer.
func WrapOverflowPage(buf []byte) *OverflowPage {
	return &OverflowPage{buf: buf}
}

// InitOverflowPage initializes an empty overflow page with no successor.
func InitOverflowPage(buf []byte) *OverflowPage {
	op := &OverflowPage{buf: buf}
	byteOrder.PutUint32(buf[overflowNextOff:], 0)
	byteOrder.PutUint16(buf[overflowSizeOff:], 0)
	return op
}

func (op *OverflowPage) NextPage() PageNum {
	return PageNum(byteOrder.Uint32(op.buf[overflowNextOff:]))
}

func (op *OverflowPage) SetNextPage(pn PageNum) {
	byteOrder.PutUint32(op.buf[overflowNextOff:], uint32(pn))
}

func (op *OverflowPage) Size() int {
	return int(byteOrder.Uint16(op.buf[overflowSizeOff:]))
}

// MaxPayload is the largest number of content bytes a single overflow
// page can hold.
func (op *OverflowPage) MaxPayload() int {
	return len(op.buf) - overflowDataOff
}

// SetContent writes data into the page's payload region, recording its
// length. data must fit within MaxPayload().
func (op *OverflowPage) SetContent(data []byte) error {
	if len(data) > op.MaxPayload() {
		return newErr(KindInvalidArg, "SetContent", fmt.Errorf("content of %d bytes exceeds overflow page capacity %d", len(data), op.MaxPayload()))
	}
	byteOrder.PutUint16(op.buf[overflowSizeOff:], uint16(len(data)))
	copy(op.buf[overflowDataOff:], data)
	return nil
}

// Content returns the stored payload bytes.
func (op *OverflowPage) Content() []byte {
	n := op.Size()
	return op.buf[overflowDataOff : overflowDataOff+n]
}

// Bytes returns the underlying page buffer.
func (op *OverflowPage) Bytes() []byte { return op.buf }
