package pager

import "fmt"

// Slotted data page layout:
//
//	[0:4]    page number (u32)
//	[4:8]    previous sibling page number (0 if none)
//	[8:12]   next sibling page number (0 if none)
//	[12:16]  free-space offset (one past the last byte used by records,
//	         which grow downward from the top of the page)
//	[16:20]  number of slots
//	[20:...] slot directory, 8 bytes per slot: (record-offset u32,
//	         record-size u32). record-offset == 0 marks a tombstone.
//
// Live records never overlap and always sit strictly between the end
// of the slot directory and PAGE_SIZE.
const (
	dataPageNumOff    = 0
	dataPagePrevOff   = 4
	dataPageNextOff   = 8
	dataFreeSpaceOff  = 12
	dataSlotCountOff  = 16
	dataSlotDirOff    = 20
	dataSlotEntrySize = 8
)

// SlotIdx identifies a slot within a data page's directory.
type SlotIdx int32

// dataSlotEntry is one (offset, size) pair from the slot directory.
type dataSlotEntry struct {
	Offset uint32
	Size   uint32
}

// DataPage is a typed view over a Page buffer as a slotted heap page.
// The caller is responsible for holding the page's latch.
type DataPage struct {
	buf      []byte
	pageSize int
}

// WrapDataPage views an existing, already-initialized buffer.
func WrapDataPage(buf []byte) *DataPage {
	return &DataPage{buf: buf, pageSize: len(buf)}
}

// InitDataPage initializes an empty data page for pn, with no siblings.
func InitDataPage(buf []byte, pn PageNum) *DataPage {
	dp := &DataPage{buf: buf, pageSize: len(buf)}
	byteOrder.PutUint32(buf[dataPageNumOff:], uint32(pn))
	byteOrder.PutUint32(buf[dataPagePrevOff:], 0)
	byteOrder.PutUint32(buf[dataPageNextOff:], 0)
	dp.setFreeSpaceOffset(len(buf))
	dp.setSlotCount(0)
	return dp
}

func (dp *DataPage) PageNum() PageNum { return PageNum(byteOrder.Uint32(dp.buf[dataPageNumOff:])) }

func (dp *DataPage) PrevPage() PageNum { return PageNum(byteOrder.Uint32(dp.buf[dataPagePrevOff:])) }
func (dp *DataPage) SetPrevPage(pn PageNum) {
	byteOrder.PutUint32(dp.buf[dataPagePrevOff:], uint32(pn))
}

func (dp *DataPage) NextPage() PageNum { return PageNum(byteOrder.Uint32(dp.buf[dataPageNextOff:])) }
func (dp *DataPage) SetNextPage(pn PageNum) {
	byteOrder.PutUint32(dp.buf[dataPageNextOff:], uint32(pn))
}

func (dp *DataPage) freeSpaceOffset() int {
	return int(byteOrder.Uint32(dp.buf[dataFreeSpaceOff:]))
}
func (dp *DataPage) setFreeSpaceOffset(off int) {
	byteOrder.PutUint32(dp.buf[dataFreeSpaceOff:], uint32(off))
}

// SlotCount returns the number of slot-directory entries, tombstones included.
func (dp *DataPage) SlotCount() int {
	return int(byteOrder.Uint32(dp.buf[dataSlotCountOff:]))
}
func (dp *DataPage) setSlotCount(n int) {
	byteOrder.PutUint32(dp.buf[dataSlotCountOff:], uint32(n))
}

func (dp *DataPage) slotDirEnd() int {
	return dataSlotDirOff + dp.SlotCount()*dataSlotEntrySize
}

func (dp *DataPage) getSlot(i int) dataSlotEntry {
	off := dataSlotDirOff + i*dataSlotEntrySize
	return dataSlotEntry{
		Offset: byteOrder.Uint32(dp.buf[off:]),
		Size:   byteOrder.Uint32(dp.buf[off+4:]),
	}
}

func (dp *DataPage) setSlot(i int, e dataSlotEntry) {
	off := dataSlotDirOff + i*dataSlotEntrySize
	byteOrder.PutUint32(dp.buf[off:], e.Offset)
	byteOrder.PutUint32(dp.buf[off+4:], e.Size)
}

// FreeSpace reports bytes available for a new record plus its slot entry.
func (dp *DataPage) FreeSpace() int {
	return dp.freeSpaceOffset() - dp.slotDirEnd()
}

// IsTombstone reports whether slot i has been deleted.
func (dp *DataPage) IsTombstone(i int) bool {
	return dp.getSlot(i).Offset == 0
}

// GetRecord returns a read-only view of slot i's bytes, or an error if
// the slot is out of range or tombstoned.
func (dp *DataPage) GetRecord(i SlotIdx) ([]byte, error) {
	if int(i) < 0 || int(i) >= dp.SlotCount() {
		return nil, newErr(KindInvalidArg, "GetRecord", fmt.Errorf("slot %d out of range", i))
	}
	e := dp.getSlot(int(i))
	if e.Offset == 0 {
		return nil, newErr(KindNotFound, "GetRecord", fmt.Errorf("slot %d is a tombstone", i))
	}
	return dp.buf[e.Offset : e.Offset+e.Size], nil
}

// InsertRecord places data on the page, recycling a tombstoned slot
// when one exists, otherwise growing the directory. Returns the new
// slot's index, or KindInvalidArg if there isn't enough free space.
func (dp *DataPage) InsertRecord(data []byte) (SlotIdx, error) {
	needed := len(data)
	sc := dp.SlotCount()

	for i := 0; i < sc; i++ {
		if dp.IsTombstone(i) {
			if dp.freeSpaceOffset()-dp.slotDirEnd() < needed {
				continue // not enough room even recycling this slot
			}
			newOff := dp.freeSpaceOffset() - needed
			copy(dp.buf[newOff:], data)
			dp.setFreeSpaceOffset(newOff)
			dp.setSlot(i, dataSlotEntry{Offset: uint32(newOff), Size: uint32(needed)})
			return SlotIdx(i), nil
		}
	}

	if dp.freeSpaceOffset()-(dp.slotDirEnd()+dataSlotEntrySize) < needed {
		return -1, newErr(KindInvalidArg, "InsertRecord", fmt.Errorf("page full: need %d bytes, have %d", needed, dp.FreeSpace()-dataSlotEntrySize))
	}
	newOff := dp.freeSpaceOffset() - needed
	copy(dp.buf[newOff:], data)
	dp.setFreeSpaceOffset(newOff)
	dp.setSlot(sc, dataSlotEntry{Offset: uint32(newOff), Size: uint32(needed)})
	dp.setSlotCount(sc + 1)
	return SlotIdx(sc), nil
}

// DeleteRecord tombstones slot i. Space is not reclaimed until a
// later insert recycles the slot; there is no compaction on delete.
func (dp *DataPage) DeleteRecord(i SlotIdx) error {
	if int(i) < 0 || int(i) >= dp.SlotCount() {
		return newErr(KindInvalidArg, "DeleteRecord", fmt.Errorf("slot %d out of range", i))
	}
	dp.setSlot(int(i), dataSlotEntry{Offset: 0, Size: 0})
	return nil
}

// UsedBytes returns the number of bytes not available for new records:
// the page header, every slot-directory entry (tombstones included),
// and every record byte written so far, since deletes do not reclaim
// record space. It is what the free-space map is told.
func (dp *DataPage) UsedBytes() int {
	return dp.pageSize - dp.FreeSpace()
}

// Bytes returns the underlying page buffer.
func (dp *DataPage) Bytes() []byte { return dp.buf }
