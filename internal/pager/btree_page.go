package pager

import "fmt"

// B+Tree page layout. Leaf and internal pages share one header shape:
//
//	[0]      type tag: '1' = leaf, '2' = internal
//	[1:5]    page number (u32)
//	[5:9]    parent page number (u32, 0 = root)
//	[9:13]   next-leaf page number (u32; leaves only, 0 = last leaf)
//	[13:17]  rightmost child page number (u32; internal only — the
//	         child for keys greater than every separator on this page)
//	[17:19]  free-space offset (u16)
//	[19:21]  slot count (u16)
//	[21:...] slot directory, 4 bytes per slot: (key-offset u16, key-size
//	         u16). The record at key-offset holds the key bytes
//	         immediately followed by a fixed-size value: a child page
//	         number (internal) or a RecordID (leaf). Records grow
//	         downward from the top of the page.
const (
	btreeTypeOff       = 0
	btreePageNumOff    = 1
	btreeParentOff     = 5
	btreeNextLeafOff   = 9
	btreeRightChildOff = 13
	btreeFreeSpaceOff  = 17
	btreeSlotCountOff  = 19
	btreeSlotDirOff    = 21
	btreeSlotEntrySize = 4

	btreeTagLeaf     = byte('1')
	btreeTagInternal = byte('2')

	// internalValueSize is the width of a separator's value: a child PageNum.
	internalValueSize = 4
	// leafValueSize is the width of a leaf entry's value: a RecordID
	// encoded as three little-endian int32s (FileID, PageNum, Slot).
	leafValueSize = 12
)

// BTreePage views a page buffer as a B+Tree node, leaf or internal.
type BTreePage struct {
	buf []byte
}

func WrapBTreePage(buf []byte) *BTreePage { return &BTreePage{buf: buf} }

// InitBTreePage initializes an empty node of the given kind for pn, with
// no parent yet assigned.
func InitBTreePage(buf []byte, pn PageNum, leaf bool) *BTreePage {
	bp := &BTreePage{buf: buf}
	if leaf {
		buf[btreeTypeOff] = btreeTagLeaf
	} else {
		buf[btreeTypeOff] = btreeTagInternal
	}
	byteOrder.PutUint32(buf[btreePageNumOff:], uint32(pn))
	byteOrder.PutUint32(buf[btreeParentOff:], 0)
	byteOrder.PutUint32(buf[btreeNextLeafOff:], 0)
	byteOrder.PutUint32(buf[btreeRightChildOff:], 0)
	bp.setFreeSpaceOffset(len(buf))
	bp.setSlotCount(0)
	return bp
}

func (bp *BTreePage) IsLeaf() bool { return bp.buf[btreeTypeOff] == btreeTagLeaf }

func (bp *BTreePage) PageNum() PageNum {
	return PageNum(byteOrder.Uint32(bp.buf[btreePageNumOff:]))
}

func (bp *BTreePage) Parent() PageNum { return PageNum(byteOrder.Uint32(bp.buf[btreeParentOff:])) }
func (bp *BTreePage) SetParent(pn PageNum) {
	byteOrder.PutUint32(bp.buf[btreeParentOff:], uint32(pn))
}

func (bp *BTreePage) NextLeaf() PageNum {
	return PageNum(byteOrder.Uint32(bp.buf[btreeNextLeafOff:]))
}
func (bp *BTreePage) SetNextLeaf(pn PageNum) {
	byteOrder.PutUint32(bp.buf[btreeNextLeafOff:], uint32(pn))
}

func (bp *BTreePage) RightChild() PageNum {
	return PageNum(byteOrder.Uint32(bp.buf[btreeRightChildOff:]))
}
func (bp *BTreePage) SetRightChild(pn PageNum) {
	byteOrder.PutUint32(bp.buf[btreeRightChildOff:], uint32(pn))
}

func (bp *BTreePage) freeSpaceOffset() int {
	return int(byteOrder.Uint16(bp.buf[btreeFreeSpaceOff:]))
}
func (bp *BTreePage) setFreeSpaceOffset(off int) {
	byteOrder.PutUint16(bp.buf[btreeFreeSpaceOff:], uint16(off))
}

func (bp *BTreePage) SlotCount() int {
	return int(byteOrder.Uint16(bp.buf[btreeSlotCountOff:]))
}
func (bp *BTreePage) setSlotCount(n int) {
	byteOrder.PutUint16(bp.buf[btreeSlotCountOff:], uint16(n))
}

func (bp *BTreePage) slotDirEnd() int {
	return btreeSlotDirOff + bp.SlotCount()*btreeSlotEntrySize
}

type btreeSlot struct {
	KeyOff  uint16
	KeySize uint16
}

func (bp *BTreePage) getSlot(i int) btreeSlot {
	off := btreeSlotDirOff + i*btreeSlotEntrySize
	return btreeSlot{
		KeyOff:  byteOrder.Uint16(bp.buf[off:]),
		KeySize: byteOrder.Uint16(bp.buf[off+2:]),
	}
}

func (bp *BTreePage) setSlot(i int, s btreeSlot) {
	off := btreeSlotDirOff + i*btreeSlotEntrySize
	byteOrder.PutUint16(bp.buf[off:], s.KeyOff)
	byteOrder.PutUint16(bp.buf[off+2:], s.KeySize)
}

func (bp *BTreePage) valueSize() int {
	if bp.IsLeaf() {
		return leafValueSize
	}
	return internalValueSize
}

// FreeSpace reports bytes available for one more key+value record plus
// its slot entry.
func (bp *BTreePage) FreeSpace() int {
	return bp.freeSpaceOffset() - bp.slotDirEnd()
}

// Key returns the key bytes stored in slot i.
func (bp *BTreePage) Key(i int) []byte {
	s := bp.getSlot(i)
	return bp.buf[s.KeyOff : s.KeyOff+s.KeySize]
}

func (bp *BTreePage) recordBytes(i int) []byte {
	s := bp.getSlot(i)
	total := int(s.KeySize) + bp.valueSize()
	return bp.buf[s.KeyOff : int(s.KeyOff)+total]
}

// ChildAt returns the child page number stored after the key in slot i
// of an internal page.
func (bp *BTreePage) ChildAt(i int) PageNum {
	rec := bp.recordBytes(i)
	return PageNum(byteOrder.Uint32(rec[len(rec)-internalValueSize:]))
}

// RecordIDAt returns the RecordID stored after the key in slot i of a
// leaf page.
func (bp *BTreePage) RecordIDAt(i int) RecordID {
	rec := bp.recordBytes(i)
	v := rec[len(rec)-leafValueSize:]
	return RecordID{
		Page: PageID{
			FileID:  FileID(int32(byteOrder.Uint32(v[0:4]))),
			PageNum: PageNum(int32(byteOrder.Uint32(v[4:8]))),
		},
		Slot: int32(byteOrder.Uint32(v[8:12])),
	}
}

func encodeRecordID(rid RecordID) []byte {
	v := make([]byte, leafValueSize)
	byteOrder.PutUint32(v[0:4], uint32(rid.Page.FileID))
	byteOrder.PutUint32(v[4:8], uint32(rid.Page.PageNum))
	byteOrder.PutUint32(v[8:12], uint32(rid.Slot))
	return v
}

// KeyCmp orders two encoded composite keys. B+Tree nodes never compare
// keys byte-wise directly: composite keys can embed variable-length
// TEXT fields, so only a schema-aware comparator (CompareIndexKeys,
// supplied by the index's owner) orders them correctly.
type KeyCmp func(a, b []byte) int

// search returns the index of the first slot whose key is >= key
// (sorted insertion point / lower bound).
func (bp *BTreePage) search(key []byte, cmp KeyCmp) int {
	lo, hi := 0, bp.SlotCount()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(bp.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindChild returns the child to descend into for key on an internal page.
func (bp *BTreePage) FindChild(key []byte, cmp KeyCmp) PageNum {
	pos := bp.search(key, cmp)
	if pos < bp.SlotCount() && cmp(bp.Key(pos), key) == 0 {
		pos++ // equal separator routes to its right child
	}
	if pos == 0 {
		return bp.ChildAt(0)
	}
	if pos >= bp.SlotCount() {
		return bp.RightChild()
	}
	return bp.ChildAt(pos - 1)
}

// Find looks for an exact key match in a leaf page.
func (bp *BTreePage) Find(key []byte, cmp KeyCmp) (int, bool) {
	pos := bp.search(key, cmp)
	if pos < bp.SlotCount() && cmp(bp.Key(pos), key) == 0 {
		return pos, true
	}
	return -1, false
}

func (bp *BTreePage) insertAt(pos int, key, value []byte) error {
	rec := make([]byte, len(key)+len(value))
	copy(rec, key)
	copy(rec[len(key):], value)

	if bp.FreeSpace()-btreeSlotEntrySize < len(rec) {
		return newErr(KindInvalidArg, "insertAt", fmt.Errorf("btree page full: need %d, have %d", len(rec), bp.FreeSpace()-btreeSlotEntrySize))
	}

	newOff := bp.freeSpaceOffset() - len(rec)
	copy(bp.buf[newOff:], rec)
	bp.setFreeSpaceOffset(newOff)

	sc := bp.SlotCount()
	bp.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		bp.setSlot(i, bp.getSlot(i-1))
	}
	bp.setSlot(pos, btreeSlot{KeyOff: uint16(newOff), KeySize: uint16(len(key))})
	return nil
}

// InsertSeparator inserts (key, child) into an internal page at its
// sorted position.
func (bp *BTreePage) InsertSeparator(key []byte, child PageNum, cmp KeyCmp) error {
	v := make([]byte, internalValueSize)
	byteOrder.PutUint32(v, uint32(child))
	pos := bp.search(key, cmp)
	return bp.insertAt(pos, key, v)
}

// InsertLeafEntry inserts (key, rid) into a leaf page at its sorted
// position, returning the slot index used.
func (bp *BTreePage) InsertLeafEntry(key []byte, rid RecordID, cmp KeyCmp) (int, error) {
	pos := bp.search(key, cmp)
	if err := bp.insertAt(pos, key, encodeRecordID(rid)); err != nil {
		return -1, err
	}
	return pos, nil
}

// DeleteAt removes the slot at pos, shifting later slots left. Space in
// the payload area is not reclaimed until the page is split or
// rewritten wholesale — matching the append-only record area used
// elsewhere in the storage layer.
func (bp *BTreePage) DeleteAt(pos int) error {
	sc := bp.SlotCount()
	if pos < 0 || pos >= sc {
		return newErr(KindInvalidArg, "DeleteAt", fmt.Errorf("slot %d out of range", pos))
	}
	for i := pos; i < sc-1; i++ {
		bp.setSlot(i, bp.getSlot(i+1))
	}
	bp.setSlot(sc-1, btreeSlot{})
	bp.setSlotCount(sc - 1)
	return nil
}

// Rebuild rewrites the page's payload area compactly from scratch,
// preserving slot order, reclaiming space left by prior deletes. The
// B+Tree's merge and redistribute paths do not call it, so space freed
// by DeleteAt stays unreclaimed there.
func (bp *BTreePage) Rebuild(pageSize int) {
	type kv struct {
		key   []byte
		value []byte
	}
	sc := bp.SlotCount()
	entries := make([]kv, sc)
	for i := 0; i < sc; i++ {
		s := bp.getSlot(i)
		key := make([]byte, s.KeySize)
		copy(key, bp.buf[s.KeyOff:int(s.KeyOff)+int(s.KeySize)])
		valOff := int(s.KeyOff) + int(s.KeySize)
		value := make([]byte, bp.valueSize())
		copy(value, bp.buf[valOff:valOff+bp.valueSize()])
		entries[i] = kv{key, value}
	}

	off := pageSize
	for i := sc - 1; i >= 0; i-- {
		rec := append(append([]byte{}, entries[i].key...), entries[i].value...)
		off -= len(rec)
		copy(bp.buf[off:], rec)
		bp.setSlot(i, btreeSlot{KeyOff: uint16(off), KeySize: uint16(len(entries[i].key))})
	}
	bp.setFreeSpaceOffset(off)
}

// Bytes returns the underlying page buffer.
func (bp *BTreePage) Bytes() []byte { return bp.buf }
