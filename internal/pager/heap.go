package pager

import "fmt"

// overflowInlineReserve bounds how large a record may be before it is
// split across overflow pages: any record that wouldn't otherwise fit
// inline on a fresh data page needs to spill.
const overflowInlineReserve = 64

// heapRecordHeader prefixes every stored record:
//
//	[0:1]  flags — bit 0 set if the record has an overflow continuation
//	[1:5]  inline length (u32) — bytes of payload stored on this page
//	[5:9]  overflow head page number (0 if none)
//	[9:13] total logical length (u32), inline + everything overflowed
const (
	heapFlagsOff   = 0
	heapInlineOff  = 1
	heapOverflowOff = 5
	heapTotalOff   = 9
	heapHeaderSize = 13

	heapFlagOverflow byte = 1 << 0
)

// TableHeap stores variable-length tuples across a chain of slotted
// data pages, using overflow chains for values too large to fit
// inline, and a FreeSpaceMap to pick a target page for each insert.
type TableHeap struct {
	fid      FileID
	bp       *BufferPool
	fsm      *FreeSpaceMap
	pageSize int

	firstPage PageNum
	lastPage  PageNum
}

// CreateTableHeap allocates the first data page of a brand-new heap.
func CreateTableHeap(fid FileID, bp *BufferPool, fsm *FreeSpaceMap, pageSize int) (*TableHeap, error) {
	p, err := bp.NewPage(fid)
	if err != nil {
		return nil, err
	}
	p.Latch()
	InitDataPage(p.Data(), p.ID().PageNum)
	p.Unlatch()
	if err := bp.UnpinPage(p.ID(), true); err != nil {
		return nil, err
	}
	return &TableHeap{fid: fid, bp: bp, fsm: fsm, pageSize: pageSize, firstPage: p.ID().PageNum, lastPage: p.ID().PageNum}, nil
}

// OpenTableHeap wraps an existing heap whose first/last data pages the
// caller already knows (the catalog passes page 1 and the tail found by
// FindLastPage).
func OpenTableHeap(fid FileID, bp *BufferPool, fsm *FreeSpaceMap, pageSize int, firstPage, lastPage PageNum) *TableHeap {
	return &TableHeap{fid: fid, bp: bp, fsm: fsm, pageSize: pageSize, firstPage: firstPage, lastPage: lastPage}
}

func (h *TableHeap) pid(pn PageNum) PageID { return PageID{FileID: h.fid, PageNum: pn} }

// FirstPage returns the page number of the heap's first data page.
func (h *TableHeap) FirstPage() PageNum { return h.firstPage }

// LastPage returns the page number of the heap's current last data page.
func (h *TableHeap) LastPage() PageNum { return h.lastPage }

// FindLastPage walks the sibling chain from firstPage to find the
// current tail, for callers reopening a heap without a persisted
// last-page pointer.
func FindLastPage(bp *BufferPool, fid FileID, firstPage PageNum) (PageNum, error) {
	pn := firstPage
	for {
		p, err := bp.FetchPage(PageID{FileID: fid, PageNum: pn})
		if err != nil {
			return 0, err
		}
		p.RLatch()
		next := WrapDataPage(p.Data()).NextPage()
		p.RUnlatch()
		if err := bp.UnpinPage(p.ID(), false); err != nil {
			return 0, err
		}
		if next == 0 {
			return pn, nil
		}
		pn = next
	}
}

func maxInlinePayload(pageSize int) int {
	// One slot entry plus the record header must still fit alongside
	// at least a minimal page's worth of other bookkeeping.
	return pageSize - dataSlotDirOff - dataSlotEntrySize - heapHeaderSize - overflowInlineReserve
}

// InsertRecord stores data as a new tuple and returns its RecordID.
// Values that don't fit inline on a single page are split: a header
// prefix stays on the heap page, the remainder spills across a chain
// of overflow pages owned exclusively by this record.
func (h *TableHeap) InsertRecord(data []byte) (RecordID, error) {
	maxInline := maxInlinePayload(h.pageSize)

	inline := data
	var overflowHead PageNum
	total := len(data)
	if len(data) > maxInline {
		inline = data[:maxInline]
		rest := data[maxInline:]
		head, err := h.writeOverflowChain(rest)
		if err != nil {
			return InvalidRecordID, err
		}
		overflowHead = head
	}

	rec := make([]byte, heapHeaderSize+len(inline))
	if overflowHead != 0 {
		rec[heapFlagsOff] = heapFlagOverflow
	}
	byteOrder.PutUint32(rec[heapInlineOff:], uint32(len(inline)))
	byteOrder.PutUint32(rec[heapOverflowOff:], uint32(overflowHead))
	byteOrder.PutUint32(rec[heapTotalOff:], uint32(total))
	copy(rec[heapHeaderSize:], inline)

	pn, err := h.pickInsertPage(len(rec))
	if err != nil {
		return InvalidRecordID, err
	}

	page, err := h.bp.FetchPage(h.pid(pn))
	if err != nil {
		return InvalidRecordID, err
	}
	page.Latch()
	dp := WrapDataPage(page.Data())
	slot, err := dp.InsertRecord(rec)
	used := dp.UsedBytes()
	page.Unlatch()
	if err != nil {
		_ = h.bp.UnpinPage(page.ID(), false)
		return InvalidRecordID, err
	}
	if uerr := h.bp.UnpinPage(page.ID(), true); uerr != nil {
		return InvalidRecordID, uerr
	}
	_ = h.fsm.UpdateFreeSpace(pn, used)

	return RecordID{Page: h.pid(pn), Slot: int32(slot)}, nil
}

// pickInsertPage asks the free-space map for the first candidate page
// with room for needed bytes and checks that page's real free space. It
// falls back to a fresh page appended to the heap's chain when the map
// offers no candidate or that first candidate lacks room; later
// candidates are not tried.
func (h *TableHeap) pickInsertPage(needed int) (PageNum, error) {
	if pn, ok, err := h.fsm.FindPageWithSpace(h.firstPage, 64, needed); err != nil {
		return 0, err
	} else if ok {
		page, err := h.bp.FetchPage(h.pid(pn))
		if err == nil {
			page.RLatch()
			room := WrapDataPage(page.Data()).FreeSpace()
			page.RUnlatch()
			_ = h.bp.UnpinPage(page.ID(), false)
			if room >= needed+dataSlotEntrySize {
				return pn, nil
			}
		}
	}
	return h.appendPage()
}

// appendPage allocates a new data page and links it to the end of the
// heap's sibling chain.
func (h *TableHeap) appendPage() (PageNum, error) {
	newPage, err := h.bp.NewPage(h.fid)
	if err != nil {
		return 0, err
	}
	newPage.Latch()
	InitDataPage(newPage.Data(), newPage.ID().PageNum)
	WrapDataPage(newPage.Data()).SetPrevPage(h.lastPage)
	newPage.Unlatch()
	if err := h.bp.UnpinPage(newPage.ID(), true); err != nil {
		return 0, err
	}

	oldLast, err := h.bp.FetchPage(h.pid(h.lastPage))
	if err != nil {
		return 0, err
	}
	oldLast.Latch()
	WrapDataPage(oldLast.Data()).SetNextPage(newPage.ID().PageNum)
	oldLast.Unlatch()
	if err := h.bp.UnpinPage(oldLast.ID(), true); err != nil {
		return 0, err
	}

	h.lastPage = newPage.ID().PageNum
	return h.lastPage, nil
}

// GetRecord returns the full logical tuple bytes for rid, transparently
// reassembling any overflow chain.
func (h *TableHeap) GetRecord(rid RecordID) ([]byte, error) {
	page, err := h.bp.FetchPage(rid.Page)
	if err != nil {
		return nil, err
	}
	page.RLatch()
	dp := WrapDataPage(page.Data())
	raw, rerr := dp.GetRecord(SlotIdx(rid.Slot))
	var header [heapHeaderSize]byte
	var inline []byte
	var total int
	var overflowHead PageNum
	if rerr == nil {
		copy(header[:], raw[:heapHeaderSize])
		inlineLen := int(byteOrder.Uint32(header[heapInlineOff:]))
		total = int(byteOrder.Uint32(header[heapTotalOff:]))
		overflowHead = PageNum(byteOrder.Uint32(header[heapOverflowOff:]))
		inline = append([]byte{}, raw[heapHeaderSize:heapHeaderSize+inlineLen]...)
	}
	page.RUnlatch()
	_ = h.bp.UnpinPage(page.ID(), false)
	if rerr != nil {
		return nil, rerr
	}

	if overflowHead == 0 {
		return inline, nil
	}
	rest, err := h.readOverflowChain(overflowHead, total-len(inline))
	if err != nil {
		return nil, err
	}
	return append(inline, rest...), nil
}

// DeleteRecord tombstones rid's slot and releases any overflow chain
// it owned back to the free-space pool.
func (h *TableHeap) DeleteRecord(rid RecordID) error {
	page, err := h.bp.FetchPage(rid.Page)
	if err != nil {
		return err
	}
	page.Latch()
	dp := WrapDataPage(page.Data())
	raw, rerr := dp.GetRecord(SlotIdx(rid.Slot))
	var overflowHead PageNum
	if rerr == nil {
		overflowHead = PageNum(byteOrder.Uint32(raw[heapOverflowOff:]))
		rerr = dp.DeleteRecord(SlotIdx(rid.Slot))
	}
	used := dp.UsedBytes()
	page.Unlatch()
	if rerr != nil {
		_ = h.bp.UnpinPage(page.ID(), false)
		return rerr
	}
	if err := h.bp.UnpinPage(page.ID(), true); err != nil {
		return err
	}
	_ = h.fsm.UpdateFreeSpace(rid.Page.PageNum, used)

	if overflowHead != 0 {
		return h.freeOverflowChain(overflowHead)
	}
	return nil
}

// UpdateRecord replaces the tuple at rid with data. This is always a
// delete-then-insert: in-place growth isn't attempted, so rid does not
// survive an update that changes the record's page or slot.
func (h *TableHeap) UpdateRecord(rid RecordID, data []byte) (RecordID, error) {
	if err := h.DeleteRecord(rid); err != nil {
		return InvalidRecordID, err
	}
	return h.InsertRecord(data)
}

// HeapIterator walks every live record across the heap's page chain in
// page order, pinning at most one page at a time.
type HeapIterator struct {
	h       *TableHeap
	page    *Page
	dp      *DataPage
	slot    int
	done    bool
}

// Begin returns an iterator positioned before the first record.
func (h *TableHeap) Begin() (*HeapIterator, error) {
	page, err := h.bp.FetchPage(h.pid(h.firstPage))
	if err != nil {
		return nil, err
	}
	page.RLatch()
	return &HeapIterator{h: h, page: page, dp: WrapDataPage(page.Data()), slot: 0}, nil
}

// Next advances to the next live record, returning its id and bytes.
func (it *HeapIterator) Next() (RecordID, []byte, bool, error) {
	if it.done {
		return InvalidRecordID, nil, false, nil
	}
	for {
		for it.slot < it.dp.SlotCount() {
			if it.dp.IsTombstone(it.slot) {
				it.slot++
				continue
			}
			rid := RecordID{Page: it.page.ID(), Slot: int32(it.slot)}
			it.slot++
			it.page.RUnlatch()
			full, err := it.h.GetRecord(rid)
			it.page.RLatch()
			if err != nil {
				it.close()
				return InvalidRecordID, nil, false, err
			}
			return rid, full, true, nil
		}
		next := it.dp.NextPage()
		it.page.RUnlatch()
		_ = it.h.bp.UnpinPage(it.page.ID(), false)
		if next == 0 {
			it.done = true
			return InvalidRecordID, nil, false, nil
		}
		p, err := it.h.bp.FetchPage(it.h.pid(next))
		if err != nil {
			it.done = true
			return InvalidRecordID, nil, false, err
		}
		p.RLatch()
		it.page = p
		it.dp = WrapDataPage(p.Data())
		it.slot = 0
	}
}

func (it *HeapIterator) close() {
	if !it.done {
		it.page.RUnlatch()
		_ = it.h.bp.UnpinPage(it.page.ID(), false)
		it.done = true
	}
}

// Close releases any page the iterator is still holding.
func (it *HeapIterator) Close() { it.close() }

// writeOverflowChain stores data across as many overflow pages as
// needed and returns the head page number.
func (h *TableHeap) writeOverflowChain(data []byte) (PageNum, error) {
	var head, prev PageNum
	var prevPage *Page

	remaining := data
	for len(remaining) > 0 || head == 0 {
		p, err := h.bp.NewPage(h.fid)
		if err != nil {
			return 0, err
		}
		p.Latch()
		InitOverflowPage(p.Data())
		op := WrapOverflowPage(p.Data())
		n := len(remaining)
		if n > op.MaxPayload() {
			n = op.MaxPayload()
		}
		if err := op.SetContent(remaining[:n]); err != nil {
			p.Unlatch()
			_ = h.bp.UnpinPage(p.ID(), false)
			return 0, err
		}
		remaining = remaining[n:]
		p.Unlatch()

		if head == 0 {
			head = p.ID().PageNum
		}
		if prevPage != nil {
			prevPage.Latch()
			WrapOverflowPage(prevPage.Data()).SetNextPage(p.ID().PageNum)
			prevPage.Unlatch()
			_ = h.bp.UnpinPage(prevPage.ID(), true)
		}
		prevPage = p
		prev = p.ID().PageNum
		if len(remaining) == 0 {
			break
		}
	}
	_ = prev
	if prevPage != nil {
		_ = h.bp.UnpinPage(prevPage.ID(), true)
	}
	return head, nil
}

// readOverflowChain walks the chain starting at head, reading exactly
// total bytes.
func (h *TableHeap) readOverflowChain(head PageNum, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	pn := head
	for pn != 0 {
		p, err := h.bp.FetchPage(h.pid(pn))
		if err != nil {
			return nil, err
		}
		p.RLatch()
		op := WrapOverflowPage(p.Data())
		out = append(out, op.Content()...)
		next := op.NextPage()
		p.RUnlatch()
		_ = h.bp.UnpinPage(p.ID(), false)
		pn = next
	}
	if len(out) != total {
		return nil, newErr(KindIO, "readOverflowChain", fmt.Errorf("overflow chain yielded %d bytes, expected %d", len(out), total))
	}
	return out, nil
}

// freeOverflowChain returns every page in the chain starting at head to
// the file's freelist.
func (h *TableHeap) freeOverflowChain(head PageNum) error {
	pn := head
	for pn != 0 {
		id := h.pid(pn)
		p, err := h.bp.FetchPage(id)
		if err != nil {
			return err
		}
		p.RLatch()
		next := WrapOverflowPage(p.Data()).NextPage()
		p.RUnlatch()
		if err := h.bp.UnpinPage(id, false); err != nil {
			return err
		}
		if err := h.bp.DeletePage(id); err != nil {
			return err
		}
		pn = next
	}
	return nil
}
