package pager

// FreeSpaceMap tracks, one byte per data page, how full that page is,
// so the table heap can pick a candidate page for an insert without
// scanning the whole file. Each tracked byte is
// used_bytes / (pageSize/256): a coarse 256-bucket occupancy estimate,
// not an exact count, so callers must still confirm a candidate page
// actually has room and fall back to the next candidate or a fresh
// page when it doesn't.
//
// The map lives in its own auxiliary file, one entry per data page in
// file order (data page 0's entry at byte 0, and so on); it is read
// and written through the same FileManager as everything else, paging
// its single byte array a page at a time.
type FreeSpaceMap struct {
	fid      FileID
	bp       *BufferPool
	pageSize int
	granule  int // bytes of heap-page occupancy represented by one unit
}

// NewFreeSpaceMap opens (or, on first use, implicitly creates via the
// buffer pool's lazy file open) the free-space tracking file for fid.
func NewFreeSpaceMap(fid FileID, bp *BufferPool, pageSize int) *FreeSpaceMap {
	granule := pageSize / 256
	if granule < 1 {
		granule = 1
	}
	return &FreeSpaceMap{fid: fid, bp: bp, pageSize: pageSize, granule: granule}
}

func (fsm *FreeSpaceMap) entryLocation(dataPage PageNum) (mapPage PageNum, offset int) {
	idx := int(dataPage)
	perPage := fsm.pageSize
	return PageNum(idx/perPage) + 1, idx % perPage // +1: map page 0 is the file header
}

func (fsm *FreeSpaceMap) fetchMapPage(mapPage PageNum) (*Page, error) {
	id := PageID{FileID: fsm.fid, PageNum: mapPage}
	p, err := fsm.bp.FetchPage(id)
	if KindOf(err) == KindPageNotFound {
		return fsm.growTo(mapPage)
	}
	return p, err
}

// growTo extends the map file with zeroed pages up to and including
// mapPage, returning the requested page pinned.
func (fsm *FreeSpaceMap) growTo(mapPage PageNum) (*Page, error) {
	var last *Page
	for {
		count, err := fsm.bp.fm.PageCount(fsm.fid)
		if err != nil {
			return nil, err
		}
		if count > mapPage {
			break
		}
		p, err := fsm.bp.NewPage(fsm.fid)
		if err != nil {
			return nil, err
		}
		if p.ID().PageNum == mapPage {
			last = p
			break
		}
		_ = fsm.bp.UnpinPage(p.ID(), true)
	}
	if last != nil {
		return last, nil
	}
	return fsm.bp.FetchPage(PageID{FileID: fsm.fid, PageNum: mapPage})
}

// UpdateFreeSpace records page's current occupancy in the map.
func (fsm *FreeSpaceMap) UpdateFreeSpace(page PageNum, usedBytes int) error {
	mapPage, off := fsm.entryLocation(page)
	p, err := fsm.fetchMapPage(mapPage)
	if err != nil {
		return err
	}
	p.Latch()
	bucket := usedBytes / fsm.granule
	if bucket > 255 {
		bucket = 255
	}
	p.Data()[off] = byte(bucket)
	p.Unlatch()
	return fsm.bp.UnpinPage(p.ID(), true)
}

// FindPageWithSpace scans up to maxPages entries starting at hint for a
// page whose recorded occupancy leaves room for a record of needed
// bytes, returning its page number and whether one was found. The
// estimate is coarse; callers must re-check the page's real free space
// before committing to it.
func (fsm *FreeSpaceMap) FindPageWithSpace(hint PageNum, maxPages int, needed int) (PageNum, bool, error) {
	maxBucket := (fsm.pageSize - needed) / fsm.granule

	count, err := fsm.bp.fm.PageCount(fsm.fid)
	if err != nil {
		return 0, false, err
	}
	scanned := 0
	for pn := hint; scanned < maxPages; pn++ {
		mapPage, off := fsm.entryLocation(pn)
		if mapPage >= count {
			break
		}
		p, err := fsm.bp.FetchPage(PageID{FileID: fsm.fid, PageNum: mapPage})
		if err != nil {
			return 0, false, err
		}
		p.RLatch()
		bucket := int(p.Data()[off])
		p.RUnlatch()
		_ = fsm.bp.UnpinPage(p.ID(), false)

		if bucket <= maxBucket {
			return pn, true, nil
		}
		scanned++
	}
	return 0, false, nil
}
