package pager

import (
	"log"
	"sync"
)

// BufferPool is a fixed-size cache of page frames backed by a
// FileManager, with LRU-K eviction, pin/unpin discipline, and dirty
// tracking. Its mutex protects the page table, free list, and replacer
// metadata, never page bytes. It is held across file I/O: the read in
// FetchPage, the allocation in NewPage, the writes in FlushPage and
// FlushAllPages, and the write-back of a dirty victim on eviction.
type BufferPool struct {
	mu        sync.Mutex
	fm        *FileManager
	frames    []*Page
	free      []int // indices into frames that hold no page
	pageTable map[PageID]int
	replacer  *lruKReplacer
	pageSize  int
	logger    *log.Logger
}

// NewBufferPool creates a pool of poolSize frames using LRU-K(k) eviction.
func NewBufferPool(fm *FileManager, poolSize, k, pageSize int, logger *log.Logger) *BufferPool {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	bp := &BufferPool{
		fm:        fm,
		frames:    make([]*Page, poolSize),
		pageTable: make(map[PageID]int, poolSize),
		replacer:  newLRUKReplacer(k),
		pageSize:  pageSize,
		logger:    logger,
	}
	for i := 0; i < poolSize; i++ {
		bp.free = append(bp.free, i)
	}
	return bp
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// acquireFrame returns a free frame index, evicting a victim if the
// pool is full. Caller must hold bp.mu.
func (bp *BufferPool) acquireFrame() (int, error) {
	if n := len(bp.free); n > 0 {
		idx := bp.free[n-1]
		bp.free = bp.free[:n-1]
		return idx, nil
	}

	frameIdx, ok := bp.replacer.Evict()
	if !ok {
		return -1, newErr(KindFullPool, "acquireFrame", nil)
	}
	victim := bp.frames[frameIdx]
	if victim.dirty {
		if err := bp.fm.WritePage(victim.id, victim.data); err != nil {
			// Put the victim's frame back; it is still resident.
			bp.replacer.SetEvictable(frameIdx, true)
			return -1, err
		}
		victim.dirty = false
	}
	delete(bp.pageTable, victim.id)
	bp.replacer.Remove(frameIdx)
	return frameIdx, nil
}

// NewPage allocates a fresh page on disk for fid and pins it in the
// pool. The caller must Unpin it when done.
func (bp *BufferPool) NewPage(fid FileID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, bp.pageSize)
	id, err := bp.fm.AllocateNewPage(fid, buf)
	if err != nil {
		bp.free = append(bp.free, frameIdx)
		return nil, err
	}

	p := newPage(id, bp.pageSize)
	copy(p.data, buf)
	p.pinCount = 1
	bp.frames[frameIdx] = p
	bp.pageTable[id] = frameIdx
	bp.replacer.RecordAccess(frameIdx)
	bp.replacer.SetEvictable(frameIdx, false)
	return p, nil
}

// FetchPage returns the page with the given id, pinning it. Reads
// through from disk on a cache miss.
func (bp *BufferPool) FetchPage(id PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if idx, ok := bp.pageTable[id]; ok {
		p := bp.frames[idx]
		p.pinCount++
		bp.replacer.RecordAccess(idx)
		bp.replacer.SetEvictable(idx, false)
		return p, nil
	}

	frameIdx, err := bp.acquireFrame()
	if err != nil {
		return nil, err
	}

	p := newPage(id, bp.pageSize)
	if err := bp.fm.ReadPage(id, p.data); err != nil {
		bp.free = append(bp.free, frameIdx)
		return nil, newErr(KindPageNotFound, "FetchPage", err)
	}
	p.pinCount = 1
	bp.frames[frameIdx] = p
	bp.pageTable[id] = frameIdx
	bp.replacer.RecordAccess(frameIdx)
	bp.replacer.SetEvictable(frameIdx, false)
	return p, nil
}

// UnpinPage decrements a page's pin count. If dirty is true, the
// page's dirty flag is OR'd in. Once the pin count reaches zero the
// frame becomes evictable.
func (bp *BufferPool) UnpinPage(id PageID, dirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, ok := bp.pageTable[id]
	if !ok {
		return newErr(KindPageNotFound, "UnpinPage", nil)
	}
	p := bp.frames[idx]
	if p.pinCount == 0 {
		return newErr(KindInvalidArg, "UnpinPage", nil)
	}
	if dirty {
		p.dirty = true
	}
	p.pinCount--
	if p.pinCount == 0 {
		bp.replacer.SetEvictable(idx, true)
	}
	return nil
}

// FlushPage writes a resident, dirty page through to disk.
func (bp *BufferPool) FlushPage(id PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	idx, ok := bp.pageTable[id]
	if !ok {
		return nil
	}
	p := bp.frames[idx]
	if !p.dirty {
		return nil
	}
	if err := bp.fm.WritePage(id, p.data); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// FlushAllPages flushes every dirty resident frame.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for id, idx := range bp.pageTable {
		p := bp.frames[idx]
		if !p.dirty {
			continue
		}
		if err := bp.fm.WritePage(id, p.data); err != nil {
			return err
		}
		p.dirty = false
	}
	return nil
}

// DeletePage removes a page from the pool and tells the file manager
// to add it to its freelist. The page must be unpinned.
func (bp *BufferPool) DeletePage(id PageID) error {
	bp.mu.Lock()
	idx, ok := bp.pageTable[id]
	if ok {
		p := bp.frames[idx]
		if p.pinCount != 0 {
			bp.mu.Unlock()
			return newErr(KindInvalidArg, "DeletePage", nil)
		}
		delete(bp.pageTable, id)
		bp.replacer.Remove(idx)
		bp.frames[idx] = nil
		bp.free = append(bp.free, idx)
	}
	bp.mu.Unlock()
	return bp.fm.DeallocatePage(id)
}

// DeleteFile evicts every resident frame belonging to fid, then asks
// the file manager to unlink the underlying file.
func (bp *BufferPool) DeleteFile(fid FileID) error {
	bp.mu.Lock()
	for id, idx := range bp.pageTable {
		if id.FileID != fid {
			continue
		}
		delete(bp.pageTable, id)
		bp.replacer.Remove(idx)
		bp.frames[idx] = nil
		bp.free = append(bp.free, idx)
	}
	bp.mu.Unlock()
	return bp.fm.DeleteFile(fid)
}
