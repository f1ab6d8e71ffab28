package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// requiredExt is the only filename extension the file manager accepts.
const requiredExt = ".ndb"

// fileHeaderSize is the size of the reserved region at the start of
// page 0 of every file: 4 bytes freelist head + 4 bytes page count.
// The rest of page 0 is reserved.
const fileHeaderSize = 8

// byteOrder is the single byte order used for every multi-byte on-disk
// integer: little-endian, fixed rather than left to host endianness.
var byteOrder = binary.LittleEndian

// openFile is the file manager's per-file cached state: the open
// handle plus the header fields (freelist head, page count) that are
// only written back to disk on Close.
type openFile struct {
	f            *os.File
	path         string
	freelistHead PageNum // 0 = empty freelist
	pageCount    PageNum // total allocated pages, including header page
	mu           sync.Mutex
}

// FileManager maps FileID to an open file, reading and writing
// fixed-size pages. It owns an explicit fid→path registry rather than
// a process-wide global: the registry lives on the FileManager, which
// is in turn owned by a single database handle.
type FileManager struct {
	mu       sync.Mutex
	dir      string
	pageSize int
	names    map[FileID]string
	files    map[FileID]*openFile
}

// NewFileManager creates a file manager rooted at dir (the database
// directory) using the given page size for every file it manages.
func NewFileManager(dir string, pageSize int) *FileManager {
	return &FileManager{
		dir:      dir,
		pageSize: pageSize,
		names:    make(map[FileID]string),
		files:    make(map[FileID]*openFile),
	}
}

// Register associates a FileID with a filename (relative to the
// database directory, or absolute). The file is not opened until the
// first read/write/allocate against it. name must end in ".ndb".
func (fm *FileManager) Register(fid FileID, name string) error {
	if !strings.HasSuffix(name, requiredExt) {
		return newErr(KindInvalidArg, "Register", fmt.Errorf("filename %q must end in %q", name, requiredExt))
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.names[fid] = name
	return nil
}

func (fm *FileManager) pathFor(fid FileID) (string, error) {
	fm.mu.Lock()
	name, ok := fm.names[fid]
	fm.mu.Unlock()
	if !ok {
		return "", newErr(KindInvalidArg, "pathFor", fmt.Errorf("file id %d not registered", fid))
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(fm.dir, name), nil
}

// ensureOpen lazily opens (creating if absent) the file for fid,
// returning its cached state. Caller must not hold fm.mu.
func (fm *FileManager) ensureOpen(fid FileID) (*openFile, error) {
	fm.mu.Lock()
	of, ok := fm.files[fid]
	fm.mu.Unlock()
	if ok {
		return of, nil
	}

	path, err := fm.pathFor(fid)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(KindIO, "ensureOpen", err)
	}

	of = &openFile{f: f, path: path}
	if isNew {
		of.freelistHead = 0
		of.pageCount = 1
		if err := fm.writeHeaderLocked(of); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		hdr := make([]byte, fm.pageSize)
		if err := fm.readRaw(f, 0, hdr); err != nil {
			f.Close()
			return nil, err
		}
		of.freelistHead = PageNum(byteOrder.Uint32(hdr[0:4]))
		of.pageCount = PageNum(byteOrder.Uint32(hdr[4:8]))
	}

	fm.mu.Lock()
	fm.files[fid] = of
	fm.mu.Unlock()
	return of, nil
}

func (fm *FileManager) writeHeaderLocked(of *openFile) error {
	hdr := make([]byte, fm.pageSize)
	byteOrder.PutUint32(hdr[0:4], uint32(of.freelistHead))
	byteOrder.PutUint32(hdr[4:8], uint32(of.pageCount))
	return fm.writeRaw(of.f, 0, hdr)
}

// readRaw reads exactly len(buf) bytes at the given page number's
// offset. On a short read, the unread tail of buf is zero-filled and
// an error is still returned.
func (fm *FileManager) readRaw(f *os.File, pn PageNum, buf []byte) error {
	off := int64(pn) * int64(fm.pageSize)
	n, err := f.ReadAt(buf, off)
	if n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err == nil {
			err = fmt.Errorf("short read at page %d: got %d of %d bytes", pn, n, len(buf))
		}
	}
	if err != nil {
		return newErr(KindIO, "readRaw", err)
	}
	return nil
}

func (fm *FileManager) writeRaw(f *os.File, pn PageNum, buf []byte) error {
	off := int64(pn) * int64(fm.pageSize)
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return newErr(KindIO, "writeRaw", err)
	}
	if n < len(buf) {
		return newErr(KindIO, "writeRaw", fmt.Errorf("partial write at page %d: wrote %d of %d bytes", pn, n, len(buf)))
	}
	return nil
}

// ReadPage reads a page's raw bytes into out, which must be exactly
// pageSize long.
func (fm *FileManager) ReadPage(id PageID, out []byte) error {
	of, err := fm.ensureOpen(id.FileID)
	if err != nil {
		return err
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	return fm.readRaw(of.f, id.PageNum, out)
}

// WritePage writes buf (exactly pageSize bytes) to the given page.
func (fm *FileManager) WritePage(id PageID, buf []byte) error {
	of, err := fm.ensureOpen(id.FileID)
	if err != nil {
		return err
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	return fm.writeRaw(of.f, id.PageNum, buf)
}

// AllocateNewPage reserves a new page for fid, writing buf as its
// initial content, and returns the new page's PageID. It first tries
// to recycle the head of the file's freelist; if none is free, it
// extends the file.
func (fm *FileManager) AllocateNewPage(fid FileID, buf []byte) (PageID, error) {
	of, err := fm.ensureOpen(fid)
	if err != nil {
		return InvalidPageID, err
	}
	of.mu.Lock()
	defer of.mu.Unlock()

	var pn PageNum
	if of.freelistHead != 0 {
		pn = of.freelistHead
		freed := make([]byte, fm.pageSize)
		if err := fm.readRaw(of.f, pn, freed); err != nil {
			return InvalidPageID, err
		}
		of.freelistHead = PageNum(byteOrder.Uint32(freed[0:4]))
	} else {
		pn = of.pageCount
		of.pageCount++
	}

	if err := fm.writeRaw(of.f, pn, buf); err != nil {
		return InvalidPageID, err
	}
	return PageID{FileID: fid, PageNum: pn}, nil
}

// DeallocatePage pushes a page onto its file's freelist. The page's
// first four bytes are overwritten with the current freelist head.
func (fm *FileManager) DeallocatePage(id PageID) error {
	of, err := fm.ensureOpen(id.FileID)
	if err != nil {
		return err
	}
	of.mu.Lock()
	defer of.mu.Unlock()

	freed := make([]byte, fm.pageSize)
	byteOrder.PutUint32(freed[0:4], uint32(of.freelistHead))
	if err := fm.writeRaw(of.f, id.PageNum, freed); err != nil {
		return err
	}
	of.freelistHead = id.PageNum
	return nil
}

// DeleteFile closes and removes the underlying file for fid.
func (fm *FileManager) DeleteFile(fid FileID) error {
	fm.mu.Lock()
	of, ok := fm.files[fid]
	name := fm.names[fid]
	delete(fm.files, fid)
	delete(fm.names, fid)
	fm.mu.Unlock()

	if ok {
		of.mu.Lock()
		_ = of.f.Close()
		of.mu.Unlock()
	}

	path := name
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(fm.dir, path)
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return newErr(KindIO, "DeleteFile", err)
	}
	return nil
}

// Close flushes every open file's cached header (freelist head, page
// count) back to page 0, then closes the handle.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	files := make([]*openFile, 0, len(fm.files))
	for _, of := range fm.files {
		files = append(files, of)
	}
	fm.mu.Unlock()

	var firstErr error
	for _, of := range files {
		of.mu.Lock()
		if err := fm.writeHeaderLocked(of); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := of.f.Close(); err != nil && firstErr == nil {
			firstErr = newErr(KindIO, "Close", err)
		}
		of.mu.Unlock()
	}
	return firstErr
}

// PageCount returns the current allocated page count for fid
// (including the header page), opening the file lazily if needed.
func (fm *FileManager) PageCount(fid FileID) (PageNum, error) {
	of, err := fm.ensureOpen(fid)
	if err != nil {
		return 0, err
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.pageCount, nil
}
