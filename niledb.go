// Package niledb implements a single-process, paged-file storage
// engine: a buffered page pool backing slotted data pages, overflow
// chains, a free-space map, B+Tree indexes, and a catalog that ties
// named tables and indexes together. There are no transactions, no
// write-ahead log, and no replication; a statement's effects are made
// in buffered pages and reach disk when those pages are evicted from
// the buffer pool, or at the latest on the next FlushAll or Close.
package niledb

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/niledb/niledb/internal/pager"
)

// Options configures Open. The zero value is valid: every field falls
// back to a sensible default.
type Options struct {
	// PageSize is the size of every page in bytes. Zero means
	// pager.DefaultPageSize.
	PageSize int
	// PoolFrames is the number of page frames the buffer pool holds.
	// Zero means 256.
	PoolFrames int
	// K is the LRU-K lookback depth. Zero means 2.
	K int
	// Logger is handed to the buffer pool, which keeps it; no component
	// writes diagnostics to it. Nil means a logger that discards.
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = pager.DefaultPageSize
	}
	if o.PoolFrames == 0 {
		o.PoolFrames = 256
	}
	if o.K == 0 {
		o.K = 2
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// DB is an open database directory: one buffer pool, one file manager,
// and the catalog of tables and indexes registered against them.
type DB struct {
	dir        string
	fm         *pager.FileManager
	bp         *pager.BufferPool
	catalog    *Catalog
	lock       *dirLock
	instanceID uuid.UUID
}

const instanceIDFileName = "INSTANCE_ID"

// Open opens (creating if necessary) the database directory at dir. A
// second concurrent Open of the same directory, from this process or
// another, fails with KindIO: the directory lock file is held exclusive
// for the lifetime of the returned DB.
func Open(dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr(KindIO, "Open", err)
	}

	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	id, err := loadOrCreateInstanceID(dir)
	if err != nil {
		lock.unlock()
		return nil, err
	}

	fm := pager.NewFileManager(dir, opts.PageSize)
	bp := pager.NewBufferPool(fm, opts.PoolFrames, opts.K, opts.PageSize, opts.Logger)

	cat, err := OpenCatalog(dir, bp, fm, opts.PageSize)
	if err != nil {
		lock.unlock()
		return nil, err
	}

	return &DB{dir: dir, fm: fm, bp: bp, catalog: cat, lock: lock, instanceID: id}, nil
}

// loadOrCreateInstanceID stamps a random instance id on first creation
// of dir and returns the same id on every later reopen, so tests (and
// operators) can detect an accidental mix-up between two database
// directories. This lives in its own small marker file rather than a
// page-0 reserved region: the file manager's header-flush path
// (writeHeaderLocked) always rewrites page 0 in full on Close, which
// would clobber anything else stored there (see DESIGN.md).
func loadOrCreateInstanceID(dir string) (uuid.UUID, error) {
	path := filepath.Join(dir, instanceIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		id, perr := uuid.ParseBytes(raw)
		if perr != nil {
			return uuid.UUID{}, newErr(KindIO, "loadOrCreateInstanceID", fmt.Errorf("corrupt instance id file %q: %w", path, perr))
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return uuid.UUID{}, newErr(KindIO, "loadOrCreateInstanceID", err)
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return uuid.UUID{}, newErr(KindIO, "loadOrCreateInstanceID", err)
	}
	return id, nil
}

// InstanceID returns the random id stamped into the database directory
// when it was first created. It never changes across reopens.
func (db *DB) InstanceID() uuid.UUID { return db.instanceID }

// Close flushes every dirty page, flushes every open file's header, and
// releases the directory lock. The DB must not be used afterward.
func (db *DB) Close() error {
	if err := db.bp.FlushAllPages(); err != nil {
		return err
	}
	if err := db.fm.Close(); err != nil {
		return err
	}
	return db.lock.unlock()
}

// CreateTable registers a new table with the given columns.
func (db *DB) CreateTable(name string, cols []ColumnDef) (*Schema, error) {
	return db.catalog.CreateTable(name, cols)
}

// GetSchema returns the schema registered for name, if any.
func (db *DB) GetSchema(name string) (*Schema, bool) {
	return db.catalog.GetSchema(name)
}

// CreateIndex builds a composite-key index over table's named fields.
func (db *DB) CreateIndex(table, name string, fields []IndexKeyField, unique bool) error {
	return db.catalog.CreateIndex(table, name, fields, unique)
}

// TableIterator returns a forward iterator over every live tuple of
// table, in heap order.
func (db *DB) TableIterator(table string) (*TupleIterator, error) {
	return db.catalog.TableIterator(table)
}

// IndexIterator returns a cursor over every (key, RecordID) pair of an
// index, in ascending key order.
func (db *DB) IndexIterator(index string) (*pager.Cursor, error) {
	return db.catalog.IndexIterator(index)
}

// IndexSeek returns a cursor positioned at the first key greater than
// or equal to the composite key built from searchValues.
func (db *DB) IndexSeek(index string, searchValues []Value) (*pager.Cursor, error) {
	return db.catalog.IndexSeek(index, searchValues)
}

// Insert adds tuple to table and every index built on it.
func (db *DB) Insert(table string, tuple Tuple) (pager.RecordID, error) {
	return db.catalog.Insert(table, tuple)
}

// DeleteByRid removes the tuple identified by rid from table.
func (db *DB) DeleteByRid(table string, rid pager.RecordID) error {
	return db.catalog.DeleteByRid(table, rid)
}

// UpdateByRid replaces the tuple at rid. The returned RecordID may
// differ from rid: an update is a delete followed by an insert.
func (db *DB) UpdateByRid(table string, rid pager.RecordID, tuple Tuple) (pager.RecordID, error) {
	return db.catalog.UpdateByRid(table, rid, tuple)
}

// FlushAll writes back every dirty buffered page without closing the
// database.
func (db *DB) FlushAll() error {
	return db.catalog.FlushAll()
}
