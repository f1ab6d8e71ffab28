package niledb

import (
	"fmt"
	"sync"

	"github.com/niledb/niledb/internal/pager"
)

// Reserved file ids for the three bootstrap tables and their free-space
// maps. These never change; every other table/index is assigned a file
// id deterministically from the order its row first appears in the
// relevant reserved heap, reconstructed on every reopen (see
// loadSchemas and loadIndexes). Catalog rows persist table/index/column
// names, never raw file ids, matching spec's NILEDB_META_DATA column
// list exactly; the NDB_INDEX_META "file_id" column is carried for
// schema parity with the source catalog but addressing is always by
// filename, not by the stored integer (see DESIGN.md).
const (
	fidMetaData     pager.FileID = 1
	fidMetaDataFSM  pager.FileID = 2
	fidIndexMeta    pager.FileID = 3
	fidIndexMetaFSM pager.FileID = 4
	fidIndexKeys    pager.FileID = 5
	fidIndexKeysFSM pager.FileID = 6

	firstTableFileID pager.FileID = 1000
	firstIndexFileID pager.FileID = 100000
)

var metaDataSchema = &Schema{
	TableName: "NILEDB_META_DATA",
	Columns: []ColumnDef{
		{Name: "table_name", Type: ColText},
		{Name: "col_name", Type: ColText},
		{Name: "col_type", Type: ColInt32},
		{Name: "col_offset", Type: ColInt32},
		{Name: "nullable", Type: ColBool},
		{Name: "primary", Type: ColBool},
		{Name: "foreign", Type: ColBool},
		{Name: "unique", Type: ColBool},
	},
}

var indexMetaSchema = &Schema{
	TableName: "NDB_INDEX_META",
	Columns: []ColumnDef{
		{Name: "index_name", Type: ColText},
		{Name: "table_name", Type: ColText},
		{Name: "file_id", Type: ColInt32},
		{Name: "root_page_num", Type: ColInt32},
		{Name: "is_unique", Type: ColBool},
		{Name: "nkey_cols", Type: ColInt32},
	},
}

var indexKeysSchema = &Schema{
	TableName: "NDB_INDEX_KEYS",
	Columns: []ColumnDef{
		{Name: "index_name", Type: ColText},
		{Name: "col_name", Type: ColText},
		{Name: "col_pos", Type: ColInt32},
		{Name: "desc", Type: ColBool},
	},
}

// IndexKeyField names one column participating in a composite index, in
// the order it contributes to the key, with an optional descending sort.
type IndexKeyField struct {
	Col  string
	Desc bool
}

type tableEntry struct {
	schema *Schema
	fid    pager.FileID
	fsmFid pager.FileID
	heap   *pager.TableHeap
	fsm    *pager.FreeSpaceMap
}

type indexEntry struct {
	name      string
	tableName string
	fid       pager.FileID
	unique    bool
	cols      []IndexKeyField
	tree      *pager.BTreeIndex
	metaRID   pager.RecordID
}

// Catalog owns the three reserved metadata tables and every user table
// and index registered against them. It is the only component that
// translates between typed Tuples and the byte records the storage
// layer stores, and the only component that dispatches a write to every
// index built on the affected table.
type Catalog struct {
	dir      string
	pageSize int
	bp       *pager.BufferPool
	fm       *pager.FileManager

	mu             sync.RWMutex
	tables         map[string]*tableEntry
	indexes        map[string]*indexEntry
	indexesByTable map[string][]string

	metaHeap      *pager.TableHeap
	metaFSM       *pager.FreeSpaceMap
	indexMetaHeap *pager.TableHeap
	indexMetaFSM  *pager.FreeSpaceMap
	indexKeysHeap *pager.TableHeap
	indexKeysFSM  *pager.FreeSpaceMap

	nextTableFileID pager.FileID
	nextIndexFileID pager.FileID
}

// OpenCatalog bootstraps the reserved metadata tables (creating them if
// this is a brand-new database directory) and loads every previously
// registered table and index schema into memory.
func OpenCatalog(dir string, bp *pager.BufferPool, fm *pager.FileManager, pageSize int) (*Catalog, error) {
	c := &Catalog{
		dir:             dir,
		pageSize:        pageSize,
		bp:              bp,
		fm:              fm,
		tables:          make(map[string]*tableEntry),
		indexes:         make(map[string]*indexEntry),
		indexesByTable:  make(map[string][]string),
		nextTableFileID: firstTableFileID,
		nextIndexFileID: firstIndexFileID,
	}

	var err error
	c.metaHeap, c.metaFSM, err = c.openOrCreateHeap("NILEDB_META_DATA", fidMetaData, fidMetaDataFSM)
	if err != nil {
		return nil, err
	}
	c.indexMetaHeap, c.indexMetaFSM, err = c.openOrCreateHeap("NDB_INDEX_META", fidIndexMeta, fidIndexMetaFSM)
	if err != nil {
		return nil, err
	}
	c.indexKeysHeap, c.indexKeysFSM, err = c.openOrCreateHeap("NDB_INDEX_KEYS", fidIndexKeys, fidIndexKeysFSM)
	if err != nil {
		return nil, err
	}

	if err := c.loadSchemas(); err != nil {
		return nil, err
	}
	if err := c.loadIndexes(); err != nil {
		return nil, err
	}
	return c, nil
}

// openOrCreateHeap registers name's two files (heap + free-space map)
// against fid/fsmFid and opens them, creating a fresh heap if this is
// the first time the pair has been registered.
func (c *Catalog) openOrCreateHeap(name string, fid, fsmFid pager.FileID) (*pager.TableHeap, *pager.FreeSpaceMap, error) {
	if err := c.fm.Register(fid, name+".ndb"); err != nil {
		return nil, nil, err
	}
	if err := c.fm.Register(fsmFid, name+"_fsm.ndb"); err != nil {
		return nil, nil, err
	}
	fsm := pager.NewFreeSpaceMap(fsmFid, c.bp, c.pageSize)

	count, err := c.fm.PageCount(fid)
	if err != nil {
		return nil, nil, err
	}
	if count <= 1 {
		heap, err := pager.CreateTableHeap(fid, c.bp, fsm, c.pageSize)
		return heap, fsm, err
	}
	last, err := pager.FindLastPage(c.bp, fid, 1)
	if err != nil {
		return nil, nil, err
	}
	return pager.OpenTableHeap(fid, c.bp, fsm, c.pageSize, 1, last), fsm, nil
}

// loadSchemas replays NILEDB_META_DATA, grouping rows by table_name in
// the order they were first appended — which, since the catalog never
// deletes a table, is exactly table creation order. Each newly seen
// table name is assigned the next table file id in that same order, so
// the assignment is reproduced identically across reopens without
// persisting the id anywhere.
func (c *Catalog) loadSchemas() error {
	order := []string{}
	cols := map[string][]ColumnDef{}

	it, err := c.metaHeap.Begin()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		_, raw, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row, err := DecodeTuple(metaDataSchema, raw)
		if err != nil {
			return err
		}
		tname := row[0].Text
		if _, seen := cols[tname]; !seen {
			order = append(order, tname)
		}
		cols[tname] = append(cols[tname], ColumnDef{
			Name:       row[1].Text,
			Type:       ColType(row[2].I32),
			Nullable:   row[4].Bool,
			PrimaryKey: row[5].Bool,
			ForeignKey: row[6].Bool,
			Unique:     row[7].Bool,
		})
	}

	for _, tname := range order {
		fid := c.nextTableFileID
		fsmFid := fid + 1
		c.nextTableFileID += 2

		heap, fsm, err := c.openOrCreateHeap(tname, fid, fsmFid)
		if err != nil {
			return err
		}
		c.tables[tname] = &tableEntry{
			schema: &Schema{TableName: tname, Columns: cols[tname]},
			fid:    fid,
			fsmFid: fsmFid,
			heap:   heap,
			fsm:    fsm,
		}
	}
	return nil
}

// loadIndexes replays NDB_INDEX_META and NDB_INDEX_KEYS the same way
// loadSchemas replays the column catalog.
func (c *Catalog) loadIndexes() error {
	type meta struct {
		name, table string
		root        pager.PageNum
		unique      bool
		rid         pager.RecordID
	}
	order := []string{}
	metas := map[string]meta{}

	it, err := c.indexMetaHeap.Begin()
	if err != nil {
		return err
	}
	for {
		rid, raw, ok, err := it.Next()
		if err != nil {
			it.Close()
			return err
		}
		if !ok {
			break
		}
		row, err := DecodeTuple(indexMetaSchema, raw)
		if err != nil {
			it.Close()
			return err
		}
		name := row[0].Text
		order = append(order, name)
		metas[name] = meta{
			name:   name,
			table:  row[1].Text,
			root:   pager.PageNum(row[3].I32),
			unique: row[4].Bool,
			rid:    rid,
		}
	}
	it.Close()

	keyCols := map[string][]IndexKeyField{}
	kit, err := c.indexKeysHeap.Begin()
	if err != nil {
		return err
	}
	for {
		_, raw, ok, err := kit.Next()
		if err != nil {
			kit.Close()
			return err
		}
		if !ok {
			break
		}
		row, err := DecodeTuple(indexKeysSchema, raw)
		if err != nil {
			kit.Close()
			return err
		}
		name := row[0].Text
		keyCols[name] = append(keyCols[name], IndexKeyField{Col: row[1].Text, Desc: row[3].Bool})
	}
	kit.Close()

	for _, name := range order {
		m := metas[name]
		fid := c.nextIndexFileID
		c.nextIndexFileID++
		if err := c.fm.Register(fid, name+".ndb"); err != nil {
			return err
		}
		cols := keyCols[name]
		cmp := indexComparator(cols)
		tree := pager.OpenBTreeIndex(fid, c.bp, c.pageSize, m.unique, m.root, cmp)
		c.indexes[name] = &indexEntry{
			name: name, tableName: m.table, fid: fid, unique: m.unique,
			cols: cols, tree: tree, metaRID: m.rid,
		}
		c.indexesByTable[m.table] = append(c.indexesByTable[m.table], name)
	}
	return nil
}

func indexComparator(cols []IndexKeyField) pager.KeyCmp {
	desc := make([]bool, len(cols))
	for i, c := range cols {
		desc[i] = c.Desc
	}
	return func(a, b []byte) int { return pager.CompareIndexKeys(a, b, desc) }
}

// CreateTable registers a brand-new table, persists one NILEDB_META_DATA
// row per column, and allocates its heap and free-space-map files.
func (c *Catalog) CreateTable(name string, cols []ColumnDef) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, newErr(KindInvalidArg, "CreateTable", fmt.Errorf("table %q already exists", name))
	}

	fid := c.nextTableFileID
	fsmFid := fid + 1
	c.nextTableFileID += 2

	heap, fsm, err := c.openOrCreateHeap(name, fid, fsmFid)
	if err != nil {
		return nil, err
	}

	for i, col := range cols {
		row := Tuple{
			TextValue(name),
			TextValue(col.Name),
			Int32Value(int32(col.Type)),
			Int32Value(int32(i)),
			BoolValue(col.Nullable),
			BoolValue(col.PrimaryKey),
			BoolValue(col.ForeignKey),
			BoolValue(col.Unique),
		}
		rec, err := EncodeTuple(metaDataSchema, row)
		if err != nil {
			return nil, err
		}
		if _, err := c.metaHeap.InsertRecord(rec); err != nil {
			return nil, err
		}
	}

	schema := &Schema{TableName: name, Columns: append([]ColumnDef{}, cols...)}
	c.tables[name] = &tableEntry{schema: schema, fid: fid, fsmFid: fsmFid, heap: heap, fsm: fsm}
	return schema, nil
}

// GetSchema returns the schema registered for name, if any.
func (c *Catalog) GetSchema(name string) (*Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	te, ok := c.tables[name]
	if !ok {
		return nil, false
	}
	return te.schema, true
}

// CreateIndex builds a new B+Tree index over table's fields, persists
// its metadata, and backfills it from every row already in the table.
func (c *Catalog) CreateIndex(table, name string, fields []IndexKeyField, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	te, ok := c.tables[table]
	if !ok {
		return newErr(KindNotFound, "CreateIndex", fmt.Errorf("table %q not found", table))
	}
	if _, exists := c.indexes[name]; exists {
		return newErr(KindInvalidArg, "CreateIndex", fmt.Errorf("index %q already exists", name))
	}
	for _, f := range fields {
		if te.schema.ColIndex(f.Col) < 0 {
			return newErr(KindSchemaMismatch, "CreateIndex", fmt.Errorf("table %q has no column %q", table, f.Col))
		}
	}

	fid := c.nextIndexFileID
	c.nextIndexFileID++
	if err := c.fm.Register(fid, name+".ndb"); err != nil {
		return err
	}

	cmp := indexComparator(fields)
	tree, err := pager.CreateBTreeIndex(fid, c.bp, c.pageSize, unique, cmp)
	if err != nil {
		return err
	}

	ie := &indexEntry{name: name, tableName: table, fid: fid, unique: unique, cols: fields, tree: tree}
	if err := c.backfillIndex(te, ie); err != nil {
		return err
	}

	rid, err := c.insertIndexMetaRow(ie)
	if err != nil {
		return err
	}
	ie.metaRID = rid
	if err := c.insertIndexKeyRows(ie); err != nil {
		return err
	}

	c.indexes[name] = ie
	c.indexesByTable[table] = append(c.indexesByTable[table], name)
	return nil
}

func (c *Catalog) backfillIndex(te *tableEntry, ie *indexEntry) error {
	it, err := te.heap.Begin()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		rid, raw, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		tuple, err := DecodeTuple(te.schema, raw)
		if err != nil {
			return err
		}
		key, err := c.deriveKey(ie, te.schema, tuple, rid)
		if err != nil {
			return err
		}
		if err := ie.tree.Insert(key, rid); err != nil {
			return err
		}
	}
}

func (c *Catalog) insertIndexMetaRow(ie *indexEntry) (pager.RecordID, error) {
	row := Tuple{
		TextValue(ie.name),
		TextValue(ie.tableName),
		Int32Value(int32(ie.fid)),
		Int32Value(int32(ie.tree.Root())),
		BoolValue(ie.unique),
		Int32Value(int32(len(ie.cols))),
	}
	rec, err := EncodeTuple(indexMetaSchema, row)
	if err != nil {
		return pager.InvalidRecordID, err
	}
	return c.indexMetaHeap.InsertRecord(rec)
}

func (c *Catalog) insertIndexKeyRows(ie *indexEntry) error {
	for i, f := range ie.cols {
		row := Tuple{
			TextValue(ie.name),
			TextValue(f.Col),
			Int32Value(int32(i)),
			BoolValue(f.Desc),
		}
		rec, err := EncodeTuple(indexKeysSchema, row)
		if err != nil {
			return err
		}
		if _, err := c.indexKeysHeap.InsertRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// persistRootIfChanged rewrites ie's NDB_INDEX_META row in place (via
// its known record-id, never by scanning) when a split or merge moved
// the tree's root page.
func (c *Catalog) persistRootIfChanged(ie *indexEntry, before pager.PageNum) error {
	after := ie.tree.Root()
	if after == before {
		return nil
	}
	row := Tuple{
		TextValue(ie.name),
		TextValue(ie.tableName),
		Int32Value(int32(ie.fid)),
		Int32Value(int32(after)),
		BoolValue(ie.unique),
		Int32Value(int32(len(ie.cols))),
	}
	rec, err := EncodeTuple(indexMetaSchema, row)
	if err != nil {
		return err
	}
	rid, err := c.indexMetaHeap.UpdateRecord(ie.metaRID, rec)
	if err != nil {
		return err
	}
	ie.metaRID = rid
	return nil
}

func (c *Catalog) deriveKey(ie *indexEntry, schema *Schema, tuple Tuple, rid pager.RecordID) ([]byte, error) {
	fields := make([]pager.IndexField, len(ie.cols))
	for i, f := range ie.cols {
		idx := schema.ColIndex(f.Col)
		fields[i] = valueToIndexField(tuple[idx])
	}
	key, err := pager.EncodeIndexKey(fields)
	if err != nil {
		return nil, err
	}
	if !ie.unique {
		key = pager.AppendRIDSuffix(key, rid.Page.PageNum, rid.Slot)
	}
	return key, nil
}

func valueToIndexField(v Value) pager.IndexField {
	if v.Null {
		return pager.NullField()
	}
	switch v.typeOf() {
	case ColBool:
		if v.Bool {
			return pager.Int32Field(1)
		}
		return pager.Int32Field(0)
	case ColInt64:
		return pager.Int64Field(v.I64)
	case ColFloat32:
		return pager.Float32Field(v.F32)
	case ColText:
		return pager.TextField([]byte(v.Text))
	default:
		return pager.Int32Field(v.I32)
	}
}

// Insert translates tuple to a record, stores it in table's heap, and
// updates every index built on the table. If any index rejects the
// insert (a unique-constraint violation), the heap insert and any
// already-updated indexes are undone so the statement fails cleanly.
func (c *Catalog) Insert(table string, tuple Tuple) (pager.RecordID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	te, ok := c.tables[table]
	if !ok {
		return pager.InvalidRecordID, newErr(KindNotFound, "Insert", fmt.Errorf("table %q not found", table))
	}
	rec, err := EncodeTuple(te.schema, tuple)
	if err != nil {
		return pager.InvalidRecordID, err
	}
	rid, err := te.heap.InsertRecord(rec)
	if err != nil {
		return pager.InvalidRecordID, err
	}

	applied := 0
	names := c.indexesByTable[table]
	for _, iname := range names {
		ie := c.indexes[iname]
		key, err := c.deriveKey(ie, te.schema, tuple, rid)
		if err != nil {
			c.rollbackInsert(te, rid, names[:applied])
			return pager.InvalidRecordID, err
		}
		before := ie.tree.Root()
		if err := ie.tree.Insert(key, rid); err != nil {
			c.rollbackInsert(te, rid, names[:applied])
			return pager.InvalidRecordID, err
		}
		applied++
		if err := c.persistRootIfChanged(ie, before); err != nil {
			return pager.InvalidRecordID, err
		}
	}
	return rid, nil
}

func (c *Catalog) rollbackInsert(te *tableEntry, rid pager.RecordID, applied []string) {
	for _, iname := range applied {
		ie := c.indexes[iname]
		key, err := c.deriveKey(ie, te.schema, mustTuple(te, rid), rid)
		if err == nil {
			_ = ie.tree.Delete(key)
		}
	}
	_ = te.heap.DeleteRecord(rid)
}

func mustTuple(te *tableEntry, rid pager.RecordID) Tuple {
	raw, err := te.heap.GetRecord(rid)
	if err != nil {
		return nil
	}
	t, _ := DecodeTuple(te.schema, raw)
	return t
}

// DeleteByRid removes rid from table: every index entry derived from
// its current tuple is removed first, then the heap record itself.
func (c *Catalog) DeleteByRid(table string, rid pager.RecordID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	te, ok := c.tables[table]
	if !ok {
		return newErr(KindNotFound, "DeleteByRid", fmt.Errorf("table %q not found", table))
	}
	raw, err := te.heap.GetRecord(rid)
	if err != nil {
		return err
	}
	tuple, err := DecodeTuple(te.schema, raw)
	if err != nil {
		return err
	}

	for _, iname := range c.indexesByTable[table] {
		ie := c.indexes[iname]
		key, err := c.deriveKey(ie, te.schema, tuple, rid)
		if err != nil {
			return err
		}
		before := ie.tree.Root()
		if err := ie.tree.Delete(key); err != nil {
			return err
		}
		if err := c.persistRootIfChanged(ie, before); err != nil {
			return err
		}
	}
	return te.heap.DeleteRecord(rid)
}

// UpdateByRid replaces the tuple at rid. Like the underlying heap
// operation this is delete-then-insert: the returned RecordID may
// differ from rid.
func (c *Catalog) UpdateByRid(table string, rid pager.RecordID, tuple Tuple) (pager.RecordID, error) {
	if err := c.DeleteByRid(table, rid); err != nil {
		return pager.InvalidRecordID, err
	}
	return c.Insert(table, tuple)
}

// TableIterator walks every live tuple of table in heap order.
func (c *Catalog) TableIterator(table string) (*TupleIterator, error) {
	c.mu.RLock()
	te, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return nil, newErr(KindNotFound, "TableIterator", fmt.Errorf("table %q not found", table))
	}
	it, err := te.heap.Begin()
	if err != nil {
		return nil, err
	}
	return &TupleIterator{it: it, schema: te.schema}, nil
}

// TupleIterator decodes each heap record as it is visited.
type TupleIterator struct {
	it     *pager.HeapIterator
	schema *Schema
}

// Next returns the next live (RecordID, Tuple) pair, or ok=false when
// the scan is exhausted.
func (t *TupleIterator) Next() (pager.RecordID, Tuple, bool, error) {
	rid, raw, ok, err := t.it.Next()
	if err != nil || !ok {
		return pager.InvalidRecordID, nil, false, err
	}
	tuple, err := DecodeTuple(t.schema, raw)
	if err != nil {
		return pager.InvalidRecordID, nil, false, err
	}
	return rid, tuple, true, nil
}

// Close releases any page the iterator still holds.
func (t *TupleIterator) Close() { t.it.Close() }

// IndexIterator returns a cursor over every (key, RecordID) pair in
// index order, starting from the smallest key.
func (c *Catalog) IndexIterator(indexName string) (*pager.Cursor, error) {
	c.mu.RLock()
	ie, ok := c.indexes[indexName]
	c.mu.RUnlock()
	if !ok {
		return nil, newErr(KindNotFound, "IndexIterator", fmt.Errorf("index %q not found", indexName))
	}
	return ie.tree.Seek(nil)
}

// IndexSeek returns a cursor starting at the first key >= the composite
// key built from searchValues, in the index's own field order.
func (c *Catalog) IndexSeek(indexName string, searchValues []Value) (*pager.Cursor, error) {
	c.mu.RLock()
	ie, ok := c.indexes[indexName]
	c.mu.RUnlock()
	if !ok {
		return nil, newErr(KindNotFound, "IndexSeek", fmt.Errorf("index %q not found", indexName))
	}
	if len(searchValues) > len(ie.cols) {
		return nil, newErr(KindInvalidArg, "IndexSeek", fmt.Errorf("index %q has %d key columns, got %d search values", indexName, len(ie.cols), len(searchValues)))
	}
	fields := make([]pager.IndexField, len(searchValues))
	for i, v := range searchValues {
		fields[i] = valueToIndexField(v)
	}
	key, err := pager.EncodeIndexKey(fields)
	if err != nil {
		return nil, err
	}
	return ie.tree.Seek(key)
}

// FlushAll writes back every dirty buffered page.
func (c *Catalog) FlushAll() error {
	return c.bp.FlushAllPages()
}
