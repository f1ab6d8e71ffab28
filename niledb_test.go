package niledb

import (
	"bytes"
	"sort"
	"testing"

	"github.com/niledb/niledb/internal/pager"
)

func openTestDB(t *testing.T, pageSize int) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), Options{PageSize: pageSize, PoolFrames: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func intCols() []ColumnDef {
	return []ColumnDef{{Name: "i", Type: ColInt32}}
}

func scanInts(t *testing.T, db *DB, table string) []int32 {
	t.Helper()
	it, err := db.TableIterator(table)
	if err != nil {
		t.Fatalf("TableIterator: %v", err)
	}
	defer it.Close()
	var got []int32
	for {
		_, tuple, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, tuple[0].I32)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	return got
}

// A subsequent full scan returns exactly the set of live records;
// tombstones left by deletes are never observed.
func TestFullScanReflectsLiveRecords(t *testing.T) {
	db := openTestDB(t, 512)
	if _, err := db.CreateTable("t", intCols()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	type row struct {
		rid pager.RecordID
		val int32
	}
	var rows []row
	for i := int32(0); i < 20; i++ {
		rid, err := db.Insert("t", Tuple{Int32Value(i)})
		if err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		rows = append(rows, row{rid: rid, val: i})
	}

	var want []int32
	for i, r := range rows {
		if i%3 == 0 {
			if err := db.DeleteByRid("t", r.rid); err != nil {
				t.Fatalf("DeleteByRid: %v", err)
			}
			continue
		}
		want = append(want, r.val)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := scanInts(t, db, "t")
	if len(got) != len(want) {
		t.Fatalf("scan returned %d rows, want %d: got=%v want=%v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// Overflow: a value large enough to spill to an overflow chain round-
// trips intact through the table heap.
func TestOverflowRoundTrip(t *testing.T) {
	db := openTestDB(t, 256)
	cols := []ColumnDef{
		{Name: "id", Type: ColInt32},
		{Name: "payload", Type: ColText},
	}
	if _, err := db.CreateTable("big", cols); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = 'x'
	}
	rid, err := db.Insert("big", Tuple{Int32Value(1), TextValue(string(payload))})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	it, err := db.TableIterator("big")
	if err != nil {
		t.Fatalf("TableIterator: %v", err)
	}
	_, tuple, ok, err := it.Next()
	it.Close()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if len(tuple[1].Text) != 2000 {
		t.Fatalf("payload length = %d, want 2000", len(tuple[1].Text))
	}
	for _, b := range []byte(tuple[1].Text) {
		if b != 'x' {
			t.Fatalf("payload corrupted")
		}
	}

	if err := db.DeleteByRid("big", rid); err != nil {
		t.Fatalf("DeleteByRid: %v", err)
	}
}

// A unique index rejects a duplicate key and leaves the table and
// every other index unaffected by the failed insert.
func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	db := openTestDB(t, 512)
	if _, err := db.CreateTable("t", intCols()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.CreateIndex("t", "t_by_i", []IndexKeyField{{Col: "i"}}, true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if _, err := db.Insert("t", Tuple{Int32Value(7)}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Insert("t", Tuple{Int32Value(7)}); err == nil {
		t.Fatal("expected duplicate key to be rejected")
	} else if KindOf(err) != KindDuplicateKey {
		t.Fatalf("KindOf = %v, want KindDuplicateKey", KindOf(err))
	}

	got := scanInts(t, db, "t")
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("scan after rejected duplicate = %v, want [7]", got)
	}
}

// A B+Tree index range-scanned end to end yields the sorted insertion
// set regardless of insert order, including across root splits.
func TestIndexScanIsSorted(t *testing.T) {
	db := openTestDB(t, 256)
	if _, err := db.CreateTable("t", intCols()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.CreateIndex("t", "t_by_i", []IndexKeyField{{Col: "i"}}, true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	values := []int32{10, 20, 5, 30, 25, 15, 1, 40, 35, 22}
	for _, v := range values {
		if _, err := db.Insert("t", Tuple{Int32Value(v)}); err != nil {
			t.Fatalf("Insert(%d): %v", v, err)
		}
	}

	cur, err := db.IndexIterator("t_by_i")
	if err != nil {
		t.Fatalf("IndexIterator: %v", err)
	}
	defer cur.Close()

	want := append([]int32{}, values...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	wantKeys := make([][]byte, len(want))
	for i, v := range want {
		k, err := pager.EncodeIndexKey([]pager.IndexField{pager.Int32Field(v)})
		if err != nil {
			t.Fatalf("EncodeIndexKey: %v", err)
		}
		wantKeys[i] = k
	}

	var gotKeys [][]byte
	for {
		key, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		gotKeys = append(gotKeys, append([]byte{}, key...))
	}
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("index scan returned %d entries, want %d", len(gotKeys), len(wantKeys))
	}
	for i := range wantKeys {
		if !bytes.Equal(gotKeys[i], wantKeys[i]) {
			t.Fatalf("index scan[%d] out of order", i)
		}
	}
}

// Deleting a key through the table-level delete path makes it
// unreachable via a subsequent index seek while every other key
// remains reachable.
func TestIndexSeekAfterDelete(t *testing.T) {
	db := openTestDB(t, 512)
	if _, err := db.CreateTable("t", intCols()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.CreateIndex("t", "t_by_i", []IndexKeyField{{Col: "i"}}, true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	rids := map[int32]pager.RecordID{}
	for _, v := range []int32{1, 2, 3, 4, 5} {
		rid, err := db.Insert("t", Tuple{Int32Value(v)})
		if err != nil {
			t.Fatalf("Insert(%d): %v", v, err)
		}
		rids[v] = rid
	}

	if err := db.DeleteByRid("t", rids[3]); err != nil {
		t.Fatalf("DeleteByRid: %v", err)
	}

	deletedKey, err := pager.EncodeIndexKey([]pager.IndexField{pager.Int32Field(3)})
	if err != nil {
		t.Fatalf("EncodeIndexKey: %v", err)
	}

	cur, err := db.IndexSeek("t_by_i", []Value{Int32Value(3)})
	if err != nil {
		t.Fatalf("IndexSeek: %v", err)
	}
	key, _, ok, err := cur.Next()
	cur.Close()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok && bytes.Equal(key, deletedKey) {
		t.Fatalf("key 3 still reachable after delete")
	}

	for _, v := range []int32{1, 2, 4, 5} {
		cur, err := db.IndexSeek("t_by_i", []Value{Int32Value(v)})
		if err != nil {
			t.Fatalf("IndexSeek(%d): %v", v, err)
		}
		_, _, ok, err := cur.Next()
		cur.Close()
		if err != nil || !ok {
			t.Fatalf("key %d should still be reachable: ok=%v err=%v", v, ok, err)
		}
	}
}

// Persistence across restart: values survive a close/reopen cycle with
// no duplicated schema row.
func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, Options{PageSize: 512, PoolFrames: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.CreateTable("t", intCols()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for i := int32(1); i <= 1000; i++ {
		if _, err := db.Insert("t", Tuple{Int32Value(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := db.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, Options{PageSize: 512, PoolFrames: 32})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	got := scanInts(t, db2, "t")
	if len(got) != 1000 {
		t.Fatalf("reopened scan returned %d rows, want 1000", len(got))
	}
	for i, v := range got {
		if v != int32(i+1) {
			t.Fatalf("reopened scan[%d] = %d, want %d", i, v, i+1)
		}
	}

	schema, ok := db2.GetSchema("t")
	if !ok {
		t.Fatal("schema not found after reopen")
	}
	if len(schema.Columns) != 1 {
		t.Fatalf("schema has %d columns after reopen, want 1 (no duplicated metadata rows)", len(schema.Columns))
	}
}

// Reopening the same directory from a second DB handle before the
// first is closed must fail: the directory lock is exclusive.
func TestSecondOpenIsRejected(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{PageSize: 512, PoolFrames: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := Open(dir, Options{PageSize: 512, PoolFrames: 32}); err == nil {
		t.Fatal("expected second Open of the same directory to fail")
	}
}

func TestInstanceIDStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{PageSize: 512, PoolFrames: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1 := db.InstanceID()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, Options{PageSize: 512, PoolFrames: 32})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if db2.InstanceID() != id1 {
		t.Fatalf("InstanceID changed across reopen: %v != %v", db2.InstanceID(), id1)
	}
}
