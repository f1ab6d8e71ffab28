package pager

import (
	"bytes"
	"fmt"
	"sync"
)

// BTreeIndex is a disk-resident B+Tree keyed on composite IndexCell
// bytes, each leaf entry mapping a key to the RecordID of the tuple it
// indexes. One B+Tree lives in one file; FileID is fixed at
// construction.
//
// Traversal uses latch crabbing: descent acquires the child's
// latch before releasing the parent's, and for mutating operations an
// ancestor's latch is released as soon as its child is proven "safe" —
// guaranteed not to split or underflow as a result of the operation —
// so that only the minimal suffix of the path from root to leaf is ever
// held exclusively at once.
type BTreeIndex struct {
	fid      FileID
	bp       *BufferPool
	pageSize int
	unique   bool
	cmp      KeyCmp

	rootMu sync.RWMutex // guards rootPN across root splits/merges
	rootPN PageNum
}

// defaultKeyCmp orders raw bytes directly. This is not the
// CompareIndexKeys order: TEXT fields are preceded by length-dependent
// serial types, and INT32/INT64/FLOAT32 payloads are little-endian, so
// byte order differs from numeric order. Callers wanting typed key
// order must supply a comparator built on CompareIndexKeys.
func defaultKeyCmp(a, b []byte) int { return bytes.Compare(a, b) }

// OpenBTreeIndex wraps an existing tree whose root is already at rootPN.
// cmp may be nil to use raw byte-wise key ordering.
func OpenBTreeIndex(fid FileID, bp *BufferPool, pageSize int, unique bool, rootPN PageNum, cmp KeyCmp) *BTreeIndex {
	if cmp == nil {
		cmp = defaultKeyCmp
	}
	return &BTreeIndex{fid: fid, bp: bp, pageSize: pageSize, unique: unique, rootPN: rootPN, cmp: cmp}
}

// CreateBTreeIndex allocates a new tree with a single empty leaf root.
// cmp may be nil to use raw byte-wise key ordering.
func CreateBTreeIndex(fid FileID, bp *BufferPool, pageSize int, unique bool, cmp KeyCmp) (*BTreeIndex, error) {
	if cmp == nil {
		cmp = defaultKeyCmp
	}
	root, err := bp.NewPage(fid)
	if err != nil {
		return nil, err
	}
	root.Latch()
	InitBTreePage(root.Data(), root.ID().PageNum, true)
	root.Unlatch()
	if err := bp.UnpinPage(root.ID(), true); err != nil {
		return nil, err
	}
	return &BTreeIndex{fid: fid, bp: bp, pageSize: pageSize, unique: unique, rootPN: root.ID().PageNum, cmp: cmp}, nil
}

// Root returns the tree's current root page number.
func (bt *BTreeIndex) Root() PageNum {
	bt.rootMu.RLock()
	defer bt.rootMu.RUnlock()
	return bt.rootPN
}

func (bt *BTreeIndex) pid(pn PageNum) PageID { return PageID{FileID: bt.fid, PageNum: pn} }

// maxKeySize is the largest key this tree will accept. A key plus its
// fixed-size value and slot entry must leave room for at least two
// entries per node so that splits always make progress: (key size +
// 16) * 3 must leave room within the usable page payload.
func (bt *BTreeIndex) maxKeySize() int {
	usable := bt.pageSize - btreeSlotDirOff
	return usable/3 - 16
}

// fetchAndRLatch fetches a page and takes its shared latch.
func (bt *BTreeIndex) fetchAndRLatch(pn PageNum) (*Page, error) {
	p, err := bt.bp.FetchPage(bt.pid(pn))
	if err != nil {
		return nil, err
	}
	p.RLatch()
	return p, nil
}

func (bt *BTreeIndex) releaseR(p *Page) {
	p.RUnlatch()
	_ = bt.bp.UnpinPage(p.ID(), false)
}

func (bt *BTreeIndex) fetchAndLatch(pn PageNum) (*Page, error) {
	p, err := bt.bp.FetchPage(bt.pid(pn))
	if err != nil {
		return nil, err
	}
	p.Latch()
	return p, nil
}

func (bt *BTreeIndex) releaseW(p *Page, dirty bool) {
	p.Unlatch()
	_ = bt.bp.UnpinPage(p.ID(), dirty)
}

// Get returns the RecordID stored under key, if any.
func (bt *BTreeIndex) Get(key []byte) (RecordID, bool, error) {
	pn := bt.Root()
	p, err := bt.fetchAndRLatch(pn)
	if err != nil {
		return RecordID{}, false, err
	}
	for {
		node := WrapBTreePage(p.Data())
		if node.IsLeaf() {
			idx, ok := node.Find(key, bt.cmp)
			if !ok {
				bt.releaseR(p)
				return RecordID{}, false, nil
			}
			rid := node.RecordIDAt(idx)
			bt.releaseR(p)
			return rid, true, nil
		}
		child := node.FindChild(key, bt.cmp)
		next, err := bt.fetchAndRLatch(child)
		if err != nil {
			bt.releaseR(p)
			return RecordID{}, false, err
		}
		bt.releaseR(p)
		p = next
	}
}

// Seek returns a Cursor positioned at the first leaf entry whose key is
// >= key (or the very first entry, if key is nil).
func (bt *BTreeIndex) Seek(key []byte) (*Cursor, error) {
	pn := bt.Root()
	p, err := bt.fetchAndRLatch(pn)
	if err != nil {
		return nil, err
	}
	for {
		node := WrapBTreePage(p.Data())
		if node.IsLeaf() {
			idx := 0
			if key != nil {
				idx = node.search(key, bt.cmp)
			}
			return &Cursor{bt: bt, page: p, node: node, idx: idx}, nil
		}
		var child PageNum
		if key == nil {
			if node.SlotCount() == 0 {
				child = node.RightChild()
			} else {
				child = node.ChildAt(0)
			}
		} else {
			child = node.FindChild(key, bt.cmp)
		}
		next, err := bt.fetchAndRLatch(child)
		if err != nil {
			bt.releaseR(p)
			return nil, err
		}
		bt.releaseR(p)
		p = next
	}
}

// Cursor walks leaf entries in ascending key order, following
// next-leaf pointers and reading one page at a time.
type Cursor struct {
	bt   *BTreeIndex
	page *Page
	node *BTreePage
	idx  int
	done bool
}

// Next advances the cursor and returns the current key/RecordID. ok is
// false once the cursor is exhausted.
func (c *Cursor) Next() (key []byte, rid RecordID, ok bool, err error) {
	if c.done {
		return nil, RecordID{}, false, nil
	}
	for c.idx >= c.node.SlotCount() {
		nextPN := c.node.NextLeaf()
		c.bt.releaseR(c.page)
		if nextPN == 0 {
			c.done = true
			return nil, RecordID{}, false, nil
		}
		p, err := c.bt.fetchAndRLatch(nextPN)
		if err != nil {
			c.done = true
			return nil, RecordID{}, false, err
		}
		c.page = p
		c.node = WrapBTreePage(p.Data())
		c.idx = 0
	}
	k := append([]byte{}, c.node.Key(c.idx)...)
	r := c.node.RecordIDAt(c.idx)
	c.idx++
	return k, r, true, nil
}

// Close releases the cursor's currently-held page, if any.
func (c *Cursor) Close() {
	if !c.done && c.page != nil {
		c.bt.releaseR(c.page)
		c.done = true
	}
}

// Insert adds (key, rid) to the tree. Duplicate keys are rejected when
// the tree is unique.
func (bt *BTreeIndex) Insert(key []byte, rid RecordID) error {
	if len(key) > bt.maxKeySize() {
		return newErr(KindInvalidArg, "Insert", fmt.Errorf("key of %d bytes exceeds limit %d", len(key), bt.maxKeySize()))
	}

	bt.rootMu.Lock()
	defer bt.rootMu.Unlock()

	var path []*Page
	pn := bt.rootPN
	for {
		p, err := bt.fetchAndLatch(pn)
		if err != nil {
			bt.unwindPath(path, false)
			return err
		}
		node := WrapBTreePage(p.Data())
		if bt.isSafeForInsert(node) {
			bt.unwindPath(path, false)
			path = nil
		}
		path = append(path, p)
		if node.IsLeaf() {
			break
		}
		pn = node.FindChild(key, bt.cmp)
	}

	leafPage := path[len(path)-1]
	leaf := WrapBTreePage(leafPage.Data())

	if bt.unique {
		if _, found := leaf.Find(key, bt.cmp); found {
			bt.unwindPath(path, false)
			return newErr(KindDuplicateKey, "Insert", nil)
		}
	}

	if _, err := leaf.InsertLeafEntry(key, rid, bt.cmp); err == nil {
		bt.unwindPath(path, true)
		return nil
	}

	return bt.splitAndInsert(path, key, rid)
}

// isSafeForInsert reports whether node has room for one more maximal
// entry without splitting, so ancestor latches above it can be released.
func (bt *BTreeIndex) isSafeForInsert(node *BTreePage) bool {
	reserve := bt.maxKeySize() + leafValueSize + btreeSlotEntrySize
	return node.FreeSpace() > reserve
}

func (bt *BTreeIndex) unwindPath(path []*Page, dirty bool) {
	for i := len(path) - 1; i >= 0; i-- {
		bt.releaseW(path[i], dirty)
	}
}

// splitAndInsert is called when a leaf was found full. It splits the
// leaf, reattempts the insert into the correct half, and cascades
// separator insertion up through path, splitting internal nodes as
// needed and growing a new root when the split reaches the top.
func (bt *BTreeIndex) splitAndInsert(path []*Page, key []byte, rid RecordID) error {
	leafPage := path[len(path)-1]
	leaf := WrapBTreePage(leafPage.Data())

	newLeafPage, err := bt.bp.NewPage(bt.fid)
	if err != nil {
		bt.unwindPath(path, false)
		return err
	}
	newLeafPage.Latch()
	InitBTreePage(newLeafPage.Data(), newLeafPage.ID().PageNum, true)
	newLeaf := WrapBTreePage(newLeafPage.Data())

	sepKey := bt.splitLeafInto(leaf, newLeaf, key, rid)

	newLeaf.SetNextLeaf(leaf.NextLeaf())
	leaf.SetNextLeaf(newLeafPage.ID().PageNum)
	newLeaf.SetParent(leaf.Parent())

	if len(path) == 1 {
		newRootPage, err := bt.bp.NewPage(bt.fid)
		if err != nil {
			newLeafPage.Unlatch()
			_ = bt.bp.UnpinPage(newLeafPage.ID(), true)
			bt.unwindPath(path, true)
			return err
		}
		newRootPage.Latch()
		InitBTreePage(newRootPage.Data(), newRootPage.ID().PageNum, false)
		newRoot := WrapBTreePage(newRootPage.Data())
		if err := newRoot.InsertSeparator(sepKey, leaf.PageNum(), bt.cmp); err != nil {
			newRootPage.Unlatch()
			_ = bt.bp.UnpinPage(newRootPage.ID(), true)
			newLeafPage.Unlatch()
			_ = bt.bp.UnpinPage(newLeafPage.ID(), true)
			bt.unwindPath(path, true)
			return err
		}
		newRoot.SetRightChild(newLeaf.PageNum())
		leaf.SetParent(newRoot.PageNum())
		newLeaf.SetParent(newRoot.PageNum())

		bt.rootPN = newRootPage.ID().PageNum

		newRootPage.Unlatch()
		_ = bt.bp.UnpinPage(newRootPage.ID(), true)
		newLeafPage.Unlatch()
		_ = bt.bp.UnpinPage(newLeafPage.ID(), true)
		bt.unwindPath(path, true)
		return nil
	}

	newLeafPage.Unlatch()
	_ = bt.bp.UnpinPage(newLeafPage.ID(), true)
	bt.releaseW(leafPage, true)

	return bt.insertSeparatorUp(path[:len(path)-1], sepKey, newLeaf.PageNum(), true)
}

// splitLeafInto moves the upper half of leaf's entries (including the
// new one, inserted logically in sorted order) into newLeaf, returning
// the separator key for the parent: the first key of the right half.
func (bt *BTreeIndex) splitLeafInto(leaf, newLeaf *BTreePage, key []byte, rid RecordID) []byte {
	type ent struct {
		key []byte
		rid RecordID
	}
	n := leaf.SlotCount()
	all := make([]ent, 0, n+1)
	for i := 0; i < n; i++ {
		all = append(all, ent{append([]byte{}, leaf.Key(i)...), leaf.RecordIDAt(i)})
	}
	pos := leaf.search(key, bt.cmp)
	all = append(all[:pos], append([]ent{{key, rid}}, all[pos:]...)...)

	m := len(all)
	leftCount := m / 2 // favors the right half on an odd split

	// Rebuild leaf with an empty slate; InitBTreePage already zeroed it
	// when it was first created, but splitting re-derives from scratch
	// to avoid carrying over stale slot/offset state. The next-leaf and
	// parent links are kept.
	nextLeaf, parentPN := leaf.NextLeaf(), leaf.Parent()
	InitBTreePage(leaf.Bytes(), leaf.PageNum(), true)
	leaf.SetNextLeaf(nextLeaf)
	leaf.SetParent(parentPN)
	for i := 0; i < leftCount; i++ {
		if _, err := leaf.InsertLeafEntry(all[i].key, all[i].rid, bt.cmp); err != nil {
			panic(fmt.Sprintf("split leaf overflow while rebuilding left half: %v", err))
		}
	}
	for i := leftCount; i < m; i++ {
		if _, err := newLeaf.InsertLeafEntry(all[i].key, all[i].rid, bt.cmp); err != nil {
			panic(fmt.Sprintf("split leaf overflow while rebuilding right half: %v", err))
		}
	}
	return all[leftCount].key
}

// insertSeparatorUp inserts (sepKey, rightChild) into the internal node
// at path[len(path)-1], splitting and cascading upward as needed. When
// dirtyLeaves is true the leaf pages further down the path (already
// released) were left dirty.
func (bt *BTreeIndex) insertSeparatorUp(path []*Page, sepKey []byte, rightChild PageNum, dirtyLeaves bool) error {
	parentPage := path[len(path)-1]
	parent := WrapBTreePage(parentPage.Data())

	if err := parent.InsertSeparator(sepKey, rightChild, bt.cmp); err == nil {
		bt.setChildParent(rightChild, parent.PageNum())
		bt.unwindPath(path, true)
		return nil
	}

	newRightPage, err := bt.bp.NewPage(bt.fid)
	if err != nil {
		bt.unwindPath(path, true)
		return err
	}
	newRightPage.Latch()
	InitBTreePage(newRightPage.Data(), newRightPage.ID().PageNum, false)
	newRight := WrapBTreePage(newRightPage.Data())

	upKey := bt.splitInternalInto(parent, newRight, sepKey, rightChild)

	bt.reparentChildren(newRight)
	bt.setChildParent(rightChild, bt.resolveParentOf(newRight, rightChild, parent))

	if len(path) == 1 {
		newRootPage, err := bt.bp.NewPage(bt.fid)
		if err != nil {
			newRightPage.Unlatch()
			_ = bt.bp.UnpinPage(newRightPage.ID(), true)
			bt.unwindPath(path, true)
			return err
		}
		newRootPage.Latch()
		InitBTreePage(newRootPage.Data(), newRootPage.ID().PageNum, false)
		newRoot := WrapBTreePage(newRootPage.Data())
		if err := newRoot.InsertSeparator(upKey, parent.PageNum(), bt.cmp); err != nil {
			newRootPage.Unlatch()
			_ = bt.bp.UnpinPage(newRootPage.ID(), true)
			newRightPage.Unlatch()
			_ = bt.bp.UnpinPage(newRightPage.ID(), true)
			bt.unwindPath(path, true)
			return err
		}
		newRoot.SetRightChild(newRight.PageNum())
		parent.SetParent(newRoot.PageNum())
		newRight.SetParent(newRoot.PageNum())
		bt.rootPN = newRootPage.ID().PageNum

		newRootPage.Unlatch()
		_ = bt.bp.UnpinPage(newRootPage.ID(), true)
		newRightPage.Unlatch()
		_ = bt.bp.UnpinPage(newRightPage.ID(), true)
		bt.unwindPath(path, true)
		return nil
	}

	newRightPage.Unlatch()
	_ = bt.bp.UnpinPage(newRightPage.ID(), true)
	bt.releaseW(parentPage, true)
	return bt.insertSeparatorUp(path[:len(path)-1], upKey, newRight.PageNum(), true)
}

// splitInternalInto distributes parent's separators (plus the pending
// (sepKey, rightChild) insertion) between parent and newRight, and
// returns the separator promoted to the grandparent.
func (bt *BTreeIndex) splitInternalInto(parent, newRight *BTreePage, sepKey []byte, rightChild PageNum) []byte {
	type sep struct {
		key   []byte
		child PageNum
	}
	n := parent.SlotCount()
	all := make([]sep, 0, n+1)
	for i := 0; i < n; i++ {
		all = append(all, sep{append([]byte{}, parent.Key(i)...), parent.ChildAt(i)})
	}
	tailChild := parent.RightChild()

	pos := parent.search(sepKey, bt.cmp)
	all = append(all[:pos], append([]sep{{sepKey, rightChild}}, all[pos:]...)...)

	m := len(all)
	leftCount := m / 2
	upKey := all[leftCount].key

	grandparent := parent.Parent()
	InitBTreePage(parent.Bytes(), parent.PageNum(), false)
	parent.SetParent(grandparent)
	for i := 0; i < leftCount; i++ {
		if err := parent.InsertSeparator(all[i].key, all[i].child, bt.cmp); err != nil {
			panic(fmt.Sprintf("split internal overflow rebuilding left half: %v", err))
		}
	}
	parent.SetRightChild(all[leftCount].child)

	for i := leftCount + 1; i < m; i++ {
		if err := newRight.InsertSeparator(all[i].key, all[i].child, bt.cmp); err != nil {
			panic(fmt.Sprintf("split internal overflow rebuilding right half: %v", err))
		}
	}
	newRight.SetRightChild(tailChild)

	return upKey
}

func (bt *BTreeIndex) reparentChildren(node *BTreePage) {
	for i := 0; i < node.SlotCount(); i++ {
		bt.setChildParent(node.ChildAt(i), node.PageNum())
	}
	bt.setChildParent(node.RightChild(), node.PageNum())
}

func (bt *BTreeIndex) resolveParentOf(newRight *BTreePage, child PageNum, oldParent *BTreePage) PageNum {
	if newRight.RightChild() == child {
		return newRight.PageNum()
	}
	for i := 0; i < newRight.SlotCount(); i++ {
		if newRight.ChildAt(i) == child {
			return newRight.PageNum()
		}
	}
	return oldParent.PageNum()
}

func (bt *BTreeIndex) setChildParent(pn PageNum, parent PageNum) {
	p, err := bt.fetchAndLatch(pn)
	if err != nil {
		return
	}
	WrapBTreePage(p.Data()).SetParent(parent)
	bt.releaseW(p, true)
}

// Delete removes key from the tree. Underflow is resolved by, in
// order: redistributing from the left sibling, redistributing from the
// right sibling, merging into the left sibling, merging the right
// sibling into this node.
func (bt *BTreeIndex) Delete(key []byte) error {
	bt.rootMu.Lock()
	defer bt.rootMu.Unlock()

	var path []*Page
	pn := bt.rootPN
	for {
		p, err := bt.fetchAndLatch(pn)
		if err != nil {
			bt.unwindPath(path, false)
			return err
		}
		node := WrapBTreePage(p.Data())
		if bt.isSafeForDelete(node) {
			bt.unwindPath(path, false)
			path = nil
		}
		path = append(path, p)
		if node.IsLeaf() {
			break
		}
		pn = node.FindChild(key, bt.cmp)
	}

	leafPage := path[len(path)-1]
	leaf := WrapBTreePage(leafPage.Data())
	idx, found := leaf.Find(key, bt.cmp)
	if !found {
		bt.unwindPath(path, false)
		return newErr(KindNotFound, "Delete", nil)
	}
	if err := leaf.DeleteAt(idx); err != nil {
		bt.unwindPath(path, false)
		return err
	}

	if len(path) == 1 || bt.minFill(leaf) {
		bt.unwindPath(path, true)
		return nil
	}

	return bt.fixUnderflow(path, true)
}

func (bt *BTreeIndex) isSafeForDelete(node *BTreePage) bool {
	return !bt.minFill(node)
}

// minFill reports whether node is at or below the minimum occupancy
// that would force a merge/redistribute after one more deletion; an
// empty non-root node or one with a single remaining key is treated as
// underfull.
func (bt *BTreeIndex) minFill(node *BTreePage) bool {
	return node.SlotCount() <= 1
}

// fixUnderflow resolves underflow at path[len(path)-1] using the
// sibling found through its parent at path[len(path)-2].
func (bt *BTreeIndex) fixUnderflow(path []*Page, dirty bool) error {
	node := WrapBTreePage(path[len(path)-1].Data())
	if !bt.minFill(node) || len(path) < 2 {
		bt.unwindPath(path, dirty)
		return nil
	}

	parentPage := path[len(path)-2]
	parent := WrapBTreePage(parentPage.Data())

	leftIdx, rightIdx := bt.findSiblingSlots(parent, node.PageNum())

	if leftIdx >= 0 {
		siblingPN := bt.childAtSlot(parent, leftIdx)
		sib, err := bt.fetchAndLatch(siblingPN)
		if err == nil {
			sibNode := WrapBTreePage(sib.Data())
			if sibNode.SlotCount() > 1 {
				bt.redistributeFromLeft(parent, leftIdx, sibNode, node)
				bt.releaseW(sib, true)
				bt.unwindPath(path, true)
				return nil
			}
			bt.releaseW(sib, false)
		}
	}

	if rightIdx >= 0 {
		siblingPN := bt.childAtSlot(parent, rightIdx)
		sib, err := bt.fetchAndLatch(siblingPN)
		if err == nil {
			sibNode := WrapBTreePage(sib.Data())
			if sibNode.SlotCount() > 1 {
				bt.redistributeFromRight(parent, rightIdx, node, sibNode)
				bt.releaseW(sib, true)
				bt.unwindPath(path, true)
				return nil
			}
			bt.releaseW(sib, false)
		}
	}

	if leftIdx >= 0 {
		siblingPN := bt.childAtSlot(parent, leftIdx)
		sib, err := bt.fetchAndLatch(siblingPN)
		if err == nil {
			// sib (the left sibling) absorbs node's entries and survives;
			// node becomes the orphan to reclaim.
			bt.mergeInto(parent, leftIdx, sib, node)
			bt.releaseW(sib, true)
			if err := bt.removeSeparatorAndChild(parent, leftIdx, node.PageNum()); err != nil {
				bt.unwindPath(path, true)
				return err
			}
			return bt.finishMergeUpward(path, dirty, path[len(path)-1])
		}
	}

	if rightIdx >= 0 {
		siblingPN := bt.childAtSlot(parent, rightIdx)
		sib, err := bt.fetchAndLatch(siblingPN)
		if err == nil {
			sibNode := WrapBTreePage(sib.Data())
			sepSlot := bt.slotOf(parent, node.PageNum())
			// node (the surviving page) absorbs sib's entries; sib
			// becomes the orphan to reclaim.
			bt.mergeInto(parent, sepSlot, path[len(path)-1], sibNode)
			if err := bt.removeSeparatorAndChild(parent, sepSlot, sibNode.PageNum()); err != nil {
				bt.releaseW(sib, false)
				bt.unwindPath(path, true)
				return err
			}
			bt.releaseW(path[len(path)-1], true)
			return bt.finishMergeUpward(path, dirty, sib)
		}
	}

	bt.unwindPath(path, dirty)
	return nil
}

// finishMergeUpward releases and frees orphan, then re-checks the
// parent (now one child and separator short) for its own underflow.
func (bt *BTreeIndex) finishMergeUpward(path []*Page, dirty bool, orphan *Page) error {
	parentPage := path[len(path)-2]
	bt.releaseW(orphan, false)
	_ = bt.bp.DeletePage(orphan.ID())
	remaining := append(path[:len(path)-2], parentPage)
	return bt.fixUnderflow(remaining, dirty)
}

// findSiblingSlots locates the slot indices in parent whose children
// are, respectively, the left and right siblings of childPN. -1 means
// no such sibling exists.
func (bt *BTreeIndex) findSiblingSlots(parent *BTreePage, childPN PageNum) (left, right int) {
	left, right = -1, -1
	n := parent.SlotCount()
	children := make([]PageNum, 0, n+1)
	for i := 0; i < n; i++ {
		children = append(children, parent.ChildAt(i))
	}
	children = append(children, parent.RightChild())

	pos := -1
	for i, c := range children {
		if c == childPN {
			pos = i
			break
		}
	}
	if pos < 0 {
		return -1, -1
	}
	if pos > 0 {
		left = pos - 1
	}
	if pos < len(children)-1 {
		right = pos
	}
	return left, right
}

// childAtSlot maps a slot index from findSiblingSlots back to a child
// page number; index n (parent.SlotCount()) denotes the right child.
func (bt *BTreeIndex) childAtSlot(parent *BTreePage, slot int) PageNum {
	if slot == parent.SlotCount() {
		return parent.RightChild()
	}
	return parent.ChildAt(slot)
}

func (bt *BTreeIndex) slotOf(parent *BTreePage, childPN PageNum) int {
	for i := 0; i < parent.SlotCount(); i++ {
		if parent.ChildAt(i) == childPN {
			return i
		}
	}
	return parent.SlotCount()
}

// redistributeFromLeft moves the left sibling's last entry up into node.
func (bt *BTreeIndex) redistributeFromLeft(parent *BTreePage, leftSlot int, left, node *BTreePage) {
	if node.IsLeaf() {
		last := left.SlotCount() - 1
		key := append([]byte{}, left.Key(last)...)
		rid := left.RecordIDAt(last)
		_ = left.DeleteAt(last)
		if _, err := node.InsertLeafEntry(key, rid, bt.cmp); err != nil {
			panic(err)
		}
		bt.updateSeparatorKey(parent, leftSlot, node.Key(0))
		return
	}
	last := left.SlotCount() - 1
	sep := append([]byte{}, parent.Key(leftSlot)...)
	movedChild := left.RightChild()
	key := append([]byte{}, left.Key(last)...)
	_ = left.DeleteAt(last)
	left.SetRightChild(left.ChildAt(left.SlotCount() - 1))
	if err := node.InsertSeparator(sep, node.RightChild(), bt.cmp); err != nil {
		panic(err)
	}
	node.SetRightChild(movedChild)
	bt.setChildParent(movedChild, node.PageNum())
	bt.updateSeparatorKey(parent, leftSlot, key)
}

// redistributeFromRight moves the right sibling's first entry into node.
func (bt *BTreeIndex) redistributeFromRight(parent *BTreePage, rightSlot int, node, right *BTreePage) {
	if node.IsLeaf() {
		key := append([]byte{}, right.Key(0)...)
		rid := right.RecordIDAt(0)
		_ = right.DeleteAt(0)
		if _, err := node.InsertLeafEntry(key, rid, bt.cmp); err != nil {
			panic(err)
		}
		var newSep []byte
		if right.SlotCount() > 0 {
			newSep = append([]byte{}, right.Key(0)...)
		} else {
			newSep = key
		}
		bt.updateSeparatorKey(parent, rightSlot, newSep)
		return
	}
	sep := append([]byte{}, parent.Key(rightSlot)...)
	movedChild := right.ChildAt(0)
	newSep := append([]byte{}, right.Key(0)...)
	_ = right.DeleteAt(0)
	if err := node.InsertSeparator(sep, movedChild, bt.cmp); err != nil {
		panic(err)
	}
	bt.setChildParent(movedChild, node.PageNum())
	bt.updateSeparatorKey(parent, rightSlot, newSep)
}

func (bt *BTreeIndex) updateSeparatorKey(parent *BTreePage, slot int, newKey []byte) {
	var child PageNum
	if slot == parent.SlotCount() {
		child = parent.RightChild()
	} else {
		child = parent.ChildAt(slot)
	}
	_ = parent.DeleteAt(slot)
	if err := parent.InsertSeparator(newKey, child, bt.cmp); err != nil {
		panic(err)
	}
}

// mergeInto appends right's entries onto the end of left (left and
// right are siblings; sepSlot is the separator between them in parent).
func (bt *BTreeIndex) mergeInto(parent *BTreePage, sepSlot int, leftPage *Page, rightNode *BTreePage) {
	left := WrapBTreePage(leftPage.Data())
	if left.IsLeaf() {
		for i := 0; i < rightNode.SlotCount(); i++ {
			if _, err := left.InsertLeafEntry(rightNode.Key(i), rightNode.RecordIDAt(i), bt.cmp); err != nil {
				panic(err)
			}
		}
		left.SetNextLeaf(rightNode.NextLeaf())
		return
	}
	sep := append([]byte{}, parent.Key(sepSlot)...)
	if err := left.InsertSeparator(sep, left.RightChild(), bt.cmp); err != nil {
		panic(err)
	}
	bt.setChildParent(left.RightChild(), left.PageNum())
	for i := 0; i < rightNode.SlotCount(); i++ {
		child := rightNode.ChildAt(i)
		if err := left.InsertSeparator(rightNode.Key(i), child, bt.cmp); err != nil {
			panic(err)
		}
		bt.setChildParent(child, left.PageNum())
	}
	left.SetRightChild(rightNode.RightChild())
	bt.setChildParent(rightNode.RightChild(), left.PageNum())
}

// removeSeparatorAndChild removes the separator at slot and collapses
// the child reference that pointed at orphanPN. When orphanPN was the
// rightmost child, the last remaining separator's child is promoted to
// take its place.
func (bt *BTreeIndex) removeSeparatorAndChild(parent *BTreePage, slot int, orphanPN PageNum) error {
	if parent.RightChild() == orphanPN {
		if parent.SlotCount() == 0 {
			return nil
		}
		last := parent.SlotCount() - 1
		newRight := parent.ChildAt(last)
		if err := parent.DeleteAt(last); err != nil {
			return err
		}
		parent.SetRightChild(newRight)
		return nil
	}
	return parent.DeleteAt(slot)
}

// HasOverflowCapacity reports whether a value of the given size is
// within this tree's maximum key size (maxKeySize). This limit is the
// tree's own and differs from the table heap's inline threshold.
func (bt *BTreeIndex) HasOverflowCapacity(valueSize int) bool {
	return valueSize <= bt.maxKeySize()
}
