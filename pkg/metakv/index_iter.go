// ABOUTME: Range-scan iterator over the key index
// ABOUTME: Walks leaves in key order by backtracking through ancestor pages

package metakv

import "bytes"

// indexIter walks the key index in ascending key order, one leaf entry
// at a time.
type indexIter struct {
	idx  *keyIndex
	path []indexPage // root-to-leaf stack
	pos  []uint16    // position within each page on the path
}

func (idx *keyIndex) newIter() *indexIter {
	return &indexIter{
		idx:  idx,
		path: make([]indexPage, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// seekLE positions the iterator at the last key <= key, returning
// false if the index is empty.
func (it *indexIter) seekLE(key []byte) bool {
	it.path = it.path[:0]
	it.pos = it.pos[:0]

	if it.idx.root == 0 {
		return false
	}

	p := indexPage(it.idx.get(it.idx.root))
	for {
		it.path = append(it.path, p)
		i := pageLookupLE(p, key)
		it.pos = append(it.pos, i)

		if p.btype() == pageLeaf {
			break
		}
		p = indexPage(it.idx.get(p.getPtr(i)))
	}
	return true
}

func (it *indexIter) valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return pos < leaf.nkeys()
}

func (it *indexIter) key() []byte {
	if !it.valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return leaf.getKey(pos)
}

func (it *indexIter) val() []byte {
	if !it.valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return leaf.getVal(pos)
}

// next advances to the next key, backtracking up the path and
// descending to the leftmost leaf under the next unexhausted sibling.
func (it *indexIter) next() bool {
	if len(it.path) == 0 {
		return false
	}

	leafIdx := len(it.pos) - 1
	it.pos[leafIdx]++

	leaf := it.path[leafIdx]
	if it.pos[leafIdx] < leaf.nkeys() {
		return true
	}

	it.path = it.path[:leafIdx]
	it.pos = it.pos[:leafIdx]

	for len(it.pos) > 0 {
		parentIdx := len(it.pos) - 1
		it.pos[parentIdx]++

		parent := it.path[parentIdx]
		if it.pos[parentIdx] < parent.nkeys() {
			return it.descendLeftmost()
		}

		it.path = it.path[:parentIdx]
		it.pos = it.pos[:parentIdx]
	}
	return false
}

func (it *indexIter) descendLeftmost() bool {
	for {
		parentIdx := len(it.path) - 1
		parent := it.path[parentIdx]
		pos := it.pos[parentIdx]

		child := indexPage(it.idx.get(parent.getPtr(pos)))
		it.path = append(it.path, child)

		if child.btype() == pageLeaf {
			it.pos = append(it.pos, 0)
			return true
		}
		it.pos = append(it.pos, 0)
	}
}

// scan calls cb for every key >= start in ascending order until cb
// returns false.
func (idx *keyIndex) scan(start []byte, cb func(key, val []byte) bool) {
	it := idx.newIter()
	if !it.seekLE(start) {
		return
	}

	// Skip the empty sentinel key and any key before start.
	if len(it.key()) == 0 || bytes.Compare(it.key(), start) < 0 {
		if !it.next() {
			return
		}
	}

	for it.valid() {
		if !cb(it.key(), it.val()) {
			return
		}
		if !it.next() {
			return
		}
	}
}
