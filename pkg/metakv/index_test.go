package metakv

import (
	"fmt"
	"testing"
)

// memIndex wires a keyIndex to an in-memory page store so these tests
// can exercise insert/split/delete/merge without touching disk.
type memIndex struct {
	keyIndex
	pages   map[uint64]indexPage
	nextPtr uint64
}

func newMemIndex() *memIndex {
	m := &memIndex{pages: make(map[uint64]indexPage)}
	m.bind(
		func(ptr uint64) []byte {
			p, ok := m.pages[ptr]
			if !ok {
				panic(fmt.Sprintf("unknown page %d", ptr))
			}
			return p
		},
		func(node []byte) uint64 {
			m.nextPtr++
			m.pages[m.nextPtr] = indexPage(node)
			return m.nextPtr
		},
		func(ptr uint64) {
			delete(m.pages, ptr)
		},
	)
	return m
}

func (m *memIndex) set(key, val string) {
	m.insert([]byte(key), []byte(val))
}

func (m *memIndex) get(key string) (string, bool) {
	v, ok := m.lookup([]byte(key))
	if !ok {
		return "", false
	}
	return string(v), true
}

func (m *memIndex) del(key string) bool {
	return m.remove([]byte(key))
}

func TestIndexInsertAndLookup(t *testing.T) {
	idx := newMemIndex()
	idx.set("alpha", "1")
	idx.set("beta", "2")
	idx.set("gamma", "3")

	for key, want := range map[string]string{"alpha": "1", "beta": "2", "gamma": "3"} {
		got, ok := idx.get(key)
		if !ok || got != want {
			t.Errorf("get(%q) = %q, %v, want %q, true", key, got, ok, want)
		}
	}

	if _, ok := idx.get("missing"); ok {
		t.Error("get(missing) should not be found")
	}
}

func TestIndexUpdateOverwritesValue(t *testing.T) {
	idx := newMemIndex()
	idx.set("key", "first")
	idx.set("key", "second")

	got, ok := idx.get("key")
	if !ok || got != "second" {
		t.Errorf("get(key) = %q, %v, want %q, true", got, ok, "second")
	}
}

func TestIndexDelete(t *testing.T) {
	idx := newMemIndex()
	idx.set("alpha", "1")
	idx.set("beta", "2")

	if !idx.del("alpha") {
		t.Fatal("delete(alpha) should report deleted")
	}
	if _, ok := idx.get("alpha"); ok {
		t.Error("alpha should be gone after delete")
	}
	if _, ok := idx.get("beta"); !ok {
		t.Error("beta should survive deleting alpha")
	}
	if idx.del("alpha") {
		t.Error("deleting an absent key should report not deleted")
	}
}

func TestIndexSplitsAcrossManyEntries(t *testing.T) {
	idx := newMemIndex()
	const n = 2000
	for i := 0; i < n; i++ {
		idx.set(fmt.Sprintf("key-%05d", i), fmt.Sprintf("value-%05d", i))
	}
	if len(idx.pages) <= 1 {
		t.Fatalf("expected inserts to split into multiple pages, got %d", len(idx.pages))
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		got, ok := idx.get(key)
		if !ok || got != want {
			t.Fatalf("get(%q) = %q, %v, want %q, true", key, got, ok, want)
		}
	}
}

func TestIndexDeleteMergesPagesBackDown(t *testing.T) {
	idx := newMemIndex()
	const n = 2000
	for i := 0; i < n; i++ {
		idx.set(fmt.Sprintf("key-%05d", i), fmt.Sprintf("value-%05d", i))
	}
	split := len(idx.pages)

	for i := 0; i < n; i++ {
		idx.del(fmt.Sprintf("key-%05d", i))
	}

	if len(idx.pages) >= split {
		t.Errorf("expected page count to shrink after deletes, had %d split pages, %d remain", split, len(idx.pages))
	}
	if _, ok := idx.get("key-00000"); ok {
		t.Error("all keys should be gone")
	}
}

func TestIndexScanReturnsKeysInOrder(t *testing.T) {
	idx := newMemIndex()
	keys := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, k := range keys {
		idx.set(k, k+"-value")
	}

	var seen []string
	idx.scan(nil, func(key, val []byte) bool {
		seen = append(seen, string(key))
		return true
	})

	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	if len(seen) != len(want) {
		t.Fatalf("scan returned %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scan returned %v, want %v", seen, want)
		}
	}
}

func TestIndexScanRespectsStartKeyAndEarlyStop(t *testing.T) {
	idx := newMemIndex()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		idx.set(k, k)
	}

	var seen []string
	idx.scan([]byte("c"), func(key, val []byte) bool {
		seen = append(seen, string(key))
		return len(seen) < 2
	})

	want := []string{"c", "d"}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("scan(start=c, limit 2) = %v, want %v", seen, want)
	}
}
