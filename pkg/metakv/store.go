package metakv

// Store is the contract madengine's core depends on for metadata
// persistence: atomic put/get/delete of byte keys to byte values. The
// allocator's global free-list snapshot and every chunk's metadata row
// live behind this interface.
//
// *KV is the reference implementation; a host process can bind any
// embedded key-value store that satisfies it.
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool)
	Delete(key []byte) error
}

// Scanner is satisfied by store implementations that can additionally
// enumerate rows in key order. Not part of the core contract; nothing in
// madengine calls it.
type Scanner interface {
	Scan(start []byte, fn func(key, val []byte) bool)
}

// Put stores val under key, overwriting any existing value.
func (db *KV) Put(key, val []byte) error {
	return db.Set(key, val)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *KV) Delete(key []byte) error {
	_, err := db.Del(key)
	return err
}

var (
	_ Store   = (*KV)(nil)
	_ Scanner = (*KV)(nil)
)
