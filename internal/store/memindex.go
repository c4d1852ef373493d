package store

import (
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/pkg/types"
)

var _ RangeIndex = (*MemIndex)(nil)

// MemIndex is the in-memory range index used during bulk import. Its
// behavior matches Index exactly; CopyIndex flushes it to durable form.
type MemIndex struct {
	mu       sync.RWMutex
	name     string
	kind     types.KeyKind
	keys     []any // sorted ascending
	postings map[any]*roaring64.Bitmap
}

// NewMemIndex returns an empty in-memory index.
func NewMemIndex(name string, kind types.KeyKind) *MemIndex {
	return &MemIndex{
		name:     name,
		kind:     kind,
		postings: make(map[any]*roaring64.Bitmap),
	}
}

// Name returns the index name.
func (mi *MemIndex) Name() string { return mi.name }

// Kind returns the key kind.
func (mi *MemIndex) Kind() types.KeyKind { return mi.kind }

// Len returns the number of keys.
func (mi *MemIndex) Len() int {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return len(mi.keys)
}

func (mi *MemIndex) search(k any) (int, bool) {
	return slices.BinarySearchFunc(mi.keys, k, CompareKeys)
}

// AddRef adds id to the posting list of key.
func (mi *MemIndex) AddRef(key any, id uint64) error {
	return mi.AddRefs(key, roaring64.BitmapOf(id))
}

// AddRefs adds ids to the posting list of key.
func (mi *MemIndex) AddRefs(key any, ids *roaring64.Bitmap) error {
	k, err := NormalizeKey(mi.kind, key)
	if err != nil {
		return err
	}
	if ids.IsEmpty() {
		return nil
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()

	bm, ok := mi.postings[k]
	if !ok {
		bm = roaring64.New()
		mi.postings[k] = bm
		i, _ := mi.search(k)
		mi.keys = slices.Insert(mi.keys, i, k)
	}
	bm.Or(ids)
	return nil
}

// RemoveRef removes id from the posting list of key.
func (mi *MemIndex) RemoveRef(key any, id uint64) error {
	k, err := NormalizeKey(mi.kind, key)
	if err != nil {
		return err
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()

	bm, ok := mi.postings[k]
	if !ok {
		return nil
	}
	bm.Remove(id)
	if bm.IsEmpty() {
		delete(mi.postings, k)
		if i, found := mi.search(k); found {
			mi.keys = slices.Delete(mi.keys, i, i+1)
		}
	}
	return nil
}

// TestRef reports whether id is in the posting list of key.
func (mi *MemIndex) TestRef(key any, id uint64) (bool, error) {
	k, err := NormalizeKey(mi.kind, key)
	if err != nil {
		return false, err
	}
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	bm, ok := mi.postings[k]
	return ok && bm.Contains(id), nil
}

// Get returns a copy of the posting list of key (empty when absent).
func (mi *MemIndex) Get(key any) (*roaring64.Bitmap, error) {
	k, err := NormalizeKey(mi.kind, key)
	if err != nil {
		return nil, err
	}
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	if bm, ok := mi.postings[k]; ok {
		return bm.Clone(), nil
	}
	return roaring64.New(), nil
}

func (mi *MemIndex) rangeBounds(min, max any) (int, int, error) {
	lo, err := normalizeBound(mi.kind, min)
	if err != nil {
		return 0, 0, err
	}
	hi, err := normalizeBound(mi.kind, max)
	if err != nil {
		return 0, 0, err
	}
	start, end := 0, len(mi.keys)
	if lo != nil {
		start, _ = slices.BinarySearchFunc(mi.keys, lo, CompareKeys)
	}
	if hi != nil {
		i, found := slices.BinarySearchFunc(mi.keys, hi, CompareKeys)
		if found {
			i++
		}
		end = i
	}
	if end < start {
		end = start
	}
	return start, end, nil
}

// KeysInRange returns the keys within [min, max] in ascending order.
func (mi *MemIndex) KeysInRange(min, max any) ([]any, error) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	start, end, err := mi.rangeBounds(min, max)
	if err != nil {
		return nil, err
	}
	if start == end {
		return nil, nil
	}
	return slices.Clone(mi.keys[start:end]), nil
}

// ValuesInRange returns the union of the posting lists within [min, max].
func (mi *MemIndex) ValuesInRange(min, max any) (*roaring64.Bitmap, error) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	start, end, err := mi.rangeBounds(min, max)
	if err != nil {
		return nil, err
	}
	out := roaring64.New()
	for _, k := range mi.keys[start:end] {
		out.Or(mi.postings[k])
	}
	return out, nil
}

// ItemsInRange returns the postings within [min, max] in key order.
func (mi *MemIndex) ItemsInRange(min, max any) ([]Posting, error) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	start, end, err := mi.rangeBounds(min, max)
	if err != nil {
		return nil, err
	}
	var out []Posting
	for _, k := range mi.keys[start:end] {
		out = append(out, Posting{Key: k, IDs: mi.postings[k].Clone()})
	}
	return out, nil
}
