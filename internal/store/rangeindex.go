package store

import (
	"cmp"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Posting is one key of a range index with its posting list.
type Posting struct {
	Key any
	IDs *roaring64.Bitmap
}

// RangeIndex maps typed keys (int64, float64 or string) to posting lists
// of record ids. Range bounds are inclusive; a nil bound is open. A key
// whose posting list becomes empty is removed. Returned bitmaps are owned
// by the caller.
type RangeIndex interface {
	Name() string
	Kind() types.KeyKind
	AddRef(key any, id uint64) error
	AddRefs(key any, ids *roaring64.Bitmap) error
	RemoveRef(key any, id uint64) error
	TestRef(key any, id uint64) (bool, error)
	Get(key any) (*roaring64.Bitmap, error)
	KeysInRange(min, max any) ([]any, error)
	ValuesInRange(min, max any) (*roaring64.Bitmap, error)
	ItemsInRange(min, max any) ([]Posting, error)
}

// NormalizeKey converts key to the Go type used by indices of kind.
func NormalizeKey(kind types.KeyKind, key any) (any, error) {
	switch kind {
	case types.KeyInt:
		switch v := key.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint64:
			if v <= math.MaxInt64 {
				return int64(v), nil
			}
		case float64:
			if v == math.Trunc(v) && !math.IsInf(v, 0) {
				return int64(v), nil
			}
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case types.KeyFloat:
		switch v := key.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case float32:
			return float64(v), nil
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				return v, nil
			}
		}
	case types.KeyString:
		if v, ok := key.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: key %v (%T) for %s index", types.ErrValidation, key, key, kind)
}

func normalizeBound(kind types.KeyKind, b any) (any, error) {
	if b == nil {
		return nil, nil
	}
	if kind == types.KeyInt {
		// Fractional bounds on integer keys round inward by the caller;
		// accept them here by widening to float comparison semantics.
		if f, ok := b.(float64); ok && f != math.Trunc(f) {
			return f, nil
		}
	}
	return NormalizeKey(kind, b)
}

// CompareKeys orders two index keys of the same kind. Integer keys compare
// against float bounds numerically.
func CompareKeys(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y)
		case float64:
			return cmp.Compare(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y)
		case int64:
			return cmp.Compare(x, float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	}
	panic(fmt.Sprintf("store: comparing %T with %T", a, b))
}

func inRange(k, min, max any) bool {
	if min != nil && CompareKeys(k, min) < 0 {
		return false
	}
	if max != nil && CompareKeys(k, max) > 0 {
		return false
	}
	return true
}

// CopyIndex adds every posting of src to dst. It flushes an in-memory
// index built during bulk import into its durable counterpart.
func CopyIndex(dst, src RangeIndex) error {
	if dst.Kind() != src.Kind() {
		return fmt.Errorf("%w: copying %s index into %s index", types.ErrValidation, src.Kind(), dst.Kind())
	}
	items, err := src.ItemsInRange(nil, nil)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := dst.AddRefs(it.Key, it.IDs); err != nil {
			return fmt.Errorf("copying %s[%v]: %w", src.Name(), it.Key, err)
		}
	}
	return nil
}
