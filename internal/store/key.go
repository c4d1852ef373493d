package store

import (
	"fmt"
	"regexp"

	"github.com/mesh-intelligence/emen/pkg/types"
)

// Key is the key type of maps and relation graphs: record ids or names.
type Key interface {
	uint64 | string
}

var tableNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validName(name string) error {
	if !tableNameRE.MatchString(name) {
		return fmt.Errorf("%w: invalid collection name %q", types.ErrValidation, name)
	}
	return nil
}

func encodeKey[K Key](k K) any {
	switch v := any(k).(type) {
	case uint64:
		return int64(v)
	default:
		return v
	}
}

func decodeKey[K Key](raw any) (K, error) {
	var k K
	switch p := any(&k).(type) {
	case *uint64:
		switch v := raw.(type) {
		case int64:
			*p = uint64(v)
		case float64:
			*p = uint64(v)
		default:
			return k, fmt.Errorf("unexpected key type %T", raw)
		}
	case *string:
		switch v := raw.(type) {
		case string:
			*p = v
		case []byte:
			*p = string(v)
		default:
			return k, fmt.Errorf("unexpected key type %T", raw)
		}
	}
	return k, nil
}
