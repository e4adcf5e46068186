package recommend

import (
	"context"
	"fmt"
)

// Store persists catalog entries in insertion order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Close() error
}

// Store kinds accepted by Open and Create.
const (
	KindCSV    = "csv"
	KindBadger = "badger"
)

// Open opens an existing catalog.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", KindCSV:
		s, err := OpenCSV(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindBadger:
		s, err := OpenBadger(BadgerOptions{Dir: path, MustExist: true})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown catalog store %q (want csv or badger)", kind)
	}
}

// Create starts an empty catalog, replacing any CSV catalog at path. Badger
// catalogs are appended to.
func Create(kind, path string) (Store, error) {
	switch kind {
	case "", KindCSV:
		s, err := CreateCSV(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindBadger:
		s, err := OpenBadger(BadgerOptions{Dir: path})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown catalog store %q (want csv or badger)", kind)
	}
}
