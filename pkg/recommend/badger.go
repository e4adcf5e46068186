package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nzoschke/genrelab/pkg/errs"
)

var (
	entryPrefix = []byte("entry/")
	seqKey      = []byte("seq/entry")
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir holds the database files. Required unless InMemory.
	Dir string

	// InMemory keeps the catalog in memory only.
	InMemory bool

	// MustExist fails with errs.ErrNotFound when Dir does not exist.
	MustExist bool

	// Logger receives badger warnings and errors. nil uses slog.Default.
	Logger *slog.Logger
}

// BadgerStore keeps the catalog in BadgerDB. Keys are zero padded sequence
// numbers so iteration follows insertion order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens or creates a badger catalog.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("badger catalog needs a directory")
	}
	if opts.MustExist && !opts.InMemory {
		if _, err := os.Stat(opts.Dir); err != nil {
			return nil, errs.FromFS("open catalog", opts.Dir, err)
		}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log})
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{log})
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errs.IO("open catalog", opts.Dir, err)
	}
	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		db.Close()
		return nil, errs.IO("open catalog", opts.Dir, err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Append(_ context.Context, e Entry) error {
	n, err := s.seq.Next()
	if err != nil {
		return errs.IO("append catalog", "", err)
	}
	val, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal entry %q: %w", e.Title, err)
	}
	key := fmt.Appendf(append([]byte(nil), entryPrefix...), "%020d", n)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return errs.IO("append catalog", "", err)
	}
	return nil
}

func (s *BadgerStore) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = entryPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				return errs.Decode("read catalog", string(it.Item().Key()), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// badgerLogger routes badger's warnings and errors to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error("badger: " + fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn("badger: " + fmt.Sprintf(f, v...)) }
func (l badgerLogger) Infof(string, ...any)        {}
func (l badgerLogger) Debugf(string, ...any)       {}
