package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/coditime/internal/util"
)

var sessionsBucket = []byte("sessions")

// errTaken aborts a Create transaction whose identifier is already in use.
var errTaken = errors.New("session id taken")

// FileStore is a Store persisted in a bbolt database file. Sessions survive
// server restarts.
//
// Records are keyed by the SHA-256 of the session identifier, so the file
// on its own does not contain usable cookies.
type FileStore struct {
	opts    options
	db      *bbolt.DB
	sweeper *sweeper
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the session database at path.
// Any I/O failure is returned wrapped in ErrStorage.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating session directory: %w", ErrStorage, err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening session db: %w", ErrStorage, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating sessions bucket: %w", ErrStorage, err)
	}
	s := &FileStore{opts: o, db: db}
	s.sweeper = startSweeper(o.sweepInterval, o.logger.With("component", "session", "store", "file"), s.Sweep)
	return s, nil
}

func storageKey(id string) []byte {
	return []byte(util.SHA256Hex(id))
}

func decodeRecord(id string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (s *FileStore) Create(ctx context.Context, userID int64) (Record, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		rec := s.opts.newRecord(s.opts.newID(), userID)
		data, err := json.Marshal(rec)
		if err != nil {
			return Record{}, fmt.Errorf("%w: encoding session: %w", ErrStorage, err)
		}
		err = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(sessionsBucket)
			key := storageKey(rec.ID)
			if b.Get(key) != nil {
				return errTaken
			}
			return b.Put(key, data)
		})
		if errors.Is(err, errTaken) {
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("%w: writing session: %w", ErrStorage, err)
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: %w", ErrStorage, ErrIDExhausted)
}

func (s *FileStore) Get(_ context.Context, id string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	key := storageKey(id)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(key)
		if data == nil {
			return nil
		}
		var err error
		rec, err = decodeRecord(id, data)
		found = err == nil
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: reading session: %w", ErrStorage, err)
	}
	if !found {
		return Record{}, false, nil
	}
	if rec.Expired(s.opts.now()) {
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(sessionsBucket).Delete(key)
		}); err != nil {
			return Record{}, false, fmt.Errorf("%w: deleting expired session: %w", ErrStorage, err)
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *FileStore) Invalidate(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(storageKey(id))
	})
	if err != nil {
		return fmt.Errorf("%w: deleting session: %w", ErrStorage, err)
	}
	return nil
}

// deleteWhere removes every record for which match returns true. Records
// that fail to decode are removed as well.
func (s *FileStore) deleteWhere(match func(key []byte, rec Record) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord("", v)
			if err != nil || match(k, rec) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return n, nil
}

func (s *FileStore) InvalidateUser(_ context.Context, userID int64, keep string) (int, error) {
	var keepKey string
	if keep != "" {
		keepKey = string(storageKey(keep))
	}
	return s.deleteWhere(func(k []byte, rec Record) bool {
		return rec.UserID == userID && string(k) != keepKey
	})
}

func (s *FileStore) Sweep(_ context.Context) (int, error) {
	now := s.opts.now()
	return s.deleteWhere(func(_ []byte, rec Record) bool {
		return rec.Expired(now)
	})
}

// Close stops the background sweeper and closes the database file.
func (s *FileStore) Close() error {
	s.sweeper.stop()
	return s.db.Close()
}
