package store

import (
	"errors"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the persistent key-value store shared by the worker, the primary
// and the consensus feedback path. Each logical key is written at most once
// by protocol construction, so the single-key atomicity of the underlying
// database is the only synchronization needed.
type Store struct {
	db *leveldb.DB
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewMemStore creates a volatile store backed by memory, used in tests.
func NewMemStore() *Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *Store) Has(key []byte) bool {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false
	}
	return ok
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Key namespaces. Headers and certificates are keyed by their content
// digest, batches by the batch digest, shards by digest plus shard index.
func BatchKey(digest string) []byte {
	return append([]byte("b/"), []byte(digest)...)
}

func ShardKey(digest string, index int) []byte {
	return append([]byte("s/"), []byte(digest+"/"+strconv.Itoa(index))...)
}

func HeaderKey(digest string) []byte {
	return append([]byte("h/"), []byte(digest)...)
}

func CertKey(digest string) []byte {
	return append([]byte("c/"), []byte(digest)...)
}

func VoteKey(digest, voter string) []byte {
	return append([]byte("v/"), []byte(digest+"/"+voter)...)
}
