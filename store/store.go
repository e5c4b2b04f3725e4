// Package store is the durable persistence layer: certificates, finalized
// block payloads, checkpoints and the membership event log, kept in one
// goleveldb database.
//
// Every write is synchronous. Certificates are append-only: a height can be
// written once, and rewriting it with a different block is refused.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blockberries/finalberry/types"
)

// Errors
var (
	ErrNotFound               = errors.New("not found")
	ErrConflictingCertificate = errors.New("conflicting certificate for height")
	ErrEventExists            = errors.New("membership event already exists")
	ErrConflictingBlock       = errors.New("conflicting block for height")
	ErrClosed                 = errors.New("store closed")
)

var (
	prefixCertHeight = []byte("c/h/")
	prefixCertHash   = []byte("c/b/")
	prefixCheckpoint = []byte("k/")
	prefixMembership = []byte("m/")
	prefixBlock      = []byte("b/")
)

// DB is a goleveldb-backed store. It is safe for concurrent use.
type DB struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// OpenFile opens or creates a database at path.
func OpenFile(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return &DB{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

// OpenMemory opens a database backed by memory only.
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, wo: &opt.WriteOptions{}}, nil
}

// Close closes the database
func (s *DB) Close() error {
	return s.db.Close()
}

func heightKey(prefix []byte, height int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(height))
	return k
}

func hashKey(h types.Hash) []byte {
	k := make([]byte, len(prefixCertHash)+types.HashSize)
	copy(k, prefixCertHash)
	copy(k[len(prefixCertHash):], h[:])
	return k
}

func decodeHeight(key, prefix []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefix):]))
}

func (s *DB) get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return nil, ErrClosed
	}
	return data, err
}

// SaveCertificate persists cert under its height and block hash.
func (s *DB) SaveCertificate(cert *types.ConsensusCertificate) error {
	if cert == nil {
		return types.ErrInvalidCertificate
	}
	existing, err := s.LoadCertificate(cert.Height)
	switch {
	case err == nil && existing.BlockHash != cert.BlockHash:
		return fmt.Errorf("%w: height %d has %s", ErrConflictingCertificate, cert.Height, existing.BlockHash.Short())
	case err == nil:
		return nil
	case !errors.Is(err, types.ErrCertificateNotFound):
		return err
	}

	data, err := types.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], uint64(cert.Height))

	batch := new(leveldb.Batch)
	batch.Put(heightKey(prefixCertHeight, cert.Height), data)
	batch.Put(hashKey(cert.BlockHash), hb[:])
	return s.db.Write(batch, s.wo)
}

// LoadCertificate returns the certificate at height
func (s *DB) LoadCertificate(height int64) (*types.ConsensusCertificate, error) {
	data, err := s.get(heightKey(prefixCertHeight, height))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: height %d", types.ErrCertificateNotFound, height)
	}
	if err != nil {
		return nil, err
	}
	var cert types.ConsensusCertificate
	if err := types.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("corrupt certificate at height %d: %w", height, err)
	}
	return &cert, nil
}

// LoadCertificateByHash returns the certificate for a block hash
func (s *DB) LoadCertificateByHash(hash types.Hash) (*types.ConsensusCertificate, error) {
	hb, err := s.get(hashKey(hash))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: block %s", types.ErrCertificateNotFound, hash.Short())
	}
	if err != nil {
		return nil, err
	}
	if len(hb) != 8 {
		return nil, fmt.Errorf("corrupt hash index for %s", hash.Short())
	}
	return s.LoadCertificate(int64(binary.BigEndian.Uint64(hb)))
}

// LatestCertificateHeight returns the highest stored height, or 0 if empty.
func (s *DB) LatestCertificateHeight() (int64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixCertHeight), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return decodeHeight(iter.Key(), prefixCertHeight), iter.Error()
}

// CertificatesInRange returns stored certificates with from <= height <= to
// in height order. Missing heights are skipped.
func (s *DB) CertificatesInRange(from, to int64) ([]*types.ConsensusCertificate, error) {
	rng := &util.Range{
		Start: heightKey(prefixCertHeight, from),
		Limit: heightKey(prefixCertHeight, to+1),
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []*types.ConsensusCertificate
	for iter.Next() {
		var cert types.ConsensusCertificate
		if err := types.Unmarshal(iter.Value(), &cert); err != nil {
			return nil, fmt.Errorf("corrupt certificate at height %d: %w",
				decodeHeight(iter.Key(), prefixCertHeight), err)
		}
		out = append(out, &cert)
	}
	return out, iter.Error()
}

// SaveCheckpoint stores an encoded checkpoint at height, replacing any
// previous one at the same height.
func (s *DB) SaveCheckpoint(height int64, data []byte) error {
	return s.db.Put(heightKey(prefixCheckpoint, height), data, s.wo)
}

// LoadCheckpoint returns the encoded checkpoint at height
func (s *DB) LoadCheckpoint(height int64) ([]byte, error) {
	data, err := s.get(heightKey(prefixCheckpoint, height))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: checkpoint at height %d", ErrNotFound, height)
	}
	return data, err
}

// DeleteCheckpoint removes the checkpoint at height
func (s *DB) DeleteCheckpoint(height int64) error {
	return s.db.Delete(heightKey(prefixCheckpoint, height), s.wo)
}

// CheckpointHeights returns stored checkpoint heights in ascending order
func (s *DB) CheckpointHeights() ([]int64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixCheckpoint), nil)
	defer iter.Release()

	var out []int64
	for iter.Next() {
		out = append(out, decodeHeight(iter.Key(), prefixCheckpoint))
	}
	return out, iter.Error()
}

// AppendMembershipEvent stores an encoded event at seq. Sequences are
// write-once.
func (s *DB) AppendMembershipEvent(seq uint64, data []byte) error {
	key := heightKey(prefixMembership, int64(seq))
	if ok, err := s.db.Has(key, nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: seq %d", ErrEventExists, seq)
	}
	return s.db.Put(key, data, s.wo)
}

// MembershipEvents returns every encoded event in sequence order
func (s *DB) MembershipEvents() ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixMembership), nil)
	defer iter.Release()

	var out [][]byte
	for iter.Next() {
		out = append(out, types.CopyBytes(iter.Value()))
	}
	return out, iter.Error()
}

// SaveBlock stores a finalized block payload at height. Heights are
// write-once; saving the same payload again is a no-op.
func (s *DB) SaveBlock(height int64, payload []byte) error {
	key := heightKey(prefixBlock, height)
	existing, err := s.get(key)
	switch {
	case err == nil && !bytes.Equal(existing, payload):
		return fmt.Errorf("%w: height %d", ErrConflictingBlock, height)
	case err == nil:
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return s.db.Put(key, payload, s.wo)
}

// LoadBlock returns the block payload at height
func (s *DB) LoadBlock(height int64) ([]byte, error) {
	data, err := s.get(heightKey(prefixBlock, height))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: block at height %d", ErrNotFound, height)
	}
	return data, err
}
