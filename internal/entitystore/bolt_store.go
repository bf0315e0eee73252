package entitystore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// BackendBolt 是默认的本地文件后端。
	BackendBolt = "bolt"

	bucketEntries   = "pokemon"
	bucketTimestamp = "pokemon_by_timestamp"
	bucketMeta      = "meta"
	keySchema       = "schema_version"
)

// boltStore 将条目保存在单个 bbolt 文件中：pokemon 分区 + 写入时间索引。
type boltStore struct {
	path string
	opts options

	mu sync.Mutex
	db *bolt.DB
}

// NewBoltStore 构建本地文件后端，首次操作时自动 Init。
func NewBoltStore(path string, opts ...Option) Store {
	return &boltStore{path: path, opts: buildOptions(opts)}
}

func (s *boltStore) Init(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// handle 返回已打开的数据库；未打开时执行 Init 流程。
func (s *boltStore) handle(ctx context.Context) (*bolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	if s.path == "" {
		return nil, fmt.Errorf("%w: bolt path required", ErrStorageUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, s.path, err)
	}
	if err := db.Update(upgradeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: upgrade schema: %w", ErrStorageUnavailable, err)
	}
	s.db = db
	return db, nil
}

// upgradeSchema 在版本落后时一次性补建分区与索引，索引缺失则从分区重建。
func upgradeSchema(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
	if err != nil {
		return err
	}
	current := 0
	if raw := meta.Get([]byte(keySchema)); raw != nil {
		current, _ = strconv.Atoi(string(raw))
	}
	if current >= SchemaVersion {
		return nil
	}

	entries, err := tx.CreateBucketIfNotExists([]byte(bucketEntries))
	if err != nil {
		return err
	}
	if tx.Bucket([]byte(bucketTimestamp)) == nil {
		index, err := tx.CreateBucket([]byte(bucketTimestamp))
		if err != nil {
			return err
		}
		err = entries.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			return index.Put(indexKey(rec.Timestamp, k), k)
		})
		if err != nil {
			return err
		}
	}
	return meta.Put([]byte(keySchema), []byte(strconv.Itoa(SchemaVersion)))
}

func (s *boltStore) Put(ctx context.Context, key Key, payload json.RawMessage) error {
	if !key.Valid() {
		return writeError(key, ErrInvalidKey)
	}
	db, err := s.handle(ctx)
	if err != nil {
		return writeError(key, err)
	}
	raw, ts, err := s.opts.newRecord(key, payload)
	if err != nil {
		return writeError(key, err)
	}
	id := []byte(key.String())
	err = db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(bucketEntries))
		index := tx.Bucket([]byte(bucketTimestamp))
		if old := entries.Get(id); old != nil {
			var prev record
			if json.Unmarshal(old, &prev) == nil {
				if err := index.Delete(indexKey(prev.Timestamp, id)); err != nil {
					return err
				}
			}
		}
		if err := entries.Put(id, raw); err != nil {
			return err
		}
		return index.Put(indexKey(ts, id), id)
	})
	if err != nil {
		return writeError(key, err)
	}
	return nil
}

func (s *boltStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if !key.Valid() {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidKey, key.kind)
	}
	db, err := s.handle(ctx)
	if err != nil {
		return nil, false, err
	}
	var rec record
	found := false
	err = db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketEntries)).Get([]byte(key.String()))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !found || !s.opts.fresh(rec.writtenAt()) {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

func (s *boltStore) PutBatch(ctx context.Context, items []Item) error {
	return putBatch(ctx, s, items)
}

func (s *boltStore) GetBatch(ctx context.Context, keys []Key) ([]Lookup, error) {
	return getBatch(ctx, s, keys)
}

func (s *boltStore) Delete(ctx context.Context, key Key) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	id := []byte(key.String())
	return db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(bucketEntries))
		old := entries.Get(id)
		if old == nil {
			return nil
		}
		var prev record
		if json.Unmarshal(old, &prev) == nil {
			if err := tx.Bucket([]byte(bucketTimestamp)).Delete(indexKey(prev.Timestamp, id)); err != nil {
				return err
			}
		}
		return entries.Delete(id)
	})
}

// SweepExpired 沿时间索引从最早的条目开始删除，直到越过 now-TTL。
func (s *boltStore) SweepExpired(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.opts.cutoff()
	deleted := 0
	err = db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(bucketEntries))
		index := tx.Bucket([]byte(bucketTimestamp))

		var expired [][]byte
		c := index.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 || int64(binary.BigEndian.Uint64(k[:8])) > cutoff {
				break
			}
			expired = append(expired, bytes.Clone(k), bytes.Clone(v))
		}
		for i := 0; i < len(expired); i += 2 {
			if err := index.Delete(expired[i]); err != nil {
				return err
			}
			if err := entries.Delete(expired[i+1]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return deleted, nil
}

func (s *boltStore) Clear(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEntries, bucketTimestamp} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Stats(ctx context.Context) (Stats, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return Stats{}, err
	}
	count := 0
	err = db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(bucketEntries)).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count:     count,
		TTL:       s.opts.ttl,
		TTLMillis: s.opts.ttl.Milliseconds(),
		Backend:   BackendBolt,
		Name:      filepath.Base(s.path),
		Partition: bucketEntries,
	}, nil
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// indexKey 以大端毫秒时间戳开头，使游标按写入时间顺序遍历。
func indexKey(ts int64, id []byte) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(ts))
	copy(key[8:], id)
	return key
}
