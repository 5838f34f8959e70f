package cache

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/R3E-Network/orgpay/internal/storage/kv"
)

// LevelDB is a Cache on a local LevelDB store. Each value carries an 8-byte
// big-endian expiry (unix nanoseconds, zero for none) in front of it.
type LevelDB struct {
	db  *kv.Store
	now func() time.Time
}

var _ Cache = (*LevelDB)(nil)

func NewLevelDB(db *kv.Store) *LevelDB {
	return &LevelDB{db: db, now: time.Now}
}

func cacheKey(key string) []byte { return []byte("cache/" + key) }

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	data, ok, err := l.db.Get(cacheKey(key))
	if err != nil {
		return nil, err
	}
	if !ok || len(data) < 8 {
		return nil, ErrCacheMiss
	}
	if exp := int64(binary.BigEndian.Uint64(data[:8])); exp != 0 && l.now().UnixNano() >= exp {
		_ = l.db.Delete(cacheKey(key))
		return nil, ErrCacheMiss
	}
	return data[8:], nil
}

func (l *LevelDB) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:8], uint64(l.now().Add(ttl).UnixNano()))
	}
	copy(buf[8:], value)
	return l.db.Put(cacheKey(key), buf)
}

func (l *LevelDB) Delete(_ context.Context, key string) error {
	return l.db.Delete(cacheKey(key))
}
