package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const (
	schemaVersion    = 1
	schemaPrefix     = "_schema/"
	schemaVersionKey = schemaPrefix + "version"
)

// BadgerOptions 控制 durable adapter 的打开方式。
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// QuotaBytes 为 0 时 Quota 返回 ErrQuotaUnsupported。
	QuotaBytes int64
}

// BadgerAdapter 基于 badger 实现 Adapter，每个 Store 对应一个 key 前缀。
type BadgerAdapter struct {
	opts BadgerOptions

	mu sync.RWMutex
	db *badger.DB
}

// NewBadger 创建尚未打开的 durable adapter。
func NewBadger(opts BadgerOptions) *BadgerAdapter {
	return &BadgerAdapter{opts: opts}
}

// Open 打开数据库并执行幂等的 schema 初始化，重复调用无副作用。
func (b *BadgerAdapter) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	path := b.opts.Path
	if b.opts.InMemory {
		path = ""
	}
	// 压缩由 compress 包负责，badger 自身的块压缩关闭。
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithInMemory(b.opts.InMemory).
		WithSyncWrites(b.opts.SyncWrites).
		WithCompression(options.None).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger at %q: %w", b.opts.Path, err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return err
	}
	b.db = db
	return nil
}

// ensureSchema 写入 schema 版本与命名空间登记，已是最新版本时不做任何写入。
func ensureSchema(db *badger.DB) error {
	return db.Update(func(txn *badger.Txn) error {
		current := 0
		item, err := txn.Get([]byte(schemaVersionKey))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				current, err = strconv.Atoi(string(val))
				return err
			}); err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		if current >= schemaVersion {
			return nil
		}
		for _, store := range Stores() {
			if err := txn.Set([]byte(schemaPrefix+"store/"+string(store)), []byte(strconv.Itoa(schemaVersion))); err != nil {
				return err
			}
		}
		return txn.Set([]byte(schemaVersionKey), []byte(strconv.Itoa(schemaVersion)))
	})
}

// SchemaVersion 返回数据库中记录的 schema 版本。
func (b *BadgerAdapter) SchemaVersion() (int, error) {
	db, err := b.handle()
	if err != nil {
		return 0, err
	}
	version := 0
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaVersionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version, err = strconv.Atoi(string(val))
			return err
		})
	})
	return version, err
}

func (b *BadgerAdapter) handle() (*badger.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrClosed
	}
	return b.db, nil
}

func storeKey(store Store, key string) []byte {
	return []byte(string(store) + "/" + key)
}

func storePrefix(store Store) []byte {
	return []byte(string(store) + "/")
}

func (b *BadgerAdapter) Put(ctx context.Context, store Store, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkStore(store); err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(store, key), value)
	})
}

func (b *BadgerAdapter) Get(ctx context.Context, store Store, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkStore(store); err != nil {
		return nil, err
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(store, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *BadgerAdapter) Delete(ctx context.Context, store Store, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkStore(store); err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storeKey(store, key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Clear 通过 WriteBatch 删除整个命名空间，避免单事务过大。
func (b *BadgerAdapter) Clear(ctx context.Context, store Store) error {
	keys, err := b.rawKeys(ctx, store)
	if err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerAdapter) Keys(ctx context.Context, store Store) ([]string, error) {
	raw, err := b.rawKeys(ctx, store)
	if err != nil {
		return nil, err
	}
	prefixLen := len(storePrefix(store))
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, string(key[prefixLen:]))
	}
	return keys, nil
}

func (b *BadgerAdapter) rawKeys(ctx context.Context, store Store) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkStore(store); err != nil {
		return nil, err
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = storePrefix(store)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (b *BadgerAdapter) Count(ctx context.Context, store Store) (int, error) {
	keys, err := b.rawKeys(ctx, store)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Quota 按需扫描两个命名空间的存活记录，累加 EstimatedSize。
func (b *BadgerAdapter) Quota(ctx context.Context) (Quota, error) {
	if b.opts.QuotaBytes <= 0 {
		return Quota{}, ErrQuotaUnsupported
	}
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}
	db, err := b.handle()
	if err != nil {
		return Quota{}, err
	}
	var used int64
	err = db.View(func(txn *badger.Txn) error {
		for _, store := range Stores() {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = storePrefix(store)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				used += it.Item().EstimatedSize()
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return Quota{}, err
	}
	return newQuota(used, b.opts.QuotaBytes), nil
}

func (b *BadgerAdapter) Capabilities() Capabilities {
	return Capabilities{Backend: "badger", Durable: true}
}

// Compact 触发一次 value log GC，没有可回收空间时静默返回。
func (b *BadgerAdapter) Compact() error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	if b.opts.InMemory {
		return nil
	}
	if err := db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

func (b *BadgerAdapter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	if !b.opts.InMemory {
		_ = b.db.RunValueLogGC(0.5)
	}
	err := b.db.Close()
	b.db = nil
	return err
}
