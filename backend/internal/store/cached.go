package store

import (
	"bytes"
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"collabCoord/backend/internal/entity"
)

const defaultCacheSize = 4096

// CachedStore 读穿透缓存：后端暂时不可用时用本地缓存顶上，
// 由缓存产生的推送带 FromCache 标记，由连接状态机据此判断“只剩缓存数据”
type CachedStore struct {
	inner Store
	docs  *lru.Cache[Key, []byte]
	colls *lru.Cache[string, []Document]
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	docs, err := lru.New[Key, []byte](size)
	if err != nil {
		return nil, err
	}
	colls, err := lru.New[string, []Document](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, docs: docs, colls: colls}, nil
}

func (c *CachedStore) Read(ctx context.Context, key Key) (Document, error) {
	doc, err := c.inner.Read(ctx, key)
	switch {
	case err == nil:
		c.docs.Add(key, bytes.Clone(doc.Value))
		return doc, nil
	case errors.Is(err, ErrNotFound):
		c.docs.Remove(key)
		return Document{}, err
	case entity.IsTransient(err):
		if v, ok := c.docs.Get(key); ok {
			return Document{Key: key, Value: bytes.Clone(v)}, nil
		}
	}
	return Document{}, err
}

func (c *CachedStore) Write(ctx context.Context, key Key, value []byte) error {
	if err := c.inner.Write(ctx, key, value); err != nil {
		return err
	}
	c.docs.Add(key, bytes.Clone(value))
	c.colls.Remove(key.Collection)
	return nil
}

// CompareAndSwap 不走缓存：原子性只能由后端保证
func (c *CachedStore) CompareAndSwap(ctx context.Context, key Key, expected, next []byte) (CASResult, error) {
	res, err := c.inner.CompareAndSwap(ctx, key, expected, next)
	if err != nil {
		return res, err
	}
	if res.Current == nil {
		c.docs.Remove(key)
	} else {
		c.docs.Add(key, bytes.Clone(res.Current))
	}
	if res.Applied {
		c.colls.Remove(key.Collection)
	}
	return res, nil
}

func (c *CachedStore) Delete(ctx context.Context, key Key) error {
	if err := c.inner.Delete(ctx, key); err != nil {
		return err
	}
	c.docs.Remove(key)
	c.colls.Remove(key.Collection)
	return nil
}

func (c *CachedStore) List(ctx context.Context, collection string) ([]Document, error) {
	docs, err := c.inner.List(ctx, collection)
	if err == nil {
		c.colls.Add(collection, docs)
		return docs, nil
	}
	if entity.IsTransient(err) {
		if cached, ok := c.colls.Get(collection); ok {
			return cached, nil
		}
	}
	return nil, err
}

func (c *CachedStore) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

func (c *CachedStore) Subscribe(ctx context.Context, key Key, fn SnapshotFunc) (Unsubscribe, error) {
	return c.inner.Subscribe(ctx, key, func(snap Snapshot, err error) {
		if err != nil {
			if v, ok := c.docs.Get(key); ok {
				fn(Snapshot{Key: key, Value: bytes.Clone(v), Exists: true, Metadata: Metadata{FromCache: true}}, nil)
				return
			}
			fn(snap, err)
			return
		}
		if !snap.Metadata.FromCache {
			if snap.Exists {
				c.docs.Add(key, bytes.Clone(snap.Value))
			} else {
				c.docs.Remove(key)
			}
		}
		fn(snap, nil)
	})
}

func (c *CachedStore) SubscribeCollection(ctx context.Context, collection string, fn CollectionFunc) (Unsubscribe, error) {
	return c.inner.SubscribeCollection(ctx, collection, func(snap CollectionSnapshot, err error) {
		if err != nil {
			if docs, ok := c.colls.Get(collection); ok {
				fn(CollectionSnapshot{Collection: collection, Documents: docs, Metadata: Metadata{FromCache: true}}, nil)
				return
			}
			fn(snap, err)
			return
		}
		if !snap.Metadata.FromCache {
			c.colls.Add(collection, snap.Documents)
		}
		fn(snap, nil)
	})
}
