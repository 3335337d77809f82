package storage

import (
	"bytes"

	"ptchat/internal/models"
)

// KVStore is a namespaced key/value view over a tenant's kv bucket.
type KVStore struct {
	storage   *BboltStorage
	tenantID  string
	namespace string
}

func (s *BboltStorage) KV(tenantID, namespace string) *KVStore {
	return &KVStore{storage: s, tenantID: tenantID, namespace: namespace + "/"}
}

func (kv *KVStore) key(k string) []byte {
	return []byte(kv.namespace + k)
}

func (kv *KVStore) Put(key string, value []byte) error {
	return kv.storage.Update(kv.tenantID, func(tx *Tx) error {
		return tx.bucket(bucketKV).Put(kv.key(key), value)
	})
}

func (kv *KVStore) Get(key string) ([]byte, error) {
	var value []byte
	err := kv.storage.View(kv.tenantID, func(tx *Tx) error {
		b := tx.bucket(bucketKV)
		if b == nil {
			return models.ErrNotFound
		}
		v := b.Get(kv.key(key))
		if v == nil {
			return models.ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

func (kv *KVStore) Delete(key string) error {
	return kv.storage.Update(kv.tenantID, func(tx *Tx) error {
		return tx.bucket(bucketKV).Delete(kv.key(key))
	})
}

// Scan visits keys with the given prefix in byte order. Values are copies
// and stay valid after the call.
func (kv *KVStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	type entry struct {
		key   string
		value []byte
	}
	var entries []entry
	err := kv.storage.View(kv.tenantID, func(tx *Tx) error {
		b := tx.bucket(bucketKV)
		if b == nil {
			return nil
		}
		full := kv.key(prefix)
		c := b.Cursor()
		for k, v := c.Seek(full); k != nil && bytes.HasPrefix(k, full); k, v = c.Next() {
			entries = append(entries, entry{
				key:   string(k[len(kv.namespace):]),
				value: bytes.Clone(v),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
