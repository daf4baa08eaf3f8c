package cache

import (
	"sort"
	"strings"
	"sync"
)

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]CacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]CacheEntry),
	}
}

func (m MemCache) All(prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, entry := range m.db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m MemCache) Put(ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[ce.Key] = ce
	return nil
}

func (m MemCache) PutAll(entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, ce := range entries {
		m.db[ce.Key] = ce
	}
	return nil
}

func (m MemCache) HasPrefix(prefix string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m MemCache) PurgePrefix(prefix string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := 0
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			delete(m.db, key)
			n++
		}
	}
	return n, nil
}

func (m MemCache) AllKeys(prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}
