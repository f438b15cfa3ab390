// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"container/list"
	"sync"
)

// defaultCacheCapacity bounds the number of conversation histories
// held in RAM in front of BadgerDB.
const defaultCacheCapacity = 512

// conversationCache is a bounded LRU cache of serialized histories,
// keyed by conversation ID.
//
// Thread Safety: all methods are safe for concurrent use.
type conversationCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	capacity int
}

type cacheEntry struct {
	key  string
	data []byte
}

func newConversationCache(capacity int) *conversationCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &conversationCache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		capacity: capacity,
	}
}

// Get returns the cached history blob for a conversation, marking it
// most recently used. The second return is false on a miss.
func (c *conversationCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).data, true
}

// Put stores a history blob, evicting the least recently used entry
// when the cache is at capacity.
func (c *conversationCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*cacheEntry)
		delete(c.entries, evicted.key)
		c.lru.Remove(back)
	}

	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, data: data})
}

// Remove drops a conversation from the cache if present.
func (c *conversationCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.lru.Remove(elem)
	}
}

// Len reports the number of cached conversations.
func (c *conversationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
