// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"container/list"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// defaultRegistryCapacity bounds how many assistants stay resident.
// Assistants are cheap to rebuild (history lives in the store), so
// eviction only costs the next caller a reconstruction.
const defaultRegistryCapacity = 1024

// Registry hands out one Assistant per (conversation, knowledge base)
// pair, constructing each at most once under concurrency and evicting
// the least recently used binding at capacity.
//
// # Thread Safety
//
//	Safe for concurrent use. Lookups take a read lock; construction is
//	deduplicated through singleflight so racing callers for the same
//	key share a single factory call.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	capacity int
	flight   singleflight.Group
	factory  Factory
}

// Factory builds an Assistant for a conversation and knowledge base.
type Factory func(conversationID, kbID string) *Assistant

type registryEntry struct {
	key       string
	assistant *Assistant
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithCapacity bounds the number of resident assistants.
func WithCapacity(capacity int) RegistryOption {
	return func(r *Registry) {
		if capacity > 0 {
			r.capacity = capacity
		}
	}
}

// NewRegistry creates a registry that builds assistants with factory.
func NewRegistry(factory Factory, opts ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("factory must not be nil")
	}
	r := &Registry{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		capacity: defaultRegistryCapacity,
		factory:  factory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func registryKey(conversationID, kbID string) string {
	return conversationID + "_" + kbID
}

// GetOrCreate returns the assistant for a conversation and knowledge
// base, constructing it on first use.
func (r *Registry) GetOrCreate(conversationID, kbID string) (*Assistant, error) {
	if conversationID == "" {
		return nil, errors.New("conversationID must not be empty")
	}
	key := registryKey(conversationID, kbID)

	if a, ok := r.get(key); ok {
		return a, nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		// A racing caller may have finished while we waited on the
		// flight. Re-check before constructing.
		if a, ok := r.get(key); ok {
			return a, nil
		}
		a := r.factory(conversationID, kbID)
		if a == nil {
			return nil, errors.New("assistant factory returned nil")
		}
		r.put(key, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Assistant), nil
}

// Drop removes the assistant for a conversation and knowledge base,
// if resident. The next GetOrCreate rebuilds it.
func (r *Registry) Drop(conversationID, kbID string) {
	key := registryKey(conversationID, kbID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.lru.Remove(elem)
	}
}

// Len reports the number of resident assistants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lru.Len()
}

func (r *Registry) get(key string) (*Assistant, bool) {
	r.mu.RLock()
	elem, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	// Re-check under the write lock; Drop may have raced us.
	if elem, ok = r.entries[key]; !ok {
		r.mu.Unlock()
		return nil, false
	}
	r.lru.MoveToFront(elem)
	a := elem.Value.(*registryEntry).assistant
	r.mu.Unlock()
	return a, true
}

func (r *Registry) put(key string, a *Assistant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.entries[key]; ok {
		elem.Value.(*registryEntry).assistant = a
		r.lru.MoveToFront(elem)
		return
	}

	for r.lru.Len() >= r.capacity {
		back := r.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*registryEntry)
		delete(r.entries, evicted.key)
		r.lru.Remove(back)
	}

	r.entries[key] = r.lru.PushFront(&registryEntry{key: key, assistant: a})
}
