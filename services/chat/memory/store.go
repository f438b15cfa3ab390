// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var storeTracer = otel.Tracer("nestwiki.chat.memory")

// Store is the durable conversation memory contract.
//
// Load never returns an empty history: missing and corrupt records are
// replaced by a normalized empty conversation. Save replaces the whole
// stored history for the conversation. Append adds messages to the
// stored history as one atomic read-modify-write; concurrent Appends
// to the same conversation never lose each other's messages.
type Store interface {
	Load(ctx context.Context, conversationID string) ([]Message, error)
	Save(ctx context.Context, conversationID string, msgs []Message) error
	Append(ctx context.Context, conversationID string, msgs ...Message) error
	Delete(ctx context.Context, conversationID string) error
	SaveTitle(ctx context.Context, conversationID, title string) error
	LoadTitle(ctx context.Context, conversationID string) (string, error)
}

const (
	conversationKeyPrefix = "conv/"
	titleKeyPrefix        = "title/"
)

// keyedMutex serializes writers per conversation so concurrent Save
// calls for the same conversation cannot interleave their
// read-modify-write cycles.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}

// BadgerStore persists conversation histories in BadgerDB with an LRU
// cache in front.
//
// # Thread Safety
//
//	Safe for concurrent use. Writes to the same conversation are
//	serialized through a per-conversation mutex; reads go through the
//	cache and BadgerDB's MVCC transactions.
type BadgerStore struct {
	db           *badger.DB
	cache        *conversationCache
	locks        *keyedMutex
	systemPrompt string
}

var _ Store = (*BadgerStore)(nil)

// BadgerStoreOption customizes a BadgerStore.
type BadgerStoreOption func(*BadgerStore)

// WithSystemPrompt overrides the default system prompt used when a
// history must be seeded.
func WithSystemPrompt(prompt string) BadgerStoreOption {
	return func(s *BadgerStore) { s.systemPrompt = prompt }
}

// WithCacheCapacity bounds the number of conversations cached in RAM.
func WithCacheCapacity(capacity int) BadgerStoreOption {
	return func(s *BadgerStore) { s.cache = newConversationCache(capacity) }
}

// NewBadgerStore creates a conversation store backed by the given
// BadgerDB instance. The caller retains ownership of db.
func NewBadgerStore(db *badger.DB, opts ...BadgerStoreOption) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	s := &BadgerStore{
		db:           db,
		cache:        newConversationCache(defaultCacheCapacity),
		locks:        newKeyedMutex(),
		systemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func conversationKey(conversationID string) []byte {
	return []byte(conversationKeyPrefix + conversationID)
}

func titleKey(conversationID string) []byte {
	return []byte(titleKeyPrefix + conversationID)
}

// Load returns the normalized history for a conversation.
//
// Unknown conversations and records that fail to decode yield a fresh
// history containing only the system message. A decode failure is
// logged but not surfaced to the caller; the conversation restarts
// clean rather than wedging.
func (s *BadgerStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	_, span := storeTracer.Start(ctx, "BadgerStore.Load",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if conversationID == "" {
		return nil, errors.New("conversationID must not be empty")
	}

	if data, ok := s.cache.Get(conversationID); ok {
		msgs, err := decodeHistory(data)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return EnsureValidStructure(msgs, s.systemPrompt), nil
		}
		slog.Warn("cached conversation history is corrupt, falling through to store",
			"conversation_id", conversationID,
			"error", err)
		s.cache.Remove(conversationID)
	}

	return s.readHistory(conversationID)
}

// readHistory fetches and normalizes the durable record, bypassing the
// cache fast path. Callers holding the per-conversation lock use it to
// read a history that cannot change underneath them.
func (s *BadgerStore) readHistory(conversationID string) ([]Message, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationKey(conversationID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return EnsureValidStructure(nil, s.systemPrompt), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	msgs, err := decodeHistory(raw)
	if err != nil {
		slog.Warn("stored conversation history is corrupt, starting fresh",
			"conversation_id", conversationID,
			"error", err)
		return EnsureValidStructure(nil, s.systemPrompt), nil
	}

	s.cache.Put(conversationID, raw)
	return EnsureValidStructure(msgs, s.systemPrompt), nil
}

// Save replaces the stored history for a conversation.
//
// The history is normalized before writing, so the durable record
// always satisfies the structural invariants. The whole history is
// written in a single transaction.
func (s *BadgerStore) Save(ctx context.Context, conversationID string, msgs []Message) error {
	_, span := storeTracer.Start(ctx, "BadgerStore.Save",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("message.count", len(msgs))))
	defer span.End()

	if conversationID == "" {
		return errors.New("conversationID must not be empty")
	}

	lock := s.locks.Lock(conversationID)
	defer lock.Unlock()

	return s.writeHistoryLocked(conversationID, msgs)
}

// writeHistoryLocked normalizes and persists a history. The caller must
// hold the per-conversation lock.
func (s *BadgerStore) writeHistoryLocked(conversationID string, msgs []Message) error {
	normalized := EnsureValidStructure(msgs, s.systemPrompt)
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conversationID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(conversationKey(conversationID), data)
	})
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conversationID, err)
	}

	s.cache.Put(conversationID, data)
	return nil
}

// Append adds messages to the end of a conversation history.
//
// The load, append, and save happen under the per-conversation lock, so
// two turns finishing at the same time both land in the stored history.
func (s *BadgerStore) Append(ctx context.Context, conversationID string, msgs ...Message) error {
	_, span := storeTracer.Start(ctx, "BadgerStore.Append",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("message.count", len(msgs))))
	defer span.End()

	if conversationID == "" {
		return errors.New("conversationID must not be empty")
	}
	if len(msgs) == 0 {
		return nil
	}

	lock := s.locks.Lock(conversationID)
	defer lock.Unlock()

	history, err := s.readHistory(conversationID)
	if err != nil {
		return err
	}
	return s.writeHistoryLocked(conversationID, append(history, msgs...))
}

// Delete removes a conversation from the store and the cache.
// Deleting an unknown conversation is not an error.
func (s *BadgerStore) Delete(ctx context.Context, conversationID string) error {
	_, span := storeTracer.Start(ctx, "BadgerStore.Delete",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if conversationID == "" {
		return errors.New("conversationID must not be empty")
	}

	lock := s.locks.Lock(conversationID)
	defer lock.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(conversationKey(conversationID)); err != nil {
			return err
		}
		return txn.Delete(titleKey(conversationID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}

	s.cache.Remove(conversationID)
	return nil
}

// SaveTitle stores the short human-readable title for a conversation.
func (s *BadgerStore) SaveTitle(ctx context.Context, conversationID, title string) error {
	_, span := storeTracer.Start(ctx, "BadgerStore.SaveTitle",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if conversationID == "" {
		return errors.New("conversationID must not be empty")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(titleKey(conversationID), []byte(title))
	})
	if err != nil {
		return fmt.Errorf("save title for conversation %s: %w", conversationID, err)
	}
	return nil
}

// LoadTitle returns the stored title for a conversation, or "" when
// none has been saved yet.
func (s *BadgerStore) LoadTitle(ctx context.Context, conversationID string) (string, error) {
	_, span := storeTracer.Start(ctx, "BadgerStore.LoadTitle",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if conversationID == "" {
		return "", errors.New("conversationID must not be empty")
	}

	var title string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(titleKey(conversationID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			title = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load title for conversation %s: %w", conversationID, err)
	}
	return title, nil
}

func decodeHistory(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
