// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestwiki/nestwiki/services/chat/storage/badger"
)

func newTestStore(t *testing.T, opts ...BadgerStoreOption) *BadgerStore {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewBadgerStore(db, opts...)
	require.NoError(t, err)
	return store
}

func TestNewBadgerStore_NilDB(t *testing.T) {
	_, err := NewBadgerStore(nil)
	assert.Error(t, err)
}

func TestBadgerStore_LoadUnknownConversation(t *testing.T) {
	store := newTestStore(t)

	msgs, err := store.Load(context.Background(), "nope")

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, DefaultSystemPrompt, msgs[0].Content)
}

func TestBadgerStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	history := []Message{
		NewMessage(RoleSystem, "prompt"),
		NewMessage(RoleUser, "what is NestWiki?"),
		NewMessage(RoleAssistant, "a wiki with a chat assistant"),
	}
	require.NoError(t, store.Save(ctx, "conv-1", history))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "what is NestWiki?", got[1].Content)
	assert.Equal(t, "a wiki with a chat assistant", got[2].Content)
}

func TestBadgerStore_SaveReplacesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []Message{
		NewMessage(RoleSystem, "prompt"),
		NewMessage(RoleUser, "one"),
		NewMessage(RoleAssistant, "1"),
	}
	require.NoError(t, store.Save(ctx, "conv-1", first))

	second := []Message{
		NewMessage(RoleSystem, "prompt"),
		NewMessage(RoleUser, "two"),
	}
	require.NoError(t, store.Save(ctx, "conv-1", second))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[1].Content)
}

func TestBadgerStore_SaveNormalizes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No system message, an empty message, and a duplicated user turn.
	messy := []Message{
		NewMessage(RoleUser, "hello"),
		{ID: "empty", Role: RoleAssistant, Content: ""},
		NewMessage(RoleUser, "hello"),
	}
	require.NoError(t, store.Save(ctx, "conv-1", messy))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RoleSystem, got[0].Role)
	assert.Equal(t, "hello", got[1].Content)
}

func TestBadgerStore_CorruptRecordStartsFresh(t *testing.T) {
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("conv/broken"), []byte("not json at all"))
	})
	require.NoError(t, err)

	msgs, err := store.Load(context.Background(), "broken")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleSystem, msgs[0].Role)
}

func TestBadgerStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "conv-1", []Message{NewMessage(RoleUser, "hi")}))
	require.NoError(t, store.Delete(ctx, "conv-1"))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RoleSystem, got[0].Role)
}

func TestBadgerStore_DeleteUnknownConversation(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete(context.Background(), "never-existed"))
}

func TestBadgerStore_EmptyConversationID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "")
	assert.Error(t, err)

	assert.Error(t, store.Save(ctx, "", nil))
	assert.Error(t, store.Delete(ctx, ""))
}

func TestBadgerStore_CustomSystemPrompt(t *testing.T) {
	store := newTestStore(t, WithSystemPrompt("wiki mode"))

	msgs, err := store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "wiki mode", msgs[0].Content)
}

func TestBadgerStore_ConcurrentSavesSameConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			history := []Message{
				NewMessage(RoleSystem, "prompt"),
				NewMessage(RoleUser, fmt.Sprintf("question %d", n)),
			}
			assert.NoError(t, store.Save(ctx, "conv-1", history))
		}(i)
	}
	wg.Wait()

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RoleUser, got[1].Role)
}

func TestBadgerStore_AppendExtendsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "conv-1",
		NewMessage(RoleUser, "first question"),
		NewMessage(RoleAssistant, "first answer")))
	require.NoError(t, store.Append(ctx, "conv-1",
		NewMessage(RoleUser, "second question"),
		NewMessage(RoleAssistant, "second answer")))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, RoleSystem, got[0].Role)
	assert.Equal(t, "first question", got[1].Content)
	assert.Equal(t, "second answer", got[4].Content)
}

func TestBadgerStore_AppendNoMessages(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append(context.Background(), "conv-1"))

	got, err := store.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestBadgerStore_ConcurrentAppendsSameConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.Append(ctx, "conv-1",
				NewMessage(RoleUser, fmt.Sprintf("question %d", n)),
				NewMessage(RoleAssistant, fmt.Sprintf("answer %d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	// System message plus one user and one assistant message per turn.
	require.Len(t, got, 1+2*turns)

	contents := make(map[string]bool, len(got))
	for _, m := range got {
		contents[m.Content] = true
	}
	for i := 0; i < turns; i++ {
		assert.True(t, contents[fmt.Sprintf("question %d", i)])
		assert.True(t, contents[fmt.Sprintf("answer %d", i)])
	}
}

func TestBadgerStore_SaveAndLoadTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	title, err := store.LoadTitle(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, title)

	require.NoError(t, store.SaveTitle(ctx, "conv-1", "Fjord geography"))

	title, err = store.LoadTitle(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Fjord geography", title)
}

func TestBadgerStore_DeleteRemovesTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "conv-1", []Message{NewMessage(RoleUser, "hi")}))
	require.NoError(t, store.SaveTitle(ctx, "conv-1", "Greetings"))
	require.NoError(t, store.Delete(ctx, "conv-1"))

	title, err := store.LoadTitle(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, title)
}

func TestConversationCache_Eviction(t *testing.T) {
	cache := newConversationCache(2)

	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Put("c", []byte("3"))

	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestConversationCache_UpdateExisting(t *testing.T) {
	cache := newConversationCache(2)

	cache.Put("a", []byte("old"))
	cache.Put("a", []byte("new"))

	data, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), data)
	assert.Equal(t, 1, cache.Len())
}
