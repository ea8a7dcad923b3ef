package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// BACKENDS
// =============================================================================

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewInMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.NewMiniRedis()
			require.NoError(t, mr.Start())
			t.Cleanup(mr.Close)

			s, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func record(user, text string) Memory {
	return Memory{
		UserID:    user,
		AgentID:   "echo",
		RoomID:    "echo_" + user,
		Type:      "text",
		Generator: GeneratorExternal,
		Content:   TextContent(text),
	}
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestStore_AppendAssignsIDAndTime(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			m, err := s.Append(ctx, record("u1", "hello"))
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.False(t, m.CreatedAt.IsZero())

			got, err := s.Get(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, m.UserID, got.UserID)
			assert.Equal(t, m.Generator, got.Generator)
			assert.JSONEq(t, `{"text":"hello"}`, got.Content)
		})
	}
}

func TestStore_RecentByUserNewestFirst(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := s.Append(ctx, record("u1", fmt.Sprintf("msg-%d", i)))
				require.NoError(t, err)
			}
			_, err := s.Append(ctx, record("u2", "other user"))
			require.NoError(t, err)

			recent, err := s.RecentByUser(ctx, "u1", 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.JSONEq(t, `{"text":"msg-4"}`, recent[0].Content)
			assert.JSONEq(t, `{"text":"msg-3"}`, recent[1].Content)
			assert.JSONEq(t, `{"text":"msg-2"}`, recent[2].Content)

			all, err := s.RecentByUser(ctx, "u1", 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			none, err := s.RecentByUser(ctx, "nobody", 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_ExistsAndDuplicates(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			m := record("u1", "first")
			m.ID = "msg-123"

			exists, err := s.ExistsByID(ctx, "msg-123")
			require.NoError(t, err)
			assert.False(t, exists)

			_, err = s.Append(ctx, m)
			require.NoError(t, err)

			exists, err = s.ExistsByID(ctx, "msg-123")
			require.NoError(t, err)
			assert.True(t, exists)

			_, err = s.Append(ctx, m)
			assert.ErrorIs(t, err, ErrDuplicateID)
		})
	}
}

func TestStore_GetUnknown(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreIfNotExists(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			m := record("u1", "dm")
			m.ID = "dm-1"

			stored, err := StoreIfNotExists(ctx, s, m)
			require.NoError(t, err)
			assert.True(t, stored)

			stored, err = StoreIfNotExists(ctx, s, m)
			require.NoError(t, err)
			assert.False(t, stored)
		})
	}
}

// =============================================================================
// BACKEND SPECIFICS
// =============================================================================

func TestInMemoryStore_PreservesExplicitTime(t *testing.T) {
	s := NewInMemoryStore()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m := record("u1", "old")
	m.CreatedAt = at
	out, err := s.Append(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, at, out.CreatedAt)
	assert.Equal(t, 1, s.Len())
}

func TestNewRedisStore_RejectsEmptyNamespace(t *testing.T) {
	_, err := NewRedisStore(&redis.Options{Addr: "localhost:6379"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace cannot be empty")
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "prod")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Ping(context.Background()))

	m := record("u9", "stored")
	m.ID = "abc"
	_, err = s.Append(context.Background(), m)
	require.NoError(t, err)

	raw, err := mr.Get("echo:prod:memory:abc")
	require.NoError(t, err)
	var decoded Memory
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "u9", decoded.UserID)

	members, err := mr.ZMembers("echo:prod:user:u9:memories")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)
}

func TestRedisStore_DuplicateLeavesIndexUntouched(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "prod")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := record("u9", "first")
	m.ID = "abc"
	_, err = s.Append(context.Background(), m)
	require.NoError(t, err)

	dup := record("u7", "second")
	dup.ID = "abc"
	_, err = s.Append(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateID)

	seq, err := mr.Get("echo:prod:memory_seq")
	require.NoError(t, err)
	assert.Equal(t, "1", seq)
	assert.False(t, mr.Exists("echo:prod:user:u7:memories"))

	got, err := s.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "u9", got.UserID)
}

func TestRedisStore_ConcurrentAppendSameID(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "prod")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	const writers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := record(fmt.Sprintf("u%d", i), "race")
			m.ID = "same"
			_, err := s.Append(context.Background(), m)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateID):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, dups)

	got, err := s.Get(context.Background(), "same")
	require.NoError(t, err)
	members, err := mr.ZMembers("echo:prod:user:" + got.UserID + ":memories")
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, members)

	indexed := 0
	for i := 0; i < writers; i++ {
		if mr.Exists(fmt.Sprintf("echo:prod:user:u%d:memories", i)) {
			indexed++
		}
	}
	assert.Equal(t, 1, indexed)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		dsn     string
		wantErr bool
	}{
		{"default", "", "", false},
		{"memory", BackendMemory, "", false},
		{"sqlite", BackendSQLite, ":memory:", false},
		{"bad redis url", BackendRedis, "not-a-url", true},
		{"unknown", "cassandra", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.backend, tt.dsn, "test")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}
