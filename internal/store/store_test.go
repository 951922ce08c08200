package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T, maxIndexes int) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:", maxIndexes)
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// openTestRedis starts an in-process Redis and connects a RedisStore to it.
func openTestRedis(t *testing.T, maxIndexes int) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), maxIndexes)
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registries(t *testing.T, maxIndexes int) map[string]Registry {
	return map[string]Registry{
		"sqlite": openTestStore(t, maxIndexes),
		"redis":  openTestRedis(t, maxIndexes),
	}
}

func meta(ns string, createdMillis int64) IndexMetadata {
	return IndexMetadata{
		Namespace:    ns,
		URL:          "https://" + ns + ".dev",
		Title:        "Title " + ns,
		Description:  "About " + ns,
		Favicon:      "https://" + ns + ".dev/favicon.ico",
		PagesCrawled: 3,
		Chunks:       12,
		CreatedAt:    time.UnixMilli(createdMillis).UTC(),
	}
}

func Test_Registry_PutGetList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, r := range registries(t, 0) {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Put(ctx, meta("a", 1000)); err != nil {
				t.Fatalf("put a: %v", err)
			}
			if _, err := r.Put(ctx, meta("b", 2000)); err != nil {
				t.Fatalf("put b: %v", err)
			}

			got, err := r.Get(ctx, "a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			want := meta("a", 1000)
			if !got.CreatedAt.Equal(want.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
			}
			got.CreatedAt, want.CreatedAt = time.Time{}, time.Time{}
			if got != want {
				t.Errorf("get = %+v, want %+v", got, want)
			}

			list, err := r.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].Namespace != "b" || list[1].Namespace != "a" {
				t.Errorf("list order = %+v, want newest first", list)
			}

			// Put replaces an existing namespace.
			upd := meta("a", 3000)
			upd.Chunks = 99
			if _, err := r.Put(ctx, upd); err != nil {
				t.Fatalf("put update: %v", err)
			}
			list, _ = r.List(ctx)
			if len(list) != 2 || list[0].Namespace != "a" || list[0].Chunks != 99 {
				t.Errorf("after update list = %+v", list)
			}
		})
	}
}

func Test_Registry_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, r := range registries(t, 0) {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get: want ErrNotFound, got %v", err)
			}
			if err := r.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("delete: want ErrNotFound, got %v", err)
			}
			list, err := r.List(ctx)
			if err != nil || list == nil || len(list) != 0 {
				t.Errorf("empty list = %v, %v; want non-nil empty", list, err)
			}
			if _, err := r.Put(ctx, IndexMetadata{}); err == nil {
				t.Error("put without namespace should fail")
			}
		})
	}
}

func Test_Registry_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, r := range registries(t, 0) {
		t.Run(name, func(t *testing.T) {
			_, _ = r.Put(ctx, meta("x", 1))
			_, _ = r.Put(ctx, meta("y", 2))
			if err := r.Delete(ctx, "x"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := r.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("x still present: %v", err)
			}
			list, _ := r.List(ctx)
			if len(list) != 1 || list[0].Namespace != "y" {
				t.Errorf("list = %+v", list)
			}
		})
	}
}

func Test_Registry_EvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, r := range registries(t, 2) {
		t.Run(name, func(t *testing.T) {
			for i, ns := range []string{"old", "mid", "new"} {
				evicted, err := r.Put(ctx, meta(ns, int64(1000*(i+1))))
				if err != nil {
					t.Fatalf("put %s: %v", ns, err)
				}
				if i < 2 && len(evicted) != 0 {
					t.Errorf("unexpected eviction at %s: %v", ns, evicted)
				}
				if i == 2 && (len(evicted) != 1 || evicted[0] != "old") {
					t.Errorf("evicted = %v, want [old]", evicted)
				}
			}
			list, _ := r.List(ctx)
			var got []string
			for _, m := range list {
				got = append(got, m.Namespace)
			}
			sort.Strings(got)
			if len(got) != 2 || got[0] != "mid" || got[1] != "new" {
				t.Errorf("remaining = %v", got)
			}
			if err := r.Ping(ctx); err != nil {
				t.Errorf("ping: %v", err)
			}
		})
	}
}

func Test_OpenRegistry_SQLiteFile(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/indexes.db"
	r, err := OpenRegistry(context.Background(), "", path, 5)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer r.Close()
	if _, ok := r.(*SQLiteStore); !ok {
		t.Errorf("want *SQLiteStore, got %T", r)
	}
}

func Test_OpenRegistry_BadRedisURL(t *testing.T) {
	t.Parallel()

	r, err := OpenRegistry(context.Background(), "not-a-url://", "", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if r != nil {
		t.Errorf("registry should be nil on error, got %T", r)
	}
}

func Test_Register_DropsEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestStore(t, 1)

	var dropped []string
	drop := func(_ context.Context, ns string) error {
		dropped = append(dropped, ns)
		return errors.New("vector store offline")
	}
	if err := Register(ctx, r, meta("first", 1), drop); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := Register(ctx, r, meta("second", 2), drop); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "first" {
		t.Errorf("dropped = %v, want [first]", dropped)
	}
	if _, err := r.Get(ctx, "second"); err != nil {
		t.Errorf("second not registered: %v", err)
	}
	if err := Register(ctx, r, IndexMetadata{}, nil); err == nil {
		t.Error("want error for empty namespace")
	}
}
