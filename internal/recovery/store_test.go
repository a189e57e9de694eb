package recovery

import (
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap/zaptest"
)

type listingStore interface {
	Store
	Lister
}

func backends(t *testing.T) map[string]listingStore {
	t.Helper()

	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = redisStore.Close() })

	pebbleStore, err := OpenPebbleFS("recovery", vfs.NewMem(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("pebble store: %v", err)
	}
	t.Cleanup(func() { _ = pebbleStore.Close() })

	return map[string]listingStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
		"pebble": pebbleStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get("comment-t1"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}
			if err := store.Set("comment-t1", `{"id":"t1"}`); err != nil {
				t.Fatalf("set: %v", err)
			}
			value, ok, err := store.Get("comment-t1")
			if err != nil || !ok || value != `{"id":"t1"}` {
				t.Fatalf("unexpected get result %q ok=%v err=%v", value, ok, err)
			}
			if err := store.Remove("comment-t1"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, ok, _ := store.Get("comment-t1"); ok {
				t.Fatalf("expected key to be removed")
			}
			if err := store.Remove("never-set"); err != nil {
				t.Fatalf("removing a missing key should not fail: %v", err)
			}
		})
	}
}

func TestStoreKeys(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"doc1/comment-a", "doc1/comment-b", "doc2/comment-c"} {
				if err := store.Set(key, "x"); err != nil {
					t.Fatalf("set %s: %v", key, err)
				}
			}
			keys, err := store.Keys("doc1/")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			want := []string{"doc1/comment-a", "doc1/comment-b"}
			if !reflect.DeepEqual(keys, want) {
				t.Fatalf("expected %v, got %v", want, keys)
			}
		})
	}
}

func TestScopedStore(t *testing.T) {
	inner := NewMemoryStore()
	scoped := NewScoped(inner, "doc1")
	_ = scoped.Set("comment-t1", "v")

	if _, ok, _ := inner.Get("doc1/comment-t1"); !ok {
		t.Fatalf("expected scoped key in inner store")
	}
	keys, _ := scoped.Keys("comment-")
	if !reflect.DeepEqual(keys, []string{"comment-t1"}) {
		t.Fatalf("expected unscoped key names, got %v", keys)
	}
}

func TestUpperBound(t *testing.T) {
	if got := string(upperBound([]byte("ab"))); got != "ac" {
		t.Fatalf("expected ac, got %q", got)
	}
	if got := upperBound([]byte{0xff}); got != nil {
		t.Fatalf("expected nil bound, got %v", got)
	}
}
