package kv_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/dishu2607/missing-person-detection/pkg/kv"
)

type factory func(t *testing.T, opts *kv.Options) kv.Store

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, opts *kv.Options) kv.Store {
			s := kv.NewMemory(opts)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": newBadgerStore,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, newStore factory)) {
	for name, f := range backends() {
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

func collect(t *testing.T, s kv.Store, prefix kv.Key) []kv.Entry {
	t.Helper()
	var out []kv.Entry
	for e, err := range s.List(context.Background(), prefix) {
		if err != nil {
			t.Fatalf("List(%v): %v", prefix, err)
		}
		out = append(out, e)
	}
	return out
}

func TestGetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		key := kv.Key{"ref", "abc"}

		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Set(ctx, key, []byte("one")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, key, []byte("two")); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil || string(got) != "two" {
			t.Fatalf("Get = %q, %v; want two", got, err)
		}
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, kv.Key{"no", "such"}); err != nil {
			t.Fatalf("Delete missing: %v", err)
		}
	})
}

func TestGetReturnsCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		val := []byte("abc")
		if err := s.Set(ctx, kv.Key{"k"}, val); err != nil {
			t.Fatal(err)
		}
		val[0] = 'x'
		got, _ := s.Get(ctx, kv.Key{"k"})
		got[1] = 'y'
		again, _ := s.Get(ctx, kv.Key{"k"})
		if string(again) != "abc" {
			t.Fatalf("stored value mutated: %q", again)
		}
	})
}

func TestListPrefixBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		for _, k := range []kv.Key{
			{"cand", "job1", "2"},
			{"cand", "job1", "1"},
			{"cand", "job10", "1"},
			{"ref", "a"},
		} {
			if err := s.Set(ctx, k, []byte(k.String())); err != nil {
				t.Fatal(err)
			}
		}

		got := collect(t, s, kv.Key{"cand", "job1"})
		var keys []string
		for _, e := range got {
			keys = append(keys, e.Key.String())
		}
		want := []string{"cand:job1:1", "cand:job1:2"}
		if !slices.Equal(keys, want) {
			t.Fatalf("List(cand,job1) = %v, want %v", keys, want)
		}
		if n := len(collect(t, s, nil)); n != 4 {
			t.Fatalf("List(nil) returned %d entries, want 4", n)
		}
		if n := len(collect(t, s, kv.Key{"missing"})); n != 0 {
			t.Fatalf("List(missing) returned %d entries", n)
		}
	})
}

func TestListEarlyBreak(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		for _, id := range []string{"a", "b", "c"} {
			if err := s.Set(ctx, kv.Key{"p", id}, nil); err != nil {
				t.Fatal(err)
			}
		}
		n := 0
		for _, err := range s.List(ctx, kv.Key{"p"}) {
			if err != nil {
				t.Fatal(err)
			}
			n++
			if n == 2 {
				break
			}
		}
		if n != 2 {
			t.Fatalf("iterated %d entries, want 2", n)
		}
	})
}

func TestListCanceled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		s := newStore(t, nil)
		if err := s.Set(context.Background(), kv.Key{"p", "a"}, nil); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var gotErr error
		for _, err := range s.List(ctx, kv.Key{"p"}) {
			if err != nil {
				gotErr = err
				break
			}
		}
		if !errors.Is(gotErr, context.Canceled) {
			t.Fatalf("List on canceled ctx: err = %v", gotErr)
		}
	})
}

func TestPutIfAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		key := kv.Key{"refp", "john_person1"}

		ok, err := s.PutIfAbsent(ctx, key, []byte("first"))
		if err != nil || !ok {
			t.Fatalf("first PutIfAbsent = %v, %v", ok, err)
		}
		ok, err = s.PutIfAbsent(ctx, key, []byte("second"))
		if err != nil || ok {
			t.Fatalf("second PutIfAbsent = %v, %v; want false", ok, err)
		}
		got, _ := s.Get(ctx, key)
		if string(got) != "first" {
			t.Fatalf("value = %q, want first", got)
		}
	})
}

func TestBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		entries := []kv.Entry{
			{Key: kv.Key{"b", "1"}, Value: []byte("x")},
			{Key: kv.Key{"b", "2"}, Value: []byte("y")},
			{Key: kv.Key{"b", "3"}, Value: []byte("z")},
		}
		if err := s.BatchSet(ctx, entries); err != nil {
			t.Fatalf("BatchSet: %v", err)
		}
		if n := len(collect(t, s, kv.Key{"b"})); n != 3 {
			t.Fatalf("after BatchSet: %d entries", n)
		}
		if err := s.BatchDelete(ctx, []kv.Key{{"b", "1"}, {"b", "3"}, {"b", "9"}}); err != nil {
			t.Fatalf("BatchDelete: %v", err)
		}
		got := collect(t, s, kv.Key{"b"})
		if len(got) != 1 || string(got[0].Value) != "y" {
			t.Fatalf("after BatchDelete: %+v", got)
		}
	})
}

func TestBatchSetRejectsInvalidKeyAtomically(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		err := s.BatchSet(ctx, []kv.Entry{
			{Key: kv.Key{"ok", "1"}, Value: []byte("x")},
			{Key: kv.Key{"bad:seg"}, Value: []byte("y")},
		})
		if !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
		if n := len(collect(t, s, kv.Key{"ok"})); n != 0 {
			t.Fatalf("partial batch applied: %d entries", n)
		}
	})
}

func TestInvalidKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		bad := kv.Key{"video", "job:1"}
		if err := s.Set(ctx, bad, nil); !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("Set: expected ErrInvalidKey, got %v", err)
		}
		if _, err := s.Get(ctx, bad); !errors.Is(err, kv.ErrInvalidKey) {
			t.Fatalf("Get: expected ErrInvalidKey, got %v", err)
		}

		custom := newStore(t, &kv.Options{Separator: 0x1f})
		if err := custom.Set(ctx, bad, []byte("ok")); err != nil {
			t.Fatalf("custom separator Set: %v", err)
		}
		got := collect(t, custom, kv.Key{"video"})
		if len(got) != 1 || got[0].Key[1] != "job:1" {
			t.Fatalf("custom separator List = %+v", got)
		}
	})
}

func TestNext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore factory) {
		ctx := context.Background()
		s := newStore(t, nil)
		key := kv.Key{"meta", "seq"}

		const workers, per = 8, 25
		var (
			mu   sync.Mutex
			seen = make(map[uint64]bool)
			wg   sync.WaitGroup
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range per {
					n, err := s.Next(ctx, key)
					if err != nil {
						t.Errorf("Next: %v", err)
						return
					}
					mu.Lock()
					seen[n] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != workers*per {
			t.Fatalf("got %d distinct values, want %d", len(seen), workers*per)
		}
		for i := uint64(1); i <= workers*per; i++ {
			if !seen[i] {
				t.Fatalf("missing counter value %d", i)
			}
		}
	})
}

func TestKeyString(t *testing.T) {
	if got := (kv.Key{"a", "b", "c"}).String(); got != "a:b:c" {
		t.Fatalf("String = %q", got)
	}
	if err := (kv.Key{"a", "b"}).Validate(':'); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	err := (kv.Key{"a", "b:c"}).Validate(':')
	if !errors.Is(err, kv.ErrInvalidKey) || !strings.Contains(err.Error(), "segment 1") {
		t.Fatalf("Validate = %v", err)
	}
}
