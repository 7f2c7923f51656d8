// Package kv is the ordered key-value layer underneath the record store and
// the KV-backed index persister.
//
// Keys are hierarchical paths ([]string) joined with a separator byte. A
// segment may not contain the separator; [Key.Validate] reports that. The
// package ships a BadgerDB backend for on-disk use and an in-memory backend
// for tests.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: not found")

	// ErrInvalidKey is returned when a key segment contains the separator.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Key is a hierarchical path such as {"ref", "<uuid>"}.
type Key []string

// String joins the segments with ':' for display.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Validate reports whether every segment is free of sep.
func (k Key) Validate(sep byte) error {
	for i, seg := range k {
		if strings.IndexByte(seg, sep) >= 0 {
			return fmt.Errorf("%w: segment %d %q contains separator %q", ErrInvalidKey, i, seg, sep)
		}
	}
	return nil
}

// Entry is a key-value pair returned by List and consumed by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is an ordered key-value store with path keys.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	Set(ctx context.Context, key Key, value []byte) error

	// PutIfAbsent stores value only if key does not exist yet. It reports
	// whether the value was written.
	PutIfAbsent(ctx context.Context, key Key, value []byte) (bool, error)

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key Key) error

	// List yields entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet writes all entries or none of them.
	BatchSet(ctx context.Context, entries []Entry) error

	BatchDelete(ctx context.Context, keys []Key) error

	// Next returns the next value of the monotonic counter stored at key.
	// The first value is 1.
	Next(ctx context.Context, key Key) (uint64, error)

	Close() error
}

// DefaultSeparator joins key segments when Options.Separator is zero.
const DefaultSeparator byte = ':'

// Options configures key encoding. A nil *Options uses the defaults.
type Options struct {
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

func (o *Options) encode(k Key) ([]byte, error) {
	s := o.sep()
	if err := k.Validate(s); err != nil {
		return nil, err
	}
	n := 0
	for _, seg := range k {
		n += len(seg) + 1
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, s)
		}
		buf = append(buf, seg...)
	}
	return buf, nil
}

// prefix encodes k with a trailing separator so that {"a","b"} does not
// match "a:bc". An empty key scans everything.
func (o *Options) prefix(k Key) ([]byte, error) {
	p, err := o.encode(k)
	if err != nil || len(p) == 0 {
		return nil, err
	}
	return append(p, o.sep()), nil
}

func (o *Options) decode(b []byte) Key {
	parts := strings.Split(string(b), string(o.sep()))
	return Key(parts)
}
