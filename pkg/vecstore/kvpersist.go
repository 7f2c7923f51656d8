package vecstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dishu2607/missing-person-detection/pkg/kv"
)

// KVPersister stores the index in a kv.Store, one entry per slot:
//
//	{prefix, "meta"}         msgpack {dim, count}
//	{prefix, "vec", <slot>}  little-endian float32 vector
//	{prefix, "id", <slot>}   identity id
//
// Each commit writes only the new slots plus the updated meta entry in one
// batch. Load trusts the meta count, so slots written by a batch that never
// finished are ignored and overwritten by the next commit.
type KVPersister struct {
	store  kv.Store
	prefix string
}

// NewKVPersister returns a persister writing under prefix. An empty prefix
// means "index".
func NewKVPersister(store kv.Store, prefix string) *KVPersister {
	if prefix == "" {
		prefix = "index"
	}
	return &KVPersister{store: store, prefix: prefix}
}

type kvMeta struct {
	Dim   int `msgpack:"dim"`
	Count int `msgpack:"count"`
}

func slotKey(slot int) string { return fmt.Sprintf("%010d", slot) }

func (p *KVPersister) String() string { return "kv:" + p.prefix }

func (p *KVPersister) Load(ctx context.Context) (*Snapshot, error) {
	raw, err := p.store.Get(ctx, kv.Key{p.prefix, "meta"})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vecstore: load meta: %w", err)
	}
	var meta kvMeta
	if err := msgpack.Unmarshal(raw, &meta); err != nil {
		return nil, corrupt("meta: %v", err)
	}
	if meta.Dim <= 0 || meta.Count < 0 {
		return nil, corrupt("meta holds dim=%d count=%d", meta.Dim, meta.Count)
	}
	if err := checkShape(uint64(meta.Dim), uint64(meta.Count)); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Dim:     meta.Dim,
		Vectors: make([]float32, 0, min(meta.Count*meta.Dim, preallocFloats)),
		IDs:     make([]string, 0, min(meta.Count, preallocFloats/meta.Dim)),
	}
	vecs := 0
	for e, err := range p.store.List(ctx, kv.Key{p.prefix, "vec"}) {
		if err != nil {
			return nil, fmt.Errorf("vecstore: load vectors: %w", err)
		}
		if vecs == meta.Count {
			break
		}
		if got := e.Key[len(e.Key)-1]; got != slotKey(vecs) {
			return nil, corrupt("vector slot %d missing (found %s)", vecs, got)
		}
		v, err := decodeVector(e.Value, meta.Dim)
		if err != nil {
			return nil, corrupt("slot %d: %v", vecs, err)
		}
		snap.Vectors = append(snap.Vectors, v...)
		vecs++
	}
	for e, err := range p.store.List(ctx, kv.Key{p.prefix, "id"}) {
		if err != nil {
			return nil, fmt.Errorf("vecstore: load mapping: %w", err)
		}
		n := len(snap.IDs)
		if n == meta.Count {
			break
		}
		if got := e.Key[len(e.Key)-1]; got != slotKey(n) {
			return nil, corrupt("mapping slot %d missing (found %s)", n, got)
		}
		snap.IDs = append(snap.IDs, string(e.Value))
	}
	if vecs != meta.Count || len(snap.IDs) != meta.Count {
		return nil, corrupt("meta count %d, %d vectors, %d ids", meta.Count, vecs, len(snap.IDs))
	}
	if err := snap.check(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *KVPersister) Commit(ctx context.Context, snap *Snapshot, from int) error {
	n := len(snap.IDs)
	meta, err := msgpack.Marshal(&kvMeta{Dim: snap.Dim, Count: n})
	if err != nil {
		return err
	}
	entries := make([]kv.Entry, 0, 2*(n-from)+1)
	for slot := from; slot < n; slot++ {
		row := snap.Vectors[slot*snap.Dim : (slot+1)*snap.Dim]
		entries = append(entries,
			kv.Entry{Key: kv.Key{p.prefix, "vec", slotKey(slot)}, Value: encodeVector(row)},
			kv.Entry{Key: kv.Key{p.prefix, "id", slotKey(slot)}, Value: []byte(snap.IDs[slot])},
		)
	}
	entries = append(entries, kv.Entry{Key: kv.Key{p.prefix, "meta"}, Value: meta})
	return p.store.BatchSet(ctx, entries)
}

// Close leaves the store open; it belongs to the caller.
func (p *KVPersister) Close() error { return nil }
