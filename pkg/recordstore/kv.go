package recordstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/kv"
)

// Separator joins key segments in the KV backend. Record ids, person ids
// and job ids may contain ':' or '/', so a control byte is used instead.
const Separator byte = 0x1f

// KV stores records as msgpack values in a kv.Store:
//
//	{"ref", <id>}                 Reference
//	{"refp", <person id>}         id of the reference
//	{"refseq", <seq>}             id, in registration order
//	{"cand", <seq>}               Candidate
//	{"jobcand", <job id>, <seq>}  empty; per-job index into "cand"
//	{"video", <job id>}           VideoInfo
//	{"meta", "refseq"|"candseq"}  counters
type KV struct {
	store kv.Store
}

// NewKV wraps store. The store should be opened with
// &kv.Options{Separator: Separator}.
func NewKV(store kv.Store) *KV {
	return &KV{store: store}
}

// Store returns the wrapped store. Other components may keep their own
// keys in it as long as they stay clear of the prefixes above.
func (s *KV) Store() kv.Store { return s.store }

// OpenBadger opens a badger database in dir and wraps it.
func OpenBadger(dir string, opts kv.BadgerOptions) (*KV, error) {
	opts.Dir = dir
	opts.Options = &kv.Options{Separator: Separator}
	db, err := kv.NewBadger(opts)
	if err != nil {
		return nil, err
	}
	return NewKV(db), nil
}

func seqKey(seq uint64) string { return fmt.Sprintf("%020d", seq) }

func (s *KV) Reference(ctx context.Context, id string) (*identity.Reference, error) {
	raw, err := s.store.Get(ctx, kv.Key{"ref", id})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("recordstore.reference", "reference", id)
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get reference %q: %w", id, err)
	}
	var ref identity.Reference
	if err := msgpack.Unmarshal(raw, &ref); err != nil {
		return nil, identity.Errorf(identity.KindInvalidRecord, "recordstore.reference", "decode %q: %v", id, err)
	}
	return &ref, nil
}

func (s *KV) ReferenceByPersonID(ctx context.Context, personID string) (*identity.Reference, error) {
	id, err := s.store.Get(ctx, kv.Key{"refp", personID})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("recordstore.reference", "person id", personID)
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get person id %q: %w", personID, err)
	}
	return s.Reference(ctx, string(id))
}

func (s *KV) PutReference(ctx context.Context, ref *identity.Reference) error {
	if err := validateReference("recordstore.put_reference", ref); err != nil {
		return err
	}
	val, err := msgpack.Marshal(ref)
	if err != nil {
		return fmt.Errorf("recordstore: encode reference: %w", err)
	}
	if _, err := s.store.Get(ctx, kv.Key{"ref", ref.ID}); err == nil {
		return fmt.Errorf("%w: id %q", ErrDuplicate, ref.ID)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("recordstore: check reference id: %w", err)
	}
	claimed, err := s.store.PutIfAbsent(ctx, kv.Key{"refp", ref.PersonID}, []byte(ref.ID))
	if err != nil {
		return fmt.Errorf("recordstore: claim person id: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %q", ErrDuplicate, ref.PersonID)
	}
	seq, err := s.store.Next(ctx, kv.Key{"meta", "refseq"})
	if err == nil {
		err = s.store.BatchSet(ctx, []kv.Entry{
			{Key: kv.Key{"ref", ref.ID}, Value: val},
			{Key: kv.Key{"refseq", seqKey(seq)}, Value: []byte(ref.ID)},
		})
	}
	if err != nil {
		// Release the claim so a retry can succeed.
		_ = s.store.Delete(ctx, kv.Key{"refp", ref.PersonID})
		return fmt.Errorf("recordstore: put reference: %w", err)
	}
	return nil
}

func (s *KV) References(ctx context.Context) iter.Seq2[*identity.Reference, error] {
	return func(yield func(*identity.Reference, error) bool) {
		for e, err := range s.store.List(ctx, kv.Key{"refseq"}) {
			if err != nil {
				yield(nil, err)
				return
			}
			ref, err := s.Reference(ctx, string(e.Value))
			if err != nil && identity.KindOf(err) != identity.KindInvalidRecord {
				yield(nil, err)
				return
			}
			if !yield(ref, err) {
				return
			}
		}
	}
}

func (s *KV) AppendCandidate(ctx context.Context, c *identity.Candidate) (uint64, error) {
	if err := validateCandidate("recordstore.append_candidate", c); err != nil {
		return 0, err
	}
	seq, err := s.store.Next(ctx, kv.Key{"meta", "candseq"})
	if err != nil {
		return 0, fmt.Errorf("recordstore: next sequence: %w", err)
	}
	rec := *c
	rec.Seq = seq
	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("recordstore: encode candidate: %w", err)
	}
	if err := s.store.BatchSet(ctx, []kv.Entry{
		{Key: kv.Key{"cand", seqKey(seq)}, Value: val},
		{Key: kv.Key{"jobcand", c.JobID, seqKey(seq)}, Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("recordstore: append candidate: %w", err)
	}
	c.Seq = seq
	return seq, nil
}

func (s *KV) Candidates(ctx context.Context, jobID string) iter.Seq2[*identity.Candidate, error] {
	return func(yield func(*identity.Candidate, error) bool) {
		if jobID == "" {
			for e, err := range s.store.List(ctx, kv.Key{"cand"}) {
				if err != nil {
					yield(nil, err)
					return
				}
				c, err := decodeCandidate(e.Key[len(e.Key)-1], "", e.Value)
				if !yield(c, err) {
					return
				}
			}
			return
		}
		for e, err := range s.store.List(ctx, kv.Key{"jobcand", jobID}) {
			if err != nil {
				yield(nil, err)
				return
			}
			seq := e.Key[len(e.Key)-1]
			raw, err := s.store.Get(ctx, kv.Key{"cand", seq})
			if err != nil {
				yield(nil, fmt.Errorf("recordstore: candidate %s of job %q: %w", seq, jobID, err))
				return
			}
			c, err := decodeCandidate(seq, jobID, raw)
			if !yield(c, err) {
				return
			}
		}
	}
}

// decodeCandidate returns a partial candidate alongside an InvalidRecord
// error when raw cannot be decoded.
func decodeCandidate(seqStr, jobID string, raw []byte) (*identity.Candidate, error) {
	seq, _ := strconv.ParseUint(seqStr, 10, 64)
	var c identity.Candidate
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return &identity.Candidate{Seq: seq, JobID: jobID},
			identity.Errorf(identity.KindInvalidRecord, "recordstore.candidates", "decode candidate %d: %v", seq, err)
	}
	c.Seq = seq
	return &c, nil
}

func (s *KV) PutVideo(ctx context.Context, v *VideoInfo) error {
	if v == nil || v.JobID == "" {
		return identity.Errorf(identity.KindInvalidRecord, "recordstore.put_video", "video needs a job id")
	}
	val, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("recordstore: encode video: %w", err)
	}
	return s.store.Set(ctx, kv.Key{"video", v.JobID}, val)
}

func (s *KV) Video(ctx context.Context, jobID string) (*VideoInfo, error) {
	raw, err := s.store.Get(ctx, kv.Key{"video", jobID})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFound("recordstore.video", "video of job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get video %q: %w", jobID, err)
	}
	var v VideoInfo
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, identity.Errorf(identity.KindInvalidRecord, "recordstore.video", "decode %q: %v", jobID, err)
	}
	return &v, nil
}

func (s *KV) FrameRate(ctx context.Context, videoID string) (float64, error) {
	v, err := s.Video(ctx, videoID)
	return frameRate(v, err, videoID)
}

func (s *KV) Close() error { return s.store.Close() }

var _ Store = (*KV)(nil)
