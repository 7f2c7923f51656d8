package recordstore

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// Memory is an in-process Store for tests. Records are copied on the way in
// and out.
type Memory struct {
	mu       sync.RWMutex
	refs     []*identity.Reference
	byID     map[string]*identity.Reference
	byPerson map[string]*identity.Reference
	cands    []*identity.Candidate
	videos   map[string]*VideoInfo
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]*identity.Reference),
		byPerson: make(map[string]*identity.Reference),
		videos:   make(map[string]*VideoInfo),
	}
}

func cloneReference(r *identity.Reference) *identity.Reference {
	cp := *r
	cp.Embedding = append(identity.Embedding(nil), r.Embedding...)
	cp.Attributes = r.Attributes.Clone()
	return &cp
}

func cloneCandidate(c *identity.Candidate) *identity.Candidate {
	cp := *c
	cp.Embedding = append(identity.Embedding(nil), c.Embedding...)
	cp.Attributes = c.Attributes.Clone()
	return &cp
}

func (m *Memory) Reference(_ context.Context, id string) (*identity.Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, notFound("recordstore.reference", "reference", id)
	}
	return cloneReference(r), nil
}

func (m *Memory) ReferenceByPersonID(_ context.Context, personID string) (*identity.Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byPerson[personID]
	if !ok {
		return nil, notFound("recordstore.reference", "person id", personID)
	}
	return cloneReference(r), nil
}

func (m *Memory) PutReference(_ context.Context, ref *identity.Reference) error {
	if err := validateReference("recordstore.put_reference", ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPerson[ref.PersonID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, ref.PersonID)
	}
	if _, ok := m.byID[ref.ID]; ok {
		return fmt.Errorf("%w: id %q", ErrDuplicate, ref.ID)
	}
	cp := cloneReference(ref)
	m.refs = append(m.refs, cp)
	m.byID[cp.ID] = cp
	m.byPerson[cp.PersonID] = cp
	return nil
}

func (m *Memory) References(ctx context.Context) iter.Seq2[*identity.Reference, error] {
	return func(yield func(*identity.Reference, error) bool) {
		m.mu.RLock()
		refs := make([]*identity.Reference, len(m.refs))
		for i, r := range m.refs {
			refs[i] = cloneReference(r)
		}
		m.mu.RUnlock()
		for _, r := range refs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *Memory) AppendCandidate(_ context.Context, c *identity.Candidate) (uint64, error) {
	if err := validateCandidate("recordstore.append_candidate", c); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneCandidate(c)
	cp.Seq = uint64(len(m.cands) + 1)
	m.cands = append(m.cands, cp)
	c.Seq = cp.Seq
	return cp.Seq, nil
}

func (m *Memory) Candidates(ctx context.Context, jobID string) iter.Seq2[*identity.Candidate, error] {
	return func(yield func(*identity.Candidate, error) bool) {
		m.mu.RLock()
		var cands []*identity.Candidate
		for _, c := range m.cands {
			if jobID == "" || c.JobID == jobID {
				cands = append(cands, cloneCandidate(c))
			}
		}
		m.mu.RUnlock()
		for _, c := range cands {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *Memory) PutVideo(_ context.Context, v *VideoInfo) error {
	if v == nil || v.JobID == "" {
		return identity.Errorf(identity.KindInvalidRecord, "recordstore.put_video", "video needs a job id")
	}
	cp := *v
	m.mu.Lock()
	m.videos[v.JobID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Video(_ context.Context, jobID string) (*VideoInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[jobID]
	if !ok {
		return nil, notFound("recordstore.video", "video of job", jobID)
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) FrameRate(ctx context.Context, videoID string) (float64, error) {
	v, err := m.Video(ctx, videoID)
	return frameRate(v, err, videoID)
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
