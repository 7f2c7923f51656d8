// Package recordstore holds the records the matching engine reads:
// registered references, candidate observations grouped by job, and the
// per-job video catalog.
//
// Three backends implement [Store]: [KV] on top of pkg/kv (badger on disk),
// [SQLite] on modernc.org/sqlite, and [Memory] for tests.
//
// Iterators yield records in a stable order. A record that cannot be
// decoded is yielded as an error of kind InvalidRecord together with
// whatever identifying fields could be recovered; iteration continues
// after it. Any other error ends the iteration.
package recordstore

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// ErrDuplicate is returned by PutReference when the person id is taken.
// The first registration of a person id wins.
var ErrDuplicate = errors.New("recordstore: duplicate person id")

// ReferenceFinder is the read side of References.
type ReferenceFinder interface {
	// Reference returns NotFound if id is unknown.
	Reference(ctx context.Context, id string) (*identity.Reference, error)

	// ReferenceByPersonID returns NotFound if personID is unknown.
	ReferenceByPersonID(ctx context.Context, personID string) (*identity.Reference, error)
}

// References stores registered identities.
type References interface {
	ReferenceFinder

	PutReference(ctx context.Context, ref *identity.Reference) error

	// References yields every reference in registration order.
	References(ctx context.Context) iter.Seq2[*identity.Reference, error]
}

// Candidates stores observations in append order.
type Candidates interface {
	// AppendCandidate assigns c.Seq and stores c.
	AppendCandidate(ctx context.Context, c *identity.Candidate) (uint64, error)

	// Candidates yields the candidates of jobID by ascending Seq. An empty
	// jobID yields every candidate of every job.
	Candidates(ctx context.Context, jobID string) iter.Seq2[*identity.Candidate, error]
}

// VideoInfo is the catalog entry of the one video processed by a job.
type VideoInfo struct {
	JobID      string    `json:"job_id" yaml:"job_id" msgpack:"job_id"`
	Name       string    `json:"name" yaml:"name" msgpack:"name"`
	FPS        float64   `json:"fps" yaml:"fps" msgpack:"fps"`
	FrameCount int       `json:"frame_count,omitempty" yaml:"frame_count,omitempty" msgpack:"frame_count,omitempty"`
	Width      int       `json:"width,omitempty" yaml:"width,omitempty" msgpack:"width,omitempty"`
	Height     int       `json:"height,omitempty" yaml:"height,omitempty" msgpack:"height,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at" msgpack:"updated_at"`
}

// Videos is the per-job video catalog.
type Videos interface {
	PutVideo(ctx context.Context, v *VideoInfo) error

	// Video returns NotFound if the job has no catalog entry.
	Video(ctx context.Context, jobID string) (*VideoInfo, error)
}

// Store is the union of the three record kinds.
type Store interface {
	References
	Candidates
	Videos

	// FrameRate serves the catalog as a timeline.FrameRateSource. An
	// unknown job or a non-positive rate is LookupFailure.
	FrameRate(ctx context.Context, videoID string) (float64, error)

	Close() error
}

// Lookup resolves key as a primary id first and then as a person id. It
// returns NotFound if neither resolves.
func Lookup(ctx context.Context, f ReferenceFinder, key string) (*identity.Reference, error) {
	ref, err := f.Reference(ctx, key)
	if err == nil || !errors.Is(err, identity.ErrNotFound) {
		return ref, err
	}
	ref, err = f.ReferenceByPersonID(ctx, key)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, identity.Errorf(identity.KindNotFound, "recordstore.lookup", "no reference with id or person id %q", key)
	}
	return ref, err
}

func validateReference(op string, ref *identity.Reference) error {
	if ref == nil {
		return identity.Errorf(identity.KindInvalidRecord, op, "nil reference")
	}
	if ref.ID == "" || ref.PersonID == "" {
		return identity.Errorf(identity.KindInvalidRecord, op, "reference needs both id and person id")
	}
	if err := ref.Embedding.Validate(0); err != nil {
		return identity.Reop(err, op)
	}
	return nil
}

func validateCandidate(op string, c *identity.Candidate) error {
	if c == nil {
		return identity.Errorf(identity.KindInvalidRecord, op, "nil candidate")
	}
	if c.JobID == "" {
		return identity.Errorf(identity.KindInvalidRecord, op, "candidate needs a job id")
	}
	return nil
}

func frameRate(v *VideoInfo, err error, videoID string) (float64, error) {
	if err != nil {
		return 0, identity.Wrap(identity.KindLookupFailure, "recordstore.framerate", err)
	}
	if v.FPS <= 0 {
		return 0, identity.Errorf(identity.KindLookupFailure, "recordstore.framerate",
			"video %q has frame rate %v", videoID, v.FPS)
	}
	return v.FPS, nil
}

func notFound(op, what, key string) error {
	return identity.Errorf(identity.KindNotFound, op, "%s %q", what, key)
}
