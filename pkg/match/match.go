// Package match ranks candidate observations against a registered
// reference identity.
//
// A comparison resolves the reference, drains the candidate set of one job
// (or of every job), scores each candidate on a worker pool and returns the
// survivors ordered by combined score:
//
//	combined = EmbeddingWeight*cosine(ref, cand) + MetadataWeight*metascore(ref, cand)
//
// Candidates whose combined score is below the threshold are dropped. Equal
// scores keep their scan order. Candidates that cannot be scored are
// reported in Result.Skipped and never abort the scan.
//
//	r := match.New(match.Config{References: store, Candidates: store, Timeline: res})
//	res, err := r.Compare(ctx, match.Request{ReferenceID: "f3c1...", JobID: "job-7"})
package match

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/metascore"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/timeline"
)

// Request defaults.
const (
	DefaultTopK            = 20
	DefaultEmbeddingWeight = 0.8
	DefaultMetadataWeight  = 0.2
	DefaultThreshold       = 0.35
)

// progressEvery is the number of scanned candidates between progress logs.
const progressEvery = 100

// chunkSize is the number of candidates scored by one pool task.
const chunkSize = 256

// CandidateSource lists candidate observations in scan order.
type CandidateSource interface {
	Candidates(ctx context.Context, jobID string) iter.Seq2[*identity.Candidate, error]
}

// Config wires a Ranker.
type Config struct {
	References recordstore.ReferenceFinder
	Candidates CandidateSource

	Scorer metascore.Scorer

	// Timeline supplies per-video frame rates. Nil uses the default rate
	// for every video.
	Timeline *timeline.Resolver

	// Workers bounds the scoring pool. Zero means GOMAXPROCS.
	Workers int

	Logger  *slog.Logger
	Metrics *Metrics
}

// Request describes one comparison. Zero fields take the package defaults.
type Request struct {
	// ReferenceID is a primary id or a person id.
	ReferenceID string `json:"reference_id" yaml:"reference_id"`

	// JobID scopes the scan to one job. Empty scans every job.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`

	TopK int `json:"top_k,omitempty" yaml:"top_k,omitempty"`

	// EmbeddingWeight and MetadataWeight default to 0.8 and 0.2 when both
	// are zero.
	EmbeddingWeight float64 `json:"embedding_weight,omitempty" yaml:"embedding_weight,omitempty"`
	MetadataWeight  float64 `json:"metadata_weight,omitempty" yaml:"metadata_weight,omitempty"`

	// Threshold is the minimum combined score. Zero means 0.35; negative
	// values are used as given.
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// MaxCandidates caps the number of candidates scanned. Zero scans all.
	MaxCandidates int `json:"max_candidates,omitempty" yaml:"max_candidates,omitempty"`
}

// WithDefaults returns r with zero fields replaced by the defaults.
func (r Request) WithDefaults() Request {
	if r.TopK <= 0 {
		r.TopK = DefaultTopK
	}
	if r.EmbeddingWeight == 0 && r.MetadataWeight == 0 {
		r.EmbeddingWeight = DefaultEmbeddingWeight
		r.MetadataWeight = DefaultMetadataWeight
	}
	if r.Threshold == 0 {
		r.Threshold = DefaultThreshold
	}
	return r
}

// Result is the outcome of one comparison.
type Result struct {
	Reference *identity.Reference    `json:"reference" yaml:"reference"`
	Matches   []identity.MatchResult `json:"matches" yaml:"matches"`
	Skipped   []identity.Diagnostic  `json:"skipped,omitempty" yaml:"skipped,omitempty"`

	// Scanned counts every candidate read, including skipped ones.
	Scanned int `json:"scanned" yaml:"scanned"`

	// Capped reports that MaxCandidates stopped the scan early.
	Capped bool `json:"capped,omitempty" yaml:"capped,omitempty"`
}

// Ranker compares references against candidates. It holds no per-call
// state and is safe for concurrent use.
type Ranker struct {
	cfg Config
}

func New(cfg Config) *Ranker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Timeline == nil {
		cfg.Timeline = &timeline.Resolver{Logger: cfg.Logger}
	}
	return &Ranker{cfg: cfg}
}

// Compare ranks the candidates of req.JobID against req.ReferenceID.
//
// An unknown reference is NotFound. An empty candidate set yields an empty
// result. Context cancellation stops the scan and returns the context
// error.
func (r *Ranker) Compare(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	req = req.WithDefaults()

	res, err := r.compare(ctx, req)
	r.cfg.Metrics.observe(time.Since(start), res, err)
	if err != nil {
		return nil, err
	}
	r.cfg.Logger.DebugContext(ctx, "match: compare done",
		"reference", res.Reference.ID,
		"job", req.JobID,
		"scanned", res.Scanned,
		"matches", len(res.Matches),
		"skipped", len(res.Skipped),
		"capped", res.Capped,
		"elapsed", time.Since(start),
	)
	if len(res.Skipped) > 0 {
		r.cfg.Logger.WarnContext(ctx, "match: candidates skipped",
			"reference", res.Reference.ID,
			"count", len(res.Skipped),
		)
	}
	return res, nil
}

func (r *Ranker) compare(ctx context.Context, req Request) (*Result, error) {
	ref, err := recordstore.Lookup(ctx, r.cfg.References, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	refEmb, err := ref.Embedding.Normalize()
	if err != nil {
		return nil, identity.Reop(err, "match.reference")
	}

	res := &Result{Reference: ref, Matches: []identity.MatchResult{}}

	// The candidate iterator is drained before scoring so that frame-rate
	// lookups never run while a store cursor is open.
	cands, err := r.gather(ctx, req, res)
	if err != nil {
		return nil, err
	}

	outcomes := make([]outcome, len(cands))
	fps := r.cfg.Timeline.NewCache()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for lo := 0; lo < len(cands); lo += chunkSize {
		hi := min(lo+chunkSize, len(cands))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				outcomes[i] = r.score(gctx, req, ref, refEmb, cands[i], fps)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, o := range outcomes {
		switch {
		case o.skip != nil:
			res.Skipped = append(res.Skipped, *o.skip)
		case o.match != nil:
			res.Matches = append(res.Matches, *o.match)
		}
	}
	slices.SortStableFunc(res.Matches, func(a, b identity.MatchResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(res.Matches) > req.TopK {
		res.Matches = res.Matches[:req.TopK]
	}
	return res, nil
}

// gather reads the candidate set into memory in scan order. Undecodable
// records become diagnostics; any other iteration error is returned.
func (r *Ranker) gather(ctx context.Context, req Request, res *Result) ([]*identity.Candidate, error) {
	var cands []*identity.Candidate
	for c, err := range r.cfg.Candidates.Candidates(ctx, req.JobID) {
		if req.MaxCandidates > 0 && res.Scanned == req.MaxCandidates {
			res.Capped = true
			break
		}
		res.Scanned++
		if res.Scanned%progressEvery == 0 {
			r.cfg.Logger.DebugContext(ctx, "match: scanning candidates",
				"job", req.JobID,
				"scanned", res.Scanned,
			)
		}
		if err != nil {
			if identity.KindOf(err) != identity.KindInvalidRecord {
				return nil, fmt.Errorf("match: list candidates: %w", err)
			}
			d := identity.Diagnostic{Kind: identity.KindInvalidRecord, Reason: err.Error()}
			if c != nil {
				d.Seq, d.JobID, d.CropRef = c.Seq, c.JobID, c.CropRef
			}
			res.Skipped = append(res.Skipped, d)
			continue
		}
		cands = append(cands, c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cands, nil
}

type outcome struct {
	match *identity.MatchResult
	skip  *identity.Diagnostic
}

func (r *Ranker) score(ctx context.Context, req Request, ref *identity.Reference, refEmb identity.Embedding, c *identity.Candidate, fps *timeline.Cache) outcome {
	if err := c.Embedding.Validate(len(refEmb)); err != nil {
		return outcome{skip: &identity.Diagnostic{
			Seq:     c.Seq,
			JobID:   c.JobID,
			CropRef: c.CropRef,
			Kind:    identity.KindInvalidRecord,
			Reason:  err.Error(),
		}}
	}

	faceSim := identity.Cosine(refEmb, c.Embedding)
	metaSim := r.cfg.Scorer.Score(ref.Attributes, c.Attributes)
	combined := req.EmbeddingWeight*faceSim + req.MetadataWeight*metaSim
	if combined < req.Threshold {
		return outcome{}
	}

	frame := timeline.FrameNumber(c.CropRef)
	return outcome{match: &identity.MatchResult{
		ReferenceID:    ref.ID,
		PersonID:       ref.PersonID,
		ReferenceCrop:  ref.CropRef,
		ReferenceAttr:  ref.Attributes.Clone(),
		VideoName:      c.VideoName,
		JobID:          c.JobID,
		VideoCrop:      c.CropRef,
		CandidateAttr:  c.Attributes.Clone(),
		FaceSimilarity: faceSim,
		MetaSimilarity: metaSim,
		Score:          combined,
		FrameNumber:    frame,
		Timestamp:      timeline.Timestamp(frame, fps.FPS(ctx, c.VideoID())),
		DetectedAt:     c.CreatedAt,
	}}
}
