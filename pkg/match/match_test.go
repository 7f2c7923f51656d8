package match

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/timeline"
)

var created = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// unitAt returns a unit 3-vector whose cosine with (1,0,0) is sim.
func unitAt(sim float64) identity.Embedding {
	return identity.Embedding{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

// countingRates counts frame-rate lookups per video.
type countingRates struct {
	mu    sync.Mutex
	calls map[string]int
	rates map[string]float64
}

func newCountingRates(rates map[string]float64) *countingRates {
	return &countingRates{calls: make(map[string]int), rates: rates}
}

func (c *countingRates) FrameRate(_ context.Context, videoID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[videoID]++
	fps, ok := c.rates[videoID]
	if !ok {
		return 0, errors.New("no such video")
	}
	return fps, nil
}

type fixture struct {
	store *recordstore.Memory
	ref   *identity.Reference
}

func newFixture(t *testing.T, attrs *identity.Attributes) *fixture {
	t.Helper()
	store := recordstore.NewMemory()
	ref := &identity.Reference{
		ID:         "ref-1",
		PersonID:   "20240501_100000_photo.jpg_person0",
		Embedding:  identity.Embedding{1, 0, 0},
		Attributes: attrs,
		CropRef:    "refs/photo_person0.jpg",
		CreatedAt:  created,
	}
	if err := store.PutReference(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, ref: ref}
}

func (f *fixture) add(t *testing.T, job, crop string, emb identity.Embedding, attrs *identity.Attributes) {
	t.Helper()
	_, err := f.store.AppendCandidate(context.Background(), &identity.Candidate{
		JobID:      job,
		VideoName:  job + ".mp4",
		Embedding:  emb,
		Attributes: attrs,
		CropRef:    crop,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) ranker(src timeline.FrameRateSource) *Ranker {
	return New(Config{
		References: f.store,
		Candidates: f.store,
		Timeline:   &timeline.Resolver{Source: src},
		Workers:    4,
	})
}

func TestRequestDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Request
		want Request
	}{
		{"zero", Request{}, Request{TopK: 20, EmbeddingWeight: 0.8, MetadataWeight: 0.2, Threshold: 0.35}},
		{"explicit", Request{TopK: 3, EmbeddingWeight: 1, Threshold: 0.5}, Request{TopK: 3, EmbeddingWeight: 1, Threshold: 0.5}},
		{"negative threshold kept", Request{Threshold: -1}, Request{TopK: 20, EmbeddingWeight: 0.8, MetadataWeight: 0.2, Threshold: -1}},
		{"negative top k", Request{TopK: -4}, Request{TopK: 20, EmbeddingWeight: 0.8, MetadataWeight: 0.2, Threshold: 0.35}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.WithDefaults(); got != tt.want {
				t.Fatalf("WithDefaults = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCompareScenarioA(t *testing.T) {
	f := newFixture(t, &identity.Attributes{Age: identity.Age(30), Gender: identity.GenderMale, Color: identity.RGB{200, 150, 100}})
	f.add(t, "job-1", "job-1/person_3_frame_120.jpg", unitAt(0.90),
		&identity.Attributes{Age: identity.Age(32), Gender: identity.GenderMale, Color: identity.RGB{195, 148, 102}})

	res, err := f.ranker(timeline.Static{"job-1": 24}).Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(res.Matches))
	}
	m := res.Matches[0]
	if math.Abs(m.FaceSimilarity-0.90) > 1e-6 {
		t.Errorf("face similarity = %v, want 0.90", m.FaceSimilarity)
	}
	if math.Abs(m.MetaSimilarity-0.94) > 1e-3 {
		t.Errorf("meta similarity = %v, want ~0.94", m.MetaSimilarity)
	}
	if math.Abs(m.Score-(0.8*m.FaceSimilarity+0.2*m.MetaSimilarity)) > 1e-12 {
		t.Errorf("combined = %v, not the weighted sum", m.Score)
	}
	if math.Abs(m.Score-0.908) > 1e-3 {
		t.Errorf("combined = %v, want ~0.908", m.Score)
	}
	if m.FrameNumber != 120 || m.Timestamp != "00:05" {
		t.Errorf("frame %d at %q, want 120 at 00:05", m.FrameNumber, m.Timestamp)
	}
	if m.ReferenceID != "ref-1" || m.PersonID != f.ref.PersonID || m.JobID != "job-1" || m.VideoName != "job-1.mp4" {
		t.Errorf("identity fields = %+v", m)
	}
	if !m.DetectedAt.Equal(created) {
		t.Errorf("detected at = %v", m.DetectedAt)
	}
}

func TestCompareScenarioB(t *testing.T) {
	f := newFixture(t, &identity.Attributes{Age: identity.Age(30), Gender: identity.GenderFemale})
	f.add(t, "job-1", "c_frame_1.jpg", unitAt(0.75), nil)

	res, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("got %d matches", len(res.Matches))
	}
	m := res.Matches[0]
	if m.MetaSimilarity != 0 {
		t.Fatalf("meta similarity = %v, want 0", m.MetaSimilarity)
	}
	if m.Score != 0.8*m.FaceSimilarity {
		t.Fatalf("combined = %v, want exactly %v", m.Score, 0.8*m.FaceSimilarity)
	}
}

func TestCompareScenarioC(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatalf("Compare on empty set: %v", err)
	}
	if res.Matches == nil || len(res.Matches) != 0 || res.Scanned != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCompareScenarioD(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: "nobody"})
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestCompareByPersonID(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "job-1", "c.jpg", unitAt(0.9), nil)
	res, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: f.ref.PersonID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reference.ID != "ref-1" || len(res.Matches) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCompareOrderingAndTies(t *testing.T) {
	f := newFixture(t, nil)
	sims := []float64{0.5, 0.9, 0.7, 0.9, 0.2, 0.9, 0.7}
	for i, s := range sims {
		f.add(t, "job-1", fmt.Sprintf("c%d_frame_%d.jpg", i, i), unitAt(s), nil)
	}

	res, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}
	// 0.2*0.8 = 0.16 falls below the threshold.
	want := []string{"c1_frame_1.jpg", "c3_frame_3.jpg", "c5_frame_5.jpg", "c2_frame_2.jpg", "c6_frame_6.jpg", "c0_frame_0.jpg"}
	if len(res.Matches) != len(want) {
		t.Fatalf("got %d matches, want %d", len(res.Matches), len(want))
	}
	for i, m := range res.Matches {
		if m.VideoCrop != want[i] {
			t.Fatalf("match %d = %s, want %s", i, m.VideoCrop, want[i])
		}
		if m.Score < DefaultThreshold {
			t.Fatalf("match %d score %v below threshold", i, m.Score)
		}
		if i > 0 && m.Score > res.Matches[i-1].Score {
			t.Fatalf("match %d out of order", i)
		}
	}
}

func TestCompareTiesStableAcrossWorkers(t *testing.T) {
	f := newFixture(t, nil)
	const n = 1000
	for i := range n {
		f.add(t, "job-1", fmt.Sprintf("c%04d.jpg", i), unitAt(0.8), nil)
	}
	for _, workers := range []int{1, 3, 16} {
		r := New(Config{References: f.store, Candidates: f.store, Workers: workers})
		res, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1", TopK: n})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Matches) != n {
			t.Fatalf("workers=%d: %d matches", workers, len(res.Matches))
		}
		for i, m := range res.Matches {
			if want := fmt.Sprintf("c%04d.jpg", i); m.VideoCrop != want {
				t.Fatalf("workers=%d: match %d = %s, want %s", workers, i, m.VideoCrop, want)
			}
		}
	}
}

func TestCompareTopKAndThreshold(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 30 {
		f.add(t, "job-1", fmt.Sprintf("c%d.jpg", i), unitAt(0.5+float64(i)/100), nil)
	}
	r := f.ranker(nil)

	tests := []struct {
		name string
		req  Request
		want int
	}{
		{"default top k", Request{}, 20},
		{"top k 5", Request{TopK: 5}, 5},
		// 0.8*sim >= 0.595 needs sim >= 0.74375: i in 25..29.
		{"threshold", Request{Threshold: 0.595}, 5},
		{"nothing passes", Request{Threshold: 0.99}, 0},
		{"negative threshold", Request{Threshold: -1, TopK: 100}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ReferenceID = "ref-1"
			res, err := r.Compare(context.Background(), tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Matches) != tt.want {
				t.Fatalf("got %d matches, want %d", len(res.Matches), tt.want)
			}
			thr := tt.req.WithDefaults().Threshold
			for _, m := range res.Matches {
				if m.Score < thr {
					t.Fatalf("score %v below threshold %v", m.Score, thr)
				}
			}
		})
	}
}

func TestCompareJobScope(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "job-1", "a.jpg", unitAt(0.9), nil)
	f.add(t, "job-2", "b.jpg", unitAt(0.9), nil)
	f.add(t, "job-1", "c.jpg", unitAt(0.9), nil)
	r := f.ranker(nil)

	res, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1", JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 2 || res.Matches[0].VideoCrop != "a.jpg" || res.Matches[1].VideoCrop != "c.jpg" {
		t.Fatalf("job-1 matches = %+v", res.Matches)
	}
	res, err = r.Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 3 {
		t.Fatalf("all-jobs matches = %d, want 3", len(res.Matches))
	}
}

func TestCompareSkipsInvalidCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "job-1", "good1.jpg", unitAt(0.9), nil)
	f.add(t, "job-1", "short.jpg", identity.Embedding{1, 0}, nil)
	f.add(t, "job-1", "zero.jpg", identity.Embedding{0, 0, 0}, nil)
	f.add(t, "job-1", "nan.jpg", identity.Embedding{float32(math.NaN()), 0, 0}, nil)
	f.add(t, "job-1", "good2.jpg", unitAt(0.8), nil)

	res, err := f.ranker(nil).Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 2 || res.Scanned != 5 {
		t.Fatalf("matches = %d, scanned = %d", len(res.Matches), res.Scanned)
	}
	if len(res.Skipped) != 3 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	for i, want := range []string{"short.jpg", "zero.jpg", "nan.jpg"} {
		d := res.Skipped[i]
		if d.CropRef != want || d.Kind != identity.KindInvalidRecord || d.Seq == 0 {
			t.Fatalf("skipped[%d] = %+v", i, d)
		}
	}
}

// scriptedSource yields a fixed sequence of candidates and errors.
type scriptedSource []struct {
	c   *identity.Candidate
	err error
}

func (s scriptedSource) Candidates(ctx context.Context, _ string) iter.Seq2[*identity.Candidate, error] {
	return func(yield func(*identity.Candidate, error) bool) {
		for _, e := range s {
			if !yield(e.c, e.err) {
				return
			}
		}
	}
}

func TestCompareUndecodableRecords(t *testing.T) {
	f := newFixture(t, nil)
	good := &identity.Candidate{Seq: 1, JobID: "job-1", Embedding: unitAt(0.9), CropRef: "good.jpg"}
	bad := &identity.Candidate{Seq: 2, JobID: "job-1"}

	src := scriptedSource{
		{c: good},
		{c: bad, err: identity.Errorf(identity.KindInvalidRecord, "recordstore.decode", "bad msgpack")},
		{err: identity.Errorf(identity.KindInvalidRecord, "recordstore.decode", "unreadable key")},
	}
	r := New(Config{References: f.store, Candidates: src})
	res, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 || len(res.Skipped) != 2 || res.Scanned != 3 {
		t.Fatalf("result = %+v", res)
	}
	if res.Skipped[0].Seq != 2 || res.Skipped[0].JobID != "job-1" {
		t.Fatalf("skipped[0] = %+v", res.Skipped[0])
	}

	fatal := scriptedSource{{c: good}, {err: errors.New("disk on fire")}}
	r = New(Config{References: f.store, Candidates: fatal})
	if _, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1"}); err == nil {
		t.Fatal("expected store failure to abort the scan")
	}
}

func TestCompareMaxCandidates(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 10 {
		f.add(t, "job-1", fmt.Sprintf("c%d.jpg", i), unitAt(0.9), nil)
	}
	r := f.ranker(nil)

	res, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1", MaxCandidates: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 4 || !res.Capped || len(res.Matches) != 4 {
		t.Fatalf("scanned = %d, capped = %v, matches = %d", res.Scanned, res.Capped, len(res.Matches))
	}
	if res.Matches[3].VideoCrop != "c3.jpg" {
		t.Fatalf("last match = %s", res.Matches[3].VideoCrop)
	}

	res, err = r.Compare(context.Background(), Request{ReferenceID: "ref-1", MaxCandidates: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 10 || res.Capped {
		t.Fatalf("exact bound: scanned = %d, capped = %v", res.Scanned, res.Capped)
	}
}

func TestCompareFrameRateLookups(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 50 {
		f.add(t, "job-a", fmt.Sprintf("a/person_1_frame_%d.jpg", i*60), unitAt(0.9), nil)
		f.add(t, "job-b", fmt.Sprintf("b/person_1_frame_%d.jpg", i*60), unitAt(0.9), nil)
	}
	f.add(t, "job-low", "low/person_1_frame_60.jpg", unitAt(0.1), nil)

	rates := newCountingRates(map[string]float64{"job-a": 60})
	res, err := f.ranker(rates).Compare(context.Background(), Request{ReferenceID: "ref-1", TopK: 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 100 {
		t.Fatalf("got %d matches", len(res.Matches))
	}
	if rates.calls["job-a"] != 1 || rates.calls["job-b"] != 1 {
		t.Fatalf("lookups = %v, want one per video", rates.calls)
	}
	if rates.calls["job-low"] != 0 {
		t.Fatal("frame rate looked up for a candidate below the threshold")
	}
	for _, m := range res.Matches {
		if m.VideoCrop == "a/person_1_frame_1200.jpg" && m.Timestamp != "00:20" {
			t.Fatalf("job-a at 60fps: %q", m.Timestamp)
		}
		// job-b has no rate and falls back to 30fps.
		if m.VideoCrop == "b/person_1_frame_1200.jpg" && m.Timestamp != "00:40" {
			t.Fatalf("job-b fallback: %q", m.Timestamp)
		}
	}

	// A new call does not reuse the previous call's rates.
	if _, err := f.ranker(rates).Compare(context.Background(), Request{ReferenceID: "ref-1", JobID: "job-a"}); err != nil {
		t.Fatal(err)
	}
	if rates.calls["job-a"] != 2 {
		t.Fatalf("job-a lookups = %d, want 2", rates.calls["job-a"])
	}
}

func TestCompareCanceled(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "job-1", "c.jpg", unitAt(0.9), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ranker(nil).Compare(ctx, Request{ReferenceID: "ref-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCompareInvalidReference(t *testing.T) {
	store := recordstore.NewMemory()
	r := New(Config{References: store, Candidates: store})
	// Memory rejects invalid embeddings, so go through a finder that does not.
	bad := &identity.Reference{ID: "r", PersonID: "p", Embedding: identity.Embedding{0, 0}}
	r.cfg.References = staticFinder{bad}
	_, err := r.Compare(context.Background(), Request{ReferenceID: "r"})
	if !errors.Is(err, identity.ErrInvalidRecord) {
		t.Fatalf("err = %v, want InvalidRecord", err)
	}
}

type staticFinder struct{ ref *identity.Reference }

func (s staticFinder) Reference(_ context.Context, id string) (*identity.Reference, error) {
	if id == s.ref.ID {
		return s.ref, nil
	}
	return nil, identity.ErrNotFound
}

func (s staticFinder) ReferenceByPersonID(_ context.Context, id string) (*identity.Reference, error) {
	if id == s.ref.PersonID {
		return s.ref, nil
	}
	return nil, identity.ErrNotFound
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, nil)
	f.add(t, "job-1", "good.jpg", unitAt(0.9), nil)
	f.add(t, "job-1", "low.jpg", unitAt(0.1), nil)
	f.add(t, "job-1", "bad.jpg", identity.Embedding{1}, nil)

	r := New(Config{References: f.store, Candidates: f.store, Metrics: m})
	if _, err := r.Compare(context.Background(), Request{ReferenceID: "ref-1"}); err != nil {
		t.Fatal(err)
	}
	r.Compare(context.Background(), Request{ReferenceID: "missing"})

	if got := testutil.ToFloat64(m.scanned); got != 3 {
		t.Errorf("scanned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.matches); got != 1 {
		t.Errorf("matches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.skipped.WithLabelValues("InvalidRecord")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("duration series = %d, want ok and not_found", n)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	// A nil *Metrics is a no-op.
	var none *Metrics
	none.observe(time.Second, &Result{Scanned: 1}, nil)
}
