// Package registry registers reference identities and resolves query
// embeddings back to them.
//
// Registration writes to two places: the similarity index (slot → reference
// id) and the reference store (id → record). The index is written first.
// If the store write then fails, the index holds an id the store does not
// know; Resolve reports such ids as NotFound diagnostics instead of failing.
//
//	reg := registry.New(registry.Config{Index: idx, Store: store})
//	refs, err := reg.RegisterUpload(ctx, "photo.jpg", faces)
//	hits, diags, err := reg.Resolve(ctx, probe, 5)
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/vecstore"
)

// Config wires a Registry.
type Config struct {
	Index vecstore.Index
	Store recordstore.References

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// NewID generates primary ids. Defaults to uuid.NewString.
	NewID func() string
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// Input is one face to register.
type Input struct {
	// PersonID is the natural key. Empty means RegisterUpload generates
	// one; Register requires it.
	PersonID   string
	Embedding  identity.Embedding
	Attributes *identity.Attributes
	CropRef    string
}

// Resolution is one resolved search hit.
type Resolution struct {
	Reference  *identity.Reference `json:"reference" yaml:"reference"`
	Slot       int                 `json:"slot" yaml:"slot"`
	Similarity float64             `json:"similarity" yaml:"similarity"`
}

// Registry serializes registrations so that the person-id uniqueness
// check and the index append happen together.
type Registry struct {
	mu  sync.Mutex
	cfg Config
}

func New(cfg Config) *Registry {
	cfg.defaults()
	return &Registry{cfg: cfg}
}

// UploadName prefixes the base name of an uploaded file with its upload
// time, e.g. "20240101_120000_photo.jpg".
func UploadName(at time.Time, filename string) string {
	return at.Format("20060102_150405_") + filepath.Base(filepath.ToSlash(filename))
}

// PersonID names the i-th person detected in an upload.
func PersonID(upload string, i int) string {
	return fmt.Sprintf("%s_person%d", upload, i)
}

// Register stores a single reference.
func (r *Registry) Register(ctx context.Context, in Input) (*identity.Reference, error) {
	refs, err := r.RegisterBatch(ctx, []Input{in})
	if err != nil {
		return nil, err
	}
	return refs[0], nil
}

// RegisterUpload registers every face detected in one uploaded file. Faces
// without a PersonID are named after the upload and their position.
func (r *Registry) RegisterUpload(ctx context.Context, filename string, faces []Input) ([]*identity.Reference, error) {
	upload := UploadName(r.cfg.Now(), filename)
	named := make([]Input, len(faces))
	for i, f := range faces {
		if f.PersonID == "" {
			f.PersonID = PersonID(upload, i)
		}
		named[i] = f
	}
	return r.RegisterBatch(ctx, named)
}

// RegisterBatch validates every input, appends all embeddings to the index
// in one durable write, then stores the references. Nothing is written if
// any input is invalid or its person id is already registered.
func (r *Registry) RegisterBatch(ctx context.Context, ins []Input) ([]*identity.Reference, error) {
	if len(ins) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now().UTC()
	seen := make(map[string]bool, len(ins))
	refs := make([]*identity.Reference, len(ins))
	ids := make([]string, len(ins))
	vecs := make([][]float32, len(ins))
	for i, in := range ins {
		if in.PersonID == "" {
			return nil, identity.Errorf(identity.KindInvalidRecord, "registry.register", "input %d has no person id", i)
		}
		if seen[in.PersonID] {
			return nil, fmt.Errorf("%w: %q repeated in batch", recordstore.ErrDuplicate, in.PersonID)
		}
		seen[in.PersonID] = true

		if err := in.Embedding.Validate(r.cfg.Index.Dim()); err != nil {
			return nil, identity.Reop(err, "registry.register")
		}
		normed, err := in.Embedding.Normalize()
		if err != nil {
			return nil, identity.Reop(err, "registry.register")
		}

		_, err = r.cfg.Store.ReferenceByPersonID(ctx, in.PersonID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: %q", recordstore.ErrDuplicate, in.PersonID)
		case !errors.Is(err, identity.ErrNotFound):
			return nil, fmt.Errorf("registry: check person id: %w", err)
		}

		refs[i] = &identity.Reference{
			ID:         r.cfg.NewID(),
			PersonID:   in.PersonID,
			Embedding:  normed,
			Attributes: in.Attributes.Clone(),
			CropRef:    in.CropRef,
			CreatedAt:  now,
		}
		ids[i] = refs[i].ID
		vecs[i] = normed
	}

	first, err := r.cfg.Index.BatchAdd(ctx, ids, vecs)
	if err != nil {
		return nil, fmt.Errorf("registry: index: %w", err)
	}

	var errs []error
	stored := make([]*identity.Reference, 0, len(refs))
	for i, ref := range refs {
		if err := r.cfg.Store.PutReference(ctx, ref); err != nil {
			r.cfg.Logger.WarnContext(ctx, "registry: reference indexed but not stored",
				"id", ref.ID,
				"person_id", ref.PersonID,
				"slot", first+i,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("store %q: %w", ref.PersonID, err))
			continue
		}
		stored = append(stored, ref)
		r.cfg.Logger.InfoContext(ctx, "registry: reference registered",
			"id", ref.ID,
			"person_id", ref.PersonID,
			"slot", first+i,
		)
	}
	return stored, errors.Join(errs...)
}

// Resolve searches the index for emb and loads the references behind the
// top k hits. Index ids are resolved with recordstore.Lookup; hits that
// do not resolve become NotFound diagnostics.
func (r *Registry) Resolve(ctx context.Context, emb identity.Embedding, k int) ([]Resolution, []identity.Diagnostic, error) {
	matches, err := r.cfg.Index.Search(ctx, emb, k)
	if err != nil {
		return nil, nil, err
	}
	var (
		out   []Resolution
		diags []identity.Diagnostic
	)
	for _, m := range matches {
		ref, err := recordstore.Lookup(ctx, r.cfg.Store, m.ID)
		if errors.Is(err, identity.ErrNotFound) {
			diags = append(diags, identity.Diagnostic{
				Kind:   identity.KindNotFound,
				Reason: fmt.Sprintf("index slot %d holds unknown id %q", m.Slot, m.ID),
			})
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		out = append(out, Resolution{Reference: ref, Slot: m.Slot, Similarity: m.Similarity})
	}
	return out, diags, nil
}
