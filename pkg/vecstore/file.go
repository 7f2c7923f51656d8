package vecstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dishu2607/missing-person-detection/pkg/storage"
)

// FilePersister keeps the index as generation-numbered artifacts in a
// storage.FileStore:
//
//	<name>-<gen>.vec   zstd-compressed vector table
//	<name>-<gen>.ids   msgpack slot → id mapping
//	<name>.CURRENT     the live generation number
//
// A commit writes both artifacts of the next generation, then replaces
// CURRENT, then deletes the previous generation. A crash at any point
// leaves CURRENT naming a complete generation.
type FilePersister struct {
	store  storage.FileStore
	name   string
	logger *slog.Logger

	gen uint64
}

// NewFilePersister returns a persister for index name in store. An empty
// name means "faces".
func NewFilePersister(store storage.FileStore, name string, logger *slog.Logger) *FilePersister {
	if name == "" {
		name = "faces"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FilePersister{store: store, name: name, logger: logger}
}

type idsFile struct {
	Generation uint64   `msgpack:"generation"`
	Dim        int      `msgpack:"dim"`
	IDs        []string `msgpack:"ids"`
}

func (p *FilePersister) current() string { return p.name + ".CURRENT" }

func (p *FilePersister) artifact(gen uint64, ext string) string {
	return fmt.Sprintf("%s-%d.%s", p.name, gen, ext)
}

// Generation returns the live generation, 0 before the first commit.
func (p *FilePersister) Generation() uint64 { return p.gen }

func (p *FilePersister) String() string { return "file:" + p.name }

func (p *FilePersister) Load(ctx context.Context) (*Snapshot, error) {
	gen, err := p.readCurrent(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		p.sweep(ctx, 0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dim, vectors, err := p.readVectors(ctx, gen)
	if err != nil {
		return nil, err
	}
	ids, err := p.readIDs(ctx, gen)
	if err != nil {
		return nil, err
	}
	if ids.Generation != gen {
		return nil, corrupt("mapping generation %d, CURRENT %d", ids.Generation, gen)
	}
	if ids.Dim != dim {
		return nil, corrupt("mapping dimension %d, vector table %d", ids.Dim, dim)
	}
	snap := &Snapshot{Dim: dim, Vectors: vectors, IDs: ids.IDs}
	if err := snap.check(); err != nil {
		return nil, err
	}
	p.gen = gen
	p.sweep(ctx, gen)
	return snap, nil
}

func (p *FilePersister) readCurrent(ctx context.Context) (uint64, error) {
	r, err := p.store.Read(ctx, p.current())
	if err != nil {
		return 0, err
	}
	defer r.Close()
	raw, err := io.ReadAll(io.LimitReader(r, 64))
	if err != nil {
		return 0, fmt.Errorf("vecstore: read %s: %w", p.current(), err)
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || gen == 0 {
		return 0, corrupt("%s holds %q", p.current(), raw)
	}
	return gen, nil
}

func (p *FilePersister) readVectors(ctx context.Context, gen uint64) (int, []float32, error) {
	name := p.artifact(gen, "vec")
	r, err := p.store.Read(ctx, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil, corrupt("%s missing", name)
		}
		return 0, nil, err
	}
	defer r.Close()
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, nil, corrupt("%s: %v", name, err)
	}
	defer dec.Close()
	return readTable(dec)
}

func (p *FilePersister) readIDs(ctx context.Context, gen uint64) (*idsFile, error) {
	name := p.artifact(gen, "ids")
	r, err := p.store.Read(ctx, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, corrupt("%s missing", name)
		}
		return nil, err
	}
	defer r.Close()
	var f idsFile
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, corrupt("%s: %v", name, err)
	}
	return &f, nil
}

// Commit rewrites the whole table as a new generation.
func (p *FilePersister) Commit(ctx context.Context, snap *Snapshot, _ int) error {
	next := p.gen + 1

	if err := p.write(ctx, p.artifact(next, "vec"), func(w io.Writer) error {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if err := writeTable(enc, snap.Dim, snap.Vectors); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	}); err != nil {
		return err
	}

	if err := p.write(ctx, p.artifact(next, "ids"), func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&idsFile{Generation: next, Dim: snap.Dim, IDs: snap.IDs})
	}); err != nil {
		p.discard(ctx, next)
		return err
	}

	if err := p.write(ctx, p.current(), func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n", next)
		return err
	}); err != nil {
		p.discard(ctx, next)
		return err
	}

	prev := p.gen
	p.gen = next
	if prev > 0 {
		p.discard(ctx, prev)
	}
	return nil
}

// write publishes the output of fill under name, discarding it on error.
func (p *FilePersister) write(ctx context.Context, name string, fill func(io.Writer) error) error {
	w, err := p.store.Write(ctx, name)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := fill(w); err != nil {
		storage.Abort(w)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (p *FilePersister) discard(ctx context.Context, gen uint64) {
	for _, ext := range []string{"vec", "ids"} {
		name := p.artifact(gen, ext)
		if err := p.store.Delete(ctx, name); err != nil {
			p.logger.WarnContext(ctx, "vecstore: remove stale artifact", "file", name, "error", err)
		}
	}
}

// sweep removes artifacts of every generation other than keep, left over
// from commits that crashed before swapping CURRENT.
func (p *FilePersister) sweep(ctx context.Context, keep uint64) {
	names, err := p.store.List(ctx, p.name+"-")
	if err != nil {
		p.logger.WarnContext(ctx, "vecstore: list artifacts", "error", err)
		return
	}
	for _, name := range names {
		gen, ok := p.parseArtifact(name)
		if !ok || gen == keep {
			continue
		}
		if err := p.store.Delete(ctx, name); err != nil {
			p.logger.WarnContext(ctx, "vecstore: remove stale artifact", "file", name, "error", err)
			continue
		}
		p.logger.InfoContext(ctx, "vecstore: removed stale artifact", "file", name)
	}
}

func (p *FilePersister) parseArtifact(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, p.name+"-")
	if !ok {
		return 0, false
	}
	num, ext, ok := strings.Cut(rest, ".")
	if !ok || (ext != "vec" && ext != "ids") {
		return 0, false
	}
	gen, err := strconv.ParseUint(num, 10, 64)
	return gen, err == nil
}

func (p *FilePersister) Close() error { return nil }
