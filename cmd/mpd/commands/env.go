package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/kv"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/storage"
	"github.com/dishu2607/missing-person-detection/pkg/timeline"
	"github.com/dishu2607/missing-person-detection/pkg/vecstore"
)

// mpdEnv holds the resources opened by one command.
type mpdEnv struct {
	cfg    *cli.Config
	paths  *cli.Paths
	logger *slog.Logger

	store recordstore.Store
	index *vecstore.Flat
	lock  *flock.Flock
}

// openEnv opens the record store.
func openEnv(ctx context.Context) (*mpdEnv, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	paths := cfg.Paths()
	if err := paths.EnsureRoot(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	e := &mpdEnv{cfg: cfg, paths: paths, logger: slog.Default()}

	switch cfg.Store.Backend {
	case cli.StoreSQLite:
		e.store, err = recordstore.OpenSQLite(ctx, paths.SQLiteFile())
	default:
		e.store, err = recordstore.OpenBadger(paths.StoreDir(), kv.BadgerOptions{Logger: e.logger})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	e.logger.Debug("record store opened", "backend", cfg.Store.Backend, "data_dir", paths.Root)
	return e, nil
}

// openIndex locks and loads the similarity index. Only one process may
// hold the index at a time.
func (e *mpdEnv) openIndex(ctx context.Context) error {
	lock := flock.New(e.paths.LockFile())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("index is in use by another process (lock %s)", e.paths.LockFile())
	}
	e.lock = lock

	persister, err := e.persister(ctx)
	if err != nil {
		return err
	}
	idx, err := vecstore.Open(ctx, vecstore.Config{
		Dim:       e.cfg.Index.Dim,
		Persister: persister,
		Logger:    e.logger,
	})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	e.index = idx
	st := idx.Stats()
	e.logger.Debug("index opened", "persister", st.Persister, "vectors", st.Vectors, "dim", st.Dim)
	return nil
}

func (e *mpdEnv) persister(ctx context.Context) (vecstore.Persister, error) {
	switch e.cfg.Index.Backend {
	case cli.IndexKV:
		s, ok := e.store.(*recordstore.KV)
		if !ok {
			return nil, errors.New("index backend kv requires the badger store")
		}
		return vecstore.NewKVPersister(s.Store(), e.cfg.Index.Name), nil
	case cli.IndexS3:
		fs, err := storage.OpenS3(ctx, e.cfg.Index.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 index storage: %w", err)
		}
		return vecstore.NewFilePersister(fs, e.cfg.Index.Name, e.logger), nil
	default:
		fs, err := storage.NewLocal(e.paths.IndexDir())
		if err != nil {
			return nil, fmt.Errorf("open index dir: %w", err)
		}
		return vecstore.NewFilePersister(fs, e.cfg.Index.Name, e.logger), nil
	}
}

// frameRates returns the frame-rate resolver: the video catalog first,
// then ffprobe when a video directory is configured.
func (e *mpdEnv) frameRates() *timeline.Resolver {
	chain := timeline.Chain{e.store}
	if e.cfg.Video.Dir != "" {
		chain = append(chain, &timeline.FFProbe{Binary: e.cfg.Video.FFProbe, VideoDir: e.cfg.Video.Dir})
	}
	return &timeline.Resolver{Source: chain, Default: e.cfg.Video.DefaultFPS, Logger: e.logger}
}

func (e *mpdEnv) close() error {
	var errs []error
	if e.index != nil {
		errs = append(errs, e.index.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.lock != nil {
		errs = append(errs, e.lock.Unlock())
	}
	return errors.Join(errs...)
}
