package recordstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// SQLite stores records in a single SQLite database. Embeddings are
// little-endian float32 blobs; clothing colors are JSON arrays.
type SQLite struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS reference_faces (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	person_id  TEXT NOT NULL UNIQUE,
	embedding  BLOB NOT NULL,
	age        INTEGER,
	gender     TEXT,
	color      TEXT,
	crop_ref   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS candidate_faces (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	video_name TEXT NOT NULL DEFAULT '',
	embedding  BLOB,
	age        INTEGER,
	gender     TEXT,
	color      TEXT,
	crop_ref   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidate_faces_job ON candidate_faces(job_id, seq);
CREATE TABLE IF NOT EXISTS videos (
	job_id      TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	fps         REAL NOT NULL DEFAULT 0,
	frame_count INTEGER NOT NULL DEFAULT 0,
	width       INTEGER NOT NULL DEFAULT 0,
	height      INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);
`

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: pragmas below are per connection, and ":memory:"
	// would otherwise give every pooled connection its own database.
	// Callers must not issue queries while iterating a scan.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	s := &SQLite{db: db, path: path}
	if err := s.exec(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func encodeEmbedding(e identity.Embedding) []byte {
	out := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeEmbedding(b []byte) (identity.Embedding, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes", len(b))
	}
	out := make(identity.Embedding, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// attrColumns flattens attributes into nullable columns.
func attrColumns(a *identity.Attributes) (age sql.NullInt64, gender, color sql.NullString, err error) {
	if a == nil {
		return
	}
	if a.Age != nil {
		age = sql.NullInt64{Int64: int64(*a.Age), Valid: true}
	}
	if a.Gender != identity.GenderUnknown {
		gender = sql.NullString{String: string(a.Gender), Valid: true}
	}
	if a.Color != nil {
		raw, jerr := json.Marshal([]int(a.Color))
		if jerr != nil {
			err = jerr
			return
		}
		color = sql.NullString{String: string(raw), Valid: true}
	}
	return
}

func attrsFromColumns(age sql.NullInt64, gender, color sql.NullString) (*identity.Attributes, error) {
	if !age.Valid && !gender.Valid && !color.Valid {
		return nil, nil
	}
	a := &identity.Attributes{}
	if age.Valid {
		a.Age = identity.Age(int(age.Int64))
	}
	if gender.Valid {
		a.Gender = identity.ParseGender(gender.String)
	}
	if color.Valid && color.String != "" {
		var rgb []int
		if err := json.Unmarshal([]byte(color.String), &rgb); err != nil {
			return nil, fmt.Errorf("color %q: %w", color.String, err)
		}
		a.Color = rgb
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const referenceColumns = `id, person_id, embedding, age, gender, color, crop_ref, created_at`

func scanReference(row scanner) (*identity.Reference, error) {
	var (
		ref           identity.Reference
		blob          []byte
		age           sql.NullInt64
		gender, color sql.NullString
		created       int64
	)
	if err := row.Scan(&ref.ID, &ref.PersonID, &blob, &age, &gender, &color, &ref.CropRef, &created); err != nil {
		return nil, err
	}
	ref.CreatedAt = time.UnixMilli(created).UTC()
	var err error
	if ref.Embedding, err = decodeEmbedding(blob); err != nil {
		return &ref, identity.Errorf(identity.KindInvalidRecord, "recordstore.reference", "%s: %v", ref.ID, err)
	}
	if ref.Attributes, err = attrsFromColumns(age, gender, color); err != nil {
		return &ref, identity.Errorf(identity.KindInvalidRecord, "recordstore.reference", "%s: %v", ref.ID, err)
	}
	return &ref, nil
}

func (s *SQLite) queryReference(ctx context.Context, where, key string) (*identity.Reference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_faces WHERE `+where+` = ?`, key)
	ref, err := scanReference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("recordstore.reference", strings.ReplaceAll(where, "_", " "), key)
	}
	if err != nil && identity.KindOf(err) != identity.KindInvalidRecord {
		return nil, fmt.Errorf("recordstore: query reference: %w", err)
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (s *SQLite) Reference(ctx context.Context, id string) (*identity.Reference, error) {
	return s.queryReference(ctx, "id", id)
}

func (s *SQLite) ReferenceByPersonID(ctx context.Context, personID string) (*identity.Reference, error) {
	return s.queryReference(ctx, "person_id", personID)
}

func (s *SQLite) PutReference(ctx context.Context, ref *identity.Reference) error {
	if err := validateReference("recordstore.put_reference", ref); err != nil {
		return err
	}
	age, gender, color, err := attrColumns(ref.Attributes)
	if err != nil {
		return fmt.Errorf("recordstore: encode attributes: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO reference_faces (`+referenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.PersonID, encodeEmbedding(ref.Embedding), age, gender, color, ref.CropRef, ref.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", ErrDuplicate, ref.PersonID)
	}
	if err != nil {
		return fmt.Errorf("recordstore: insert reference: %w", err)
	}
	return nil
}

func (s *SQLite) References(ctx context.Context) iter.Seq2[*identity.Reference, error] {
	return func(yield func(*identity.Reference, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+referenceColumns+` FROM reference_faces ORDER BY seq`)
		if err != nil {
			yield(nil, fmt.Errorf("recordstore: list references: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			ref, err := scanReference(rows)
			if err != nil && identity.KindOf(err) != identity.KindInvalidRecord {
				yield(nil, err)
				return
			}
			if !yield(ref, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

const candidateColumns = `seq, job_id, video_name, embedding, age, gender, color, crop_ref, created_at`

func (s *SQLite) AppendCandidate(ctx context.Context, c *identity.Candidate) (uint64, error) {
	if err := validateCandidate("recordstore.append_candidate", c); err != nil {
		return 0, err
	}
	age, gender, color, err := attrColumns(c.Attributes)
	if err != nil {
		return 0, fmt.Errorf("recordstore: encode attributes: %w", err)
	}
	var res sql.Result
	err = retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT INTO candidate_faces (job_id, video_name, embedding, age, gender, color, crop_ref, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.JobID, c.VideoName, encodeEmbedding(c.Embedding), age, gender, color, c.CropRef, c.CreatedAt.UnixMilli())
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("recordstore: insert candidate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("recordstore: candidate sequence: %w", err)
	}
	c.Seq = uint64(id)
	return c.Seq, nil
}

func (s *SQLite) Candidates(ctx context.Context, jobID string) iter.Seq2[*identity.Candidate, error] {
	return func(yield func(*identity.Candidate, error) bool) {
		query := `SELECT ` + candidateColumns + ` FROM candidate_faces ORDER BY seq`
		var args []any
		if jobID != "" {
			query = `SELECT ` + candidateColumns + ` FROM candidate_faces WHERE job_id = ? ORDER BY seq`
			args = append(args, jobID)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("recordstore: list candidates: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c             identity.Candidate
				blob          []byte
				age           sql.NullInt64
				gender, color sql.NullString
				created       int64
			)
			if err := rows.Scan(&c.Seq, &c.JobID, &c.VideoName, &blob, &age, &gender, &color, &c.CropRef, &created); err != nil {
				yield(nil, fmt.Errorf("recordstore: scan candidate: %w", err))
				return
			}
			c.CreatedAt = time.UnixMilli(created).UTC()
			var derr error
			if c.Embedding, err = decodeEmbedding(blob); err != nil {
				derr = identity.Errorf(identity.KindInvalidRecord, "recordstore.candidates", "candidate %d: %v", c.Seq, err)
			} else if c.Attributes, err = attrsFromColumns(age, gender, color); err != nil {
				derr = identity.Errorf(identity.KindInvalidRecord, "recordstore.candidates", "candidate %d: %v", c.Seq, err)
			}
			if !yield(&c, derr) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *SQLite) PutVideo(ctx context.Context, v *VideoInfo) error {
	if v == nil || v.JobID == "" {
		return identity.Errorf(identity.KindInvalidRecord, "recordstore.put_video", "video needs a job id")
	}
	updated := v.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return s.exec(ctx, `
		INSERT INTO videos (job_id, name, fps, frame_count, width, height, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			name = excluded.name,
			fps = excluded.fps,
			frame_count = excluded.frame_count,
			width = excluded.width,
			height = excluded.height,
			updated_at = excluded.updated_at`,
		v.JobID, v.Name, v.FPS, v.FrameCount, v.Width, v.Height, updated.UnixMilli())
}

func (s *SQLite) Video(ctx context.Context, jobID string) (*VideoInfo, error) {
	var (
		v       VideoInfo
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, name, fps, frame_count, width, height, updated_at FROM videos WHERE job_id = ?`, jobID,
	).Scan(&v.JobID, &v.Name, &v.FPS, &v.FrameCount, &v.Width, &v.Height, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("recordstore.video", "video of job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: query video: %w", err)
	}
	v.UpdatedAt = time.UnixMilli(updated).UTC()
	return &v, nil
}

func (s *SQLite) FrameRate(ctx context.Context, videoID string) (float64, error) {
	v, err := s.Video(ctx, videoID)
	return frameRate(v, err, videoID)
}

var _ Store = (*SQLite)(nil)
