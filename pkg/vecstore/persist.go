package vecstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// Snapshot is the full persisted state of an index.
type Snapshot struct {
	Dim     int
	Vectors []float32
	IDs     []string
}

func (s *Snapshot) check() error {
	if s.Dim <= 0 {
		return identity.Errorf(identity.KindIndexCorrupt, "vecstore.load", "invalid dimension %d", s.Dim)
	}
	if len(s.Vectors)%s.Dim != 0 {
		return identity.Errorf(identity.KindIndexCorrupt, "vecstore.load",
			"vector table length %d is not a multiple of dimension %d", len(s.Vectors), s.Dim)
	}
	if n := len(s.Vectors) / s.Dim; n != len(s.IDs) {
		return identity.Errorf(identity.KindIndexCorrupt, "vecstore.load",
			"vector count %d != mapping length %d", n, len(s.IDs))
	}
	return nil
}

// Persister stores index snapshots durably. Commit must make the vector
// table and the mapping visible together or not at all.
type Persister interface {
	// Load returns the last committed snapshot, or nil if there is none.
	Load(ctx context.Context) (*Snapshot, error)

	// Commit persists snap. Slots below from were committed before and are
	// unchanged. snap is only valid for the duration of the call.
	Commit(ctx context.Context, snap *Snapshot, from int) error

	// String names the backend for logs and stats.
	String() string

	Close() error
}

// Vector table encoding:
//
//	[4B magic "MPDV"] [4B version]
//	[4B dim] [4B count]
//	[count × dim × 4B float32]
//
// All integers and floats are little-endian.
var tableMagic = [4]byte{'M', 'P', 'D', 'V'}

const tableVersion uint32 = 1

// Limits on persisted shapes. A header beyond them is corrupt.
const (
	maxDim         = 1 << 16
	maxTableFloats = 1 << 30
)

// preallocFloats caps allocations sized from persisted headers.
const preallocFloats = 1 << 24

func checkShape(dim, count uint64) error {
	if dim == 0 || dim > maxDim {
		return corrupt("invalid dimension %d", dim)
	}
	if count > maxTableFloats/dim {
		return corrupt("%d vectors of dimension %d exceed the table limit", count, dim)
	}
	return nil
}

func writeTable(w io.Writer, dim int, vectors []float32) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian

	if _, err := bw.Write(tableMagic[:]); err != nil {
		return fmt.Errorf("vecstore: write magic: %w", err)
	}
	var hdr [12]byte
	le.PutUint32(hdr[0:], tableVersion)
	le.PutUint32(hdr[4:], uint32(dim))
	le.PutUint32(hdr[8:], uint32(len(vectors)/dim))
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("vecstore: write header: %w", err)
	}
	var buf [4]byte
	for _, v := range vectors {
		le.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("vecstore: write vectors: %w", err)
		}
	}
	return bw.Flush()
}

func readTable(r io.Reader) (dim int, vectors []float32, err error) {
	br := bufio.NewReader(r)
	le := binary.LittleEndian

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return 0, nil, corrupt("read magic: %v", err)
	}
	if magic != tableMagic {
		return 0, nil, corrupt("invalid magic %q", magic[:])
	}
	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, corrupt("read header: %v", err)
	}
	if v := le.Uint32(hdr[0:]); v != tableVersion {
		return 0, nil, corrupt("unsupported version %d (want %d)", v, tableVersion)
	}
	d := int(le.Uint32(hdr[4:]))
	count := int(le.Uint32(hdr[8:]))
	if err := checkShape(uint64(d), uint64(count)); err != nil {
		return 0, nil, err
	}

	vectors = make([]float32, 0, min(count*d, preallocFloats))
	var buf [4]byte
	for range count * d {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return 0, nil, corrupt("truncated vector table: %v", err)
		}
		vectors = append(vectors, math.Float32frombits(le.Uint32(buf[:])))
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return 0, nil, corrupt("trailing data after %d vectors", count)
	}
	return d, vectors, nil
}

func corrupt(format string, args ...any) error {
	return identity.Errorf(identity.KindIndexCorrupt, "vecstore.load", format, args...)
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("vector has %d bytes, want %d", len(b), 4*dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
