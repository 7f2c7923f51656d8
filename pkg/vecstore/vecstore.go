// Package vecstore is the persistent similarity index over reference
// embeddings.
//
// [Flat] is an exact inner-product index: vectors are L2-normalized on the
// way in, so a dot product against a normalized query is the cosine
// similarity. Every stored vector occupies a slot, and a parallel mapping
// gives the identity id stored at that slot. The vector table and the
// mapping are committed together through a [Persister]; their lengths are
// equal at all times and a load that finds otherwise refuses to serve.
package vecstore

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("vecstore: index closed")

// Index is the contract shared by index implementations. All methods are
// safe for concurrent use.
type Index interface {
	// Add normalizes vec, stores it under id and persists the change. It
	// returns the slot assigned to the vector.
	Add(ctx context.Context, id string, vec []float32) (int, error)

	// BatchAdd is Add for many vectors with a single durable write. It
	// returns the slot of the first vector.
	BatchAdd(ctx context.Context, ids []string, vecs [][]float32) (int, error)

	// Search returns up to k matches by descending similarity. Ties keep
	// ascending slot order.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	Len() int
	Dim() int
	Close() error
}

// Match is one search hit.
type Match struct {
	ID         string  `json:"id" yaml:"id"`
	Slot       int     `json:"slot" yaml:"slot"`
	Similarity float64 `json:"similarity" yaml:"similarity"`
}

// Stats describes an open index.
type Stats struct {
	Vectors   int    `json:"vectors" yaml:"vectors"`
	Dim       int    `json:"dim" yaml:"dim"`
	Bytes     int    `json:"bytes" yaml:"bytes"`
	Persister string `json:"persister" yaml:"persister"`
}
