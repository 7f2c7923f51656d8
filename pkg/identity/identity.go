// Package identity defines the records exchanged by the matching engine:
// registered reference identities, candidate observations extracted from
// video frames, and the ranked match results produced by comparing them.
//
// Reference and candidate records are owned by external stores (see
// recordstore); the engine only reads them. A [MatchResult] is a plain value
// built fresh on every comparison and is safe to serialize as JSON, YAML or
// msgpack.
package identity

import "time"

// Dim is the embedding dimension produced by the face model.
const Dim = 512

// Reference is a registered identity: the person being searched for.
//
// A Reference is created once at registration and not mutated afterwards.
type Reference struct {
	// ID is the primary key assigned at registration.
	ID string `json:"id" yaml:"id" msgpack:"id"`

	// PersonID is the natural key, e.g. "20240101_120000_upload.jpg_person0".
	PersonID string `json:"person_id" yaml:"person_id" msgpack:"person_id"`

	Embedding  Embedding   `json:"embedding" yaml:"embedding" msgpack:"embedding"`
	Attributes *Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty" msgpack:"attributes,omitempty"`

	// CropRef is an opaque handle to the stored face crop.
	CropRef   string    `json:"crop_ref,omitempty" yaml:"crop_ref,omitempty" msgpack:"crop_ref,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at" msgpack:"created_at"`
}

// Candidate is a single observation of a person in a processed video.
type Candidate struct {
	// Seq is the append sequence assigned by the store. It defines the
	// scan order used to break score ties.
	Seq uint64 `json:"seq" yaml:"seq" msgpack:"seq"`

	// JobID identifies the processing run. Every job processes exactly one
	// uploaded video, so JobID doubles as the video id.
	JobID     string `json:"job_id" yaml:"job_id" msgpack:"job_id"`
	VideoName string `json:"video_name,omitempty" yaml:"video_name,omitempty" msgpack:"video_name,omitempty"`

	Embedding  Embedding   `json:"embedding" yaml:"embedding" msgpack:"embedding"`
	Attributes *Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty" msgpack:"attributes,omitempty"`

	// CropRef names the stored crop, e.g. ".../person_3_frame_120.jpg".
	CropRef   string    `json:"crop_ref" yaml:"crop_ref" msgpack:"crop_ref"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at" msgpack:"created_at"`
}

// VideoID returns the id used to look up video metadata for c.
func (c *Candidate) VideoID() string {
	return c.JobID
}

// MatchResult is one ranked hit of a reference against a candidate.
type MatchResult struct {
	ReferenceID   string      `json:"reference_id" yaml:"reference_id" msgpack:"reference_id"`
	PersonID      string      `json:"person_id" yaml:"person_id" msgpack:"person_id"`
	ReferenceCrop string      `json:"reference_crop,omitempty" yaml:"reference_crop,omitempty" msgpack:"reference_crop,omitempty"`
	ReferenceAttr *Attributes `json:"reference_attributes,omitempty" yaml:"reference_attributes,omitempty" msgpack:"reference_attributes,omitempty"`

	VideoName     string      `json:"video_name,omitempty" yaml:"video_name,omitempty" msgpack:"video_name,omitempty"`
	JobID         string      `json:"job_id" yaml:"job_id" msgpack:"job_id"`
	VideoCrop     string      `json:"video_crop" yaml:"video_crop" msgpack:"video_crop"`
	CandidateAttr *Attributes `json:"candidate_attributes,omitempty" yaml:"candidate_attributes,omitempty" msgpack:"candidate_attributes,omitempty"`

	FaceSimilarity float64 `json:"face_similarity" yaml:"face_similarity" msgpack:"face_similarity"`
	MetaSimilarity float64 `json:"meta_similarity" yaml:"meta_similarity" msgpack:"meta_similarity"`
	Score          float64 `json:"final_score" yaml:"final_score" msgpack:"final_score"`

	FrameNumber int    `json:"frame_number" yaml:"frame_number" msgpack:"frame_number"`
	Timestamp   string `json:"timestamp" yaml:"timestamp" msgpack:"timestamp"`

	DetectedAt time.Time `json:"detected_at" yaml:"detected_at" msgpack:"detected_at"`
}

// Diagnostic records a candidate that was skipped during a scan.
type Diagnostic struct {
	Seq     uint64 `json:"seq" yaml:"seq" msgpack:"seq"`
	JobID   string `json:"job_id,omitempty" yaml:"job_id,omitempty" msgpack:"job_id,omitempty"`
	CropRef string `json:"crop_ref,omitempty" yaml:"crop_ref,omitempty" msgpack:"crop_ref,omitempty"`
	Kind    Kind   `json:"kind" yaml:"kind" msgpack:"kind"`
	Reason  string `json:"reason" yaml:"reason" msgpack:"reason"`
}
