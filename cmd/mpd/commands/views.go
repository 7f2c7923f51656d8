package commands

import (
	"strconv"
	"time"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
	"github.com/dishu2607/missing-person-detection/pkg/identity"
	"github.com/dishu2607/missing-person-detection/pkg/match"
	"github.com/dishu2607/missing-person-detection/pkg/recordstore"
	"github.com/dishu2607/missing-person-detection/pkg/registry"
	"github.com/dishu2607/missing-person-detection/pkg/vecstore"
)

// referenceView is a reference without its embedding.
type referenceView struct {
	ID         string               `json:"id" yaml:"id"`
	PersonID   string               `json:"person_id" yaml:"person_id"`
	Attributes *identity.Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CropRef    string               `json:"crop_ref,omitempty" yaml:"crop_ref,omitempty"`
	Dim        int                  `json:"dim" yaml:"dim"`
	CreatedAt  time.Time            `json:"created_at" yaml:"created_at"`
}

func viewReference(r *identity.Reference) referenceView {
	return referenceView{
		ID:         r.ID,
		PersonID:   r.PersonID,
		Attributes: r.Attributes,
		CropRef:    r.CropRef,
		Dim:        len(r.Embedding),
		CreatedAt:  r.CreatedAt,
	}
}

type referenceList []referenceView

func (l referenceList) Table() cli.Table {
	t := cli.Table{Headers: []string{"ID", "PERSON ID", "AGE", "GENDER", "COLOR", "CROP", "CREATED"}}
	for _, r := range l {
		age, gender, color := describeAttributes(r.Attributes)
		t.Rows = append(t.Rows, []string{
			r.ID, r.PersonID, age, gender, color, r.CropRef,
			r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return t
}

func describeAttributes(a *identity.Attributes) (age, gender, color string) {
	age, gender, color = "-", "-", "-"
	if a == nil {
		return
	}
	if a.Age != nil {
		age = strconv.Itoa(*a.Age)
	}
	if a.Gender.Known() {
		gender = string(a.Gender)
	}
	if len(a.Color) > 0 {
		color = a.Color.String()
	}
	return
}

// compareView is a match.Result shaped for output.
type compareView struct {
	Reference referenceView          `json:"reference" yaml:"reference"`
	JobID     string                 `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Scanned   int                    `json:"scanned" yaml:"scanned"`
	Capped    bool                   `json:"capped,omitempty" yaml:"capped,omitempty"`
	Elapsed   string                 `json:"elapsed" yaml:"elapsed"`
	Matches   []identity.MatchResult `json:"matches" yaml:"matches"`
	Skipped   []identity.Diagnostic  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func viewCompare(jobID string, res *match.Result, elapsed time.Duration) compareView {
	return compareView{
		Reference: viewReference(res.Reference),
		JobID:     jobID,
		Scanned:   res.Scanned,
		Capped:    res.Capped,
		Elapsed:   cli.FormatDuration(elapsed),
		Matches:   res.Matches,
		Skipped:   res.Skipped,
	}
}

func (v compareView) Table() cli.Table {
	t := cli.Table{
		Headers: []string{"#", "SCORE", "FACE", "META", "JOB", "TIME", "FRAME", "CROP"},
		Right:   []int{0, 1, 2, 3, 6},
	}
	for i, m := range v.Matches {
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(i + 1),
			cli.FormatScore(m.Score),
			cli.FormatScore(m.FaceSimilarity),
			cli.FormatScore(m.MetaSimilarity),
			m.JobID,
			m.Timestamp,
			strconv.Itoa(m.FrameNumber),
			m.VideoCrop,
		})
	}
	return t
}

type candidateAck struct {
	Seq     uint64 `json:"seq" yaml:"seq"`
	JobID   string `json:"job_id" yaml:"job_id"`
	CropRef string `json:"crop_ref" yaml:"crop_ref"`
}

type candidateAcks []candidateAck

func (l candidateAcks) Table() cli.Table {
	t := cli.Table{Headers: []string{"SEQ", "JOB", "CROP"}, Right: []int{0}}
	for _, a := range l {
		t.Rows = append(t.Rows, []string{strconv.FormatUint(a.Seq, 10), a.JobID, a.CropRef})
	}
	return t
}

type videoView struct {
	recordstore.VideoInfo `yaml:",inline"`
}

func (v videoView) Table() cli.Table {
	return cli.Table{
		Headers: []string{"JOB", "NAME", "FPS", "FRAMES", "SIZE", "UPDATED"},
		Right:   []int{2, 3},
		Rows: [][]string{{
			v.JobID,
			v.Name,
			strconv.FormatFloat(v.FPS, 'f', -1, 64),
			strconv.Itoa(v.FrameCount),
			strconv.Itoa(v.Width) + "x" + strconv.Itoa(v.Height),
			v.UpdatedAt.Local().Format(time.DateTime),
		}},
	}
}

type resolutionView struct {
	Rank       int           `json:"rank" yaml:"rank"`
	Similarity float64       `json:"similarity" yaml:"similarity"`
	Slot       int           `json:"slot" yaml:"slot"`
	Reference  referenceView `json:"reference" yaml:"reference"`
}

type searchView struct {
	Hits    []resolutionView      `json:"hits" yaml:"hits"`
	Skipped []identity.Diagnostic `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func viewSearch(hits []registry.Resolution, diags []identity.Diagnostic) searchView {
	v := searchView{Hits: make([]resolutionView, 0, len(hits)), Skipped: diags}
	for i, h := range hits {
		v.Hits = append(v.Hits, resolutionView{
			Rank:       i + 1,
			Similarity: h.Similarity,
			Slot:       h.Slot,
			Reference:  viewReference(h.Reference),
		})
	}
	return v
}

func (v searchView) Table() cli.Table {
	t := cli.Table{Headers: []string{"#", "SIMILARITY", "SLOT", "PERSON ID", "ID"}, Right: []int{0, 1, 2}}
	for _, h := range v.Hits {
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(h.Rank),
			cli.FormatScore(h.Similarity),
			strconv.Itoa(h.Slot),
			h.Reference.PersonID,
			h.Reference.ID,
		})
	}
	return t
}

type statsView struct {
	vecstore.Stats `yaml:",inline"`
	Size string `json:"size" yaml:"size"`
}

func (v statsView) Table() cli.Table {
	return cli.Table{
		Headers: []string{"VECTORS", "DIM", "SIZE", "PERSISTER"},
		Right:   []int{0, 1, 2},
		Rows:    [][]string{{strconv.Itoa(v.Vectors), strconv.Itoa(v.Dim), v.Size, v.Persister}},
	}
}
