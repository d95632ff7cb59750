// Package dataset loads de-identified case records from a tabular source and
// derives the per-case summary and chunk text used for retrieval.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"medbot/internal/chunker"
	"medbot/internal/textutil"
)

// ErrNotFound is returned when none of the candidate dataset paths exist.
var ErrNotFound = errors.New("dataset not found")

// PreferredSheet is read when present; otherwise the first sheet is used.
const PreferredSheet = "INCIDENTS"

// Column headers read from the source.
const (
	ColEncounterID    = "Encounter ID"
	ColChiefComplaint = "Chief Complaint"
	ColIllnessType    = "Type of injury/Illness"
	ColBodyPart       = "Body Part Involved"
	ColProvisionalDx  = "Provisional Diagnosis"
	ColFinalDx        = "Final Diagnosis"
	ColInitialPlan    = "Initial Plan"
	ColHPI            = "HPI"
)

const (
	summaryPlanLimit = 240
	summaryHPILimit  = 220
)

// Case is one loaded row with its derived summary and chunks.
type Case struct {
	Index          int      `json:"case_idx"`
	EncounterID    string   `json:"encounter_id"`
	ChiefComplaint string   `json:"chief_complaint"`
	FinalDiagnosis string   `json:"final_dx"`
	Summary        string   `json:"summary"`
	Chunks         []string `json:"chunks"`
}

// Record is the browsable view of a case.
type Record struct {
	CaseIndex      int    `json:"case_idx"`
	EncounterID    string `json:"encounter_id"`
	ChiefComplaint string `json:"chief_complaint"`
	FinalDiagnosis string `json:"final_dx"`
	Summary        string `json:"summary"`
}

// Record returns the browsable view of c.
func (c Case) Record() Record {
	return Record{
		CaseIndex:      c.Index,
		EncounterID:    c.EncounterID,
		ChiefComplaint: c.ChiefComplaint,
		FinalDiagnosis: c.FinalDiagnosis,
		Summary:        c.Summary,
	}
}

// Loader resolves the dataset path and turns its rows into cases.
type Loader struct {
	CandidatePaths []string
	Chunker        *chunker.TextChunker
}

// NewLoader creates a Loader over the given candidate paths.
func NewLoader(candidates []string, tc *chunker.TextChunker) *Loader {
	return &Loader{CandidatePaths: candidates, Chunker: tc}
}

// Resolve returns the first candidate path that exists as a regular file.
func (l *Loader) Resolve() (string, error) {
	for _, p := range l.CandidatePaths {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Load reads the table at path and builds its cases.
func (l *Loader) Load(path string) ([]Case, error) {
	table, err := ReadTable(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return BuildCases(table, l.Chunker), nil
}

// BuildCases maps the table's header row to column positions and builds one
// case per data row. Missing columns and short rows yield empty fields.
func BuildCases(t *Table, tc *chunker.TextChunker) []Case {
	if t == nil || len(t.Rows) == 0 {
		return nil
	}
	colIdx := make(map[string]int, len(t.Rows[0]))
	for i, h := range t.Rows[0] {
		name := textutil.Clean(h)
		if _, dup := colIdx[name]; !dup {
			colIdx[name] = i
		}
	}

	cases := make([]Case, 0, len(t.Rows)-1)
	for caseIdx, row := range t.Rows[1:] {
		get := func(key string) string {
			idx, ok := colIdx[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return textutil.Clean(row[idx])
		}
		f := fields{
			encounterID:    get(ColEncounterID),
			chiefComplaint: get(ColChiefComplaint),
			illnessType:    get(ColIllnessType),
			bodyPart:       get(ColBodyPart),
			provisional:    get(ColProvisionalDx),
			finalDx:        get(ColFinalDx),
			plan:           get(ColInitialPlan),
			hpi:            get(ColHPI),
		}

		summary := f.summary()
		var chunks []string
		if tc != nil {
			chunks = tc.Split(f.chunkSource())
		}
		if len(chunks) == 0 && summary != "" {
			chunks = []string{summary}
		}

		cases = append(cases, Case{
			Index:          caseIdx,
			EncounterID:    f.encounterID,
			ChiefComplaint: f.chiefComplaint,
			FinalDiagnosis: f.finalDx,
			Summary:        summary,
			Chunks:         chunks,
		})
	}
	return cases
}

type fields struct {
	encounterID, chiefComplaint, illnessType, bodyPart string
	provisional, finalDx, plan, hpi                    string
}

func (f fields) summary() string {
	return joinLabelled(" | ", []labelled{
		{"Encounter ID", f.encounterID},
		{"Chief Complaint", f.chiefComplaint},
		{"Type", f.illnessType},
		{"Body Part", f.bodyPart},
		{"Provisional Dx", f.provisional},
		{"Final Dx", f.finalDx},
		{"Plan", textutil.Truncate(f.plan, summaryPlanLimit)},
		{"HPI", textutil.Truncate(f.hpi, summaryHPILimit)},
	})
}

// chunkSource is the untruncated text fed to the chunker.
func (f fields) chunkSource() string {
	return joinLabelled("\n", []labelled{
		{"Encounter ID", f.encounterID},
		{"Chief Complaint", f.chiefComplaint},
		{"Type of injury/illness", f.illnessType},
		{"Body Part Involved", f.bodyPart},
		{"Provisional Diagnosis", f.provisional},
		{"Final Diagnosis", f.finalDx},
		{"Initial Plan", f.plan},
		{"HPI", f.hpi},
	})
}

type labelled struct {
	label, value string
}

func joinLabelled(sep string, items []labelled) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.value == "" {
			continue
		}
		parts = append(parts, it.label+": "+it.value)
	}
	return strings.Join(parts, sep)
}
