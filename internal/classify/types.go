package classify

import "github.com/lindung-io/lindung/internal/source"

// Candidate is a raw pattern match before context adjustment. RawText never
// leaves this package unmasked.
type Candidate struct {
	EntityType string
	RuleName   string
	Builtin    bool
	RawText    string
	Start      int
	End        int
	BaseScore  float64
}

// Hints carries the non-textual context surrounding a piece of content:
// the column/field it came from, its container (sheet/table) and filename.
type Hints struct {
	FieldName string
	Container string
	FileName  string
}

// Finding is a context-adjusted, masked detection tied to a location
type Finding struct {
	EntityType   string          `json:"entity_type"`
	RuleName     string          `json:"rule_name"`
	MaskedSample string          `json:"masked_sample"`
	FinalScore   float64         `json:"final_score"`
	Sensitivity  string          `json:"sensitivity"`
	Location     source.Location `json:"location"`
}
