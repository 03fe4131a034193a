// Package aggregate folds raw findings into the reportable records the
// result sink persists. Everything here operates on already-masked samples.
package aggregate

import (
	"sort"
	"strings"

	"github.com/lindung-io/lindung/internal/classify"
)

// ScanResult is the aggregate of findings for one (container, field,
// entity type) group. Write-once per run; corrections are new rows.
type ScanResult struct {
	Container    string  `json:"container" db:"container"`
	Field        string  `json:"field" db:"field"`
	EntityType   string  `json:"entity_type" db:"entity_type"`
	Count        int     `json:"count" db:"count"`
	MaxScore     float64 `json:"max_score" db:"max_score"`
	SampleMasked string  `json:"sample_masked" db:"sample_masked"`
	Sensitivity  string  `json:"sensitivity" db:"sensitivity"`
}

// EncryptedEntityType marks content excluded from classification because it
// is likely ciphertext
const EncryptedEntityType = "ENCRYPTED_CONTENT"

// Aggregate groups findings by (container, field, entity type). Count is the
// group size, MaxScore the best confidence, and the masked sample is drawn
// from the highest-scoring member.
func Aggregate(findings []classify.Finding) []ScanResult {
	type key struct{ container, field, entity string }

	groups := make(map[key]*ScanResult)
	best := make(map[key]float64)

	for _, f := range findings {
		k := key{f.Location.Container, f.Location.Field, f.EntityType}
		g, ok := groups[k]
		if !ok {
			g = &ScanResult{
				Container:   k.container,
				Field:       k.field,
				EntityType:  k.entity,
				Sensitivity: f.Sensitivity,
			}
			groups[k] = g
			best[k] = -1
		}

		g.Count++
		if f.FinalScore > g.MaxScore {
			g.MaxScore = f.FinalScore
		}
		if f.FinalScore > best[k] {
			best[k] = f.FinalScore
			g.SampleMasked = f.MaskedSample
		}
	}

	out := make([]ScanResult, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Container != b.Container {
			return a.Container < b.Container
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.EntityType < b.EntityType
	})
	return out
}

// categoryRule tags a document class by keyword occurrence
type categoryRule struct {
	category string
	keywords []string
}

var categoryRules = []categoryRule{
	{"Financial", []string{"gaji", "salary", "rekening", "bank", "transfer", "rupiah", "rp"}},
	{"Health", []string{"sakit", "diagnosa", "dokter", "rawat", "darah"}},
	{"HR", []string{"karyawan", "pegawai", "cuti", "absensi", "kontrak"}},
	{"Legal", []string{"perjanjian", "hukum", "pidana", "perdata", "pasal"}},
}

// Categories scans text for category keywords and returns the matching
// document classes in stable order. One keyword is enough per category.
func Categories(text string) []string {
	lower := strings.ToLower(text)

	var tags []string
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, rule.category)
				break
			}
		}
	}
	return tags
}
