package analyze

import (
	"math"
	"strings"
)

// Vectorize builds a term-frequency vector from document text. Terms are
// lowercased whitespace tokens with surrounding punctuation trimmed.
func Vectorize(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]{}")
		if len(token) < 2 {
			continue
		}
		vec[token]++
	}
	return vec
}

// CosineSimilarity computes the cosine of two term-frequency vectors,
// in [0,1] for non-negative term counts
func CosineSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Similarity is the document-level convenience form
func Similarity(text1, text2 string) float64 {
	if text1 == "" || text2 == "" {
		return 0
	}
	return CosineSimilarity(Vectorize(text1), Vectorize(text2))
}

// DuplicateGroup marks one representative document and the near-duplicates
// folded into it
type DuplicateGroup struct {
	Representative string
	Duplicates     []string
	Similarity     float64
}

// Document pairs an identifier with its text for duplicate detection
type Document struct {
	ID   string
	Text string
}

// Dedupe flags documents whose pairwise similarity meets the threshold.
// Each duplicate is folded into the first document it matched so redundant
// PII counts collapse onto a single representative with cross-references.
func Dedupe(docs []Document, threshold float64) []DuplicateGroup {
	if len(docs) < 2 {
		return nil
	}

	vectors := make([]map[string]float64, len(docs))
	for i, d := range docs {
		vectors[i] = Vectorize(d.Text)
	}

	groups := make(map[int]*DuplicateGroup)
	claimed := make(map[int]bool)
	var order []int

	for i := 0; i < len(docs); i++ {
		if claimed[i] {
			continue
		}
		for j := i + 1; j < len(docs); j++ {
			if claimed[j] {
				continue
			}
			sim := CosineSimilarity(vectors[i], vectors[j])
			if sim < threshold {
				continue
			}
			g, ok := groups[i]
			if !ok {
				g = &DuplicateGroup{Representative: docs[i].ID, Similarity: sim}
				groups[i] = g
				order = append(order, i)
			}
			g.Duplicates = append(g.Duplicates, docs[j].ID)
			if sim > g.Similarity {
				g.Similarity = sim
			}
			claimed[j] = true
		}
	}

	out := make([]DuplicateGroup, 0, len(order))
	for _, i := range order {
		out = append(out, *groups[i])
	}
	return out
}
