// Package classify implements the context scoring engine: pattern
// recognizers produce candidates, the surrounding context adjusts their
// confidence, and only masked findings leave the boundary.
package classify

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/mask"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/source"
)

// Engine evaluates text against a rule snapshot
type Engine struct {
	boost     float64
	radius    int
	threshold float64
	logger    *logger.Logger
}

// NewEngine creates a classification engine with the given tunables
func NewEngine(cfg config.DetectionConfig, log *logger.Logger) *Engine {
	return &Engine{
		boost:     cfg.ProximityBoost,
		radius:    cfg.ContextWindowTokens,
		threshold: cfg.ScoreThreshold,
		logger:    log.WithComponent("classify"),
	}
}

// Classify runs every recognizer in the snapshot over text and returns
// deduplicated candidates. When a custom REGEX rule and a built-in
// recognizer produce overlapping spans for the same entity type, the REGEX
// match wins; spans of different entity types are kept independently.
func (e *Engine) Classify(text string, snap *rules.Snapshot) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	byEntity := make(map[string][]Candidate)
	for _, rec := range snap.Recognizers() {
		for _, span := range rec.Pattern.FindAllStringIndex(text, -1) {
			byEntity[rec.EntityType] = append(byEntity[rec.EntityType], Candidate{
				EntityType: rec.EntityType,
				RuleName:   rec.Name,
				Builtin:    rec.Builtin,
				RawText:    text[span[0]:span[1]],
				Start:      span[0],
				End:        span[1],
				BaseScore:  rec.BaseScore,
			})
		}
	}

	var out []Candidate
	for _, cands := range byEntity {
		out = append(out, dedupeOverlaps(cands)...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].EntityType < out[j].EntityType
	})
	return out
}

// dedupeOverlaps removes overlapping spans within one entity type. Custom
// rules sort ahead of built-ins, then earlier starts, then higher scores;
// a greedy sweep keeps the first candidate for each covered interval.
func dedupeOverlaps(cands []Candidate) []Candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Builtin != b.Builtin {
			return !a.Builtin
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.BaseScore > b.BaseScore
	})

	var kept []Candidate
	for _, c := range cands {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

// Score adjusts one candidate against its context and either emits a masked
// finding or drops it. Dropping happens when the value is in the
// false-positive deny set or the adjusted score stays under the threshold.
func (e *Engine) Score(text string, cand Candidate, hints Hints, snap *rules.Snapshot, loc source.Location) (Finding, bool) {
	if snap.Denied(cand.EntityType, cand.RawText) {
		e.logger.Debug("Candidate denied",
			zap.String("entity_type", cand.EntityType),
			zap.String("rule", cand.RuleName),
		)
		return Finding{}, false
	}

	window := contextWindow(text, cand.Start, cand.End, e.radius, hints)

	score := cand.BaseScore
	for _, prox := range snap.ProximityFor(cand.EntityType) {
		for _, keyword := range prox.Keywords {
			if strings.Contains(window, keyword) {
				// One boost per rule no matter how many of its
				// keywords appear
				score += e.boost
				break
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	if score < e.threshold {
		return Finding{}, false
	}

	return Finding{
		EntityType:   cand.EntityType,
		RuleName:     cand.RuleName,
		MaskedSample: mask.Sample(cand.EntityType, cand.RawText),
		FinalScore:   score,
		Sensitivity:  snap.Sensitivity(cand.EntityType),
		Location:     loc,
	}, true
}

// Process classifies and scores text in one pass
func (e *Engine) Process(text string, hints Hints, snap *rules.Snapshot, loc source.Location) []Finding {
	var findings []Finding
	for _, cand := range e.Classify(text, snap) {
		if f, ok := e.Score(text, cand, hints, snap, loc); ok {
			findings = append(findings, f)
		}
	}
	return findings
}
