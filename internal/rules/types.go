package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind is the closed set of rule variants the registry understands. Records
// with any other kind are rejected at compile time, never dispatched on.
type Kind string

const (
	KindRegex          Kind = "REGEX"
	KindProximity      Kind = "PROXIMITY"
	KindDisableDefault Kind = "DISABLE_DEFAULT"
	KindFalsePositive  Kind = "FALSE_POSITIVE"
)

// Sensitivity levels for classified entity types
const (
	SensitivityGeneral  = "General"
	SensitivitySpecific = "Specific"
)

// DetectionRule is a single externally administered rule record. It is
// immutable once loaded into a snapshot; edits in the rule store only affect
// subsequent runs.
type DetectionRule struct {
	ID              int64    `db:"id"`
	Name            string   `db:"name"`
	Kind            Kind     `db:"kind"`
	Pattern         string   `db:"pattern"`
	BaseScore       float64  `db:"base_score"`
	EntityType      string   `db:"entity_type"`
	ContextKeywords []string `db:"-"`
	Sensitivity     string   `db:"sensitivity"`
	Active          bool     `db:"is_active"`
}

// Recognizer is a compiled pattern recognizer, either built-in or contributed
// by a REGEX rule.
type Recognizer struct {
	Name       string
	EntityType string
	Pattern    *regexp.Regexp
	BaseScore  float64
	Builtin    bool
}

// ProximityRule boosts confidence when one of its keywords appears near a
// match of its entity type.
type ProximityRule struct {
	Name       string
	EntityType string
	Keywords   []string // lowercased at compile time
}

// Snapshot is an immutable, versioned compilation of all active rules taken
// at the start of a scan run. It is safe for concurrent use by every worker
// for the run's lifetime.
type Snapshot struct {
	Version    string
	CompiledAt time.Time

	recognizers []Recognizer
	proximity   map[string][]ProximityRule
	deny        map[string]map[string]struct{}
	sensitivity map[string]string
}

// Recognizers returns the effective recognizer set
func (s *Snapshot) Recognizers() []Recognizer {
	return s.recognizers
}

// ProximityFor returns the proximity rules registered for an entity type
func (s *Snapshot) ProximityFor(entityType string) []ProximityRule {
	return s.proximity[entityType]
}

// Denied reports whether a detected value is in the false-positive deny set
// for its entity type. The check is case-insensitive over normalized values.
func (s *Snapshot) Denied(entityType, value string) bool {
	set, ok := s.deny[entityType]
	if !ok {
		return false
	}
	_, denied := set[NormalizeValue(value)]
	return denied
}

// Sensitivity returns the sensitivity classification for an entity type,
// defaulting to General for unmapped types.
func (s *Snapshot) Sensitivity(entityType string) string {
	if level, ok := s.sensitivity[entityType]; ok {
		return level
	}
	return SensitivityGeneral
}

// KeywordHints returns the union of all proximity keywords across entity
// types, used to flag suggestively named fields and files from metadata alone
func (s *Snapshot) KeywordHints() map[string]struct{} {
	hints := make(map[string]struct{})
	for _, prox := range s.proximity {
		for _, rule := range prox {
			for _, kw := range rule.Keywords {
				hints[kw] = struct{}{}
			}
		}
	}
	return hints
}

// NormalizeValue canonicalizes a raw value for deny-set comparison
func NormalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// CompileError records one rule that failed compilation. It is non-fatal:
// the offending rule is skipped and the rest of the registry stays usable.
type CompileError struct {
	RuleName string
	Reason   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleName, e.Reason)
}

// ParseContextKeywords accepts the stored keyword column in either JSON array
// or comma-separated form
func ParseContextKeywords(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var parsed []string
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		out := make([]string, 0, len(parsed))
		for _, k := range parsed {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
		return out
	}

	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
