package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/logger"
)

// Compile turns externally stored rule records into an immutable snapshot.
// Compilation is partial-failure tolerant: every malformed rule is reported
// in the returned slice and skipped, and the remainder of the registry stays
// effective. One bad rule must never disable the whole registry.
func Compile(ruleSet []DetectionRule, log *logger.Logger) (*Snapshot, []CompileError) {
	snap := &Snapshot{
		Version:     uuid.NewString(),
		CompiledAt:  time.Now().UTC(),
		proximity:   make(map[string][]ProximityRule),
		deny:        make(map[string]map[string]struct{}),
		sensitivity: make(map[string]string),
	}

	for k, v := range defaultSensitivity {
		snap.sensitivity[k] = v
	}

	var errs []CompileError
	fail := func(rule DetectionRule, format string, args ...interface{}) {
		ce := CompileError{RuleName: rule.Name, Reason: fmt.Sprintf(format, args...)}
		errs = append(errs, ce)
		log.Warn("Skipping rule",
			zap.String("rule", rule.Name),
			zap.String("kind", string(rule.Kind)),
			zap.String("reason", ce.Reason),
		)
	}

	// First pass: DISABLE_DEFAULT removes built-ins by recognizer name
	disabled := make(map[string]bool)
	builtinNames := make(map[string]bool, len(builtinRecognizers))
	for _, r := range builtinRecognizers {
		builtinNames[r.Name] = true
	}

	for _, rule := range ruleSet {
		if !rule.Active || rule.Kind != KindDisableDefault {
			continue
		}
		name := strings.TrimSpace(rule.Pattern)
		if !builtinNames[name] {
			fail(rule, "unknown built-in recognizer %q (known: %s)",
				name, strings.Join(BuiltinNames(), ", "))
			continue
		}
		disabled[name] = true
	}

	for _, r := range builtinRecognizers {
		if !disabled[r.Name] {
			snap.recognizers = append(snap.recognizers, r)
		}
	}

	for recognizerName, pr := range builtinProximity {
		if !disabled[recognizerName] {
			snap.proximity[pr.EntityType] = append(snap.proximity[pr.EntityType], pr)
		}
	}

	// Second pass: REGEX rules contribute recognizers. Duplicate names
	// replace the earlier definition; last one wins.
	byName := make(map[string]int)
	knownEntities := make(map[string]bool)
	for _, r := range snap.recognizers {
		knownEntities[r.EntityType] = true
	}

	for _, rule := range ruleSet {
		if !rule.Active || rule.Kind != KindRegex {
			continue
		}

		if strings.TrimSpace(rule.EntityType) == "" {
			fail(rule, "missing entity type")
			continue
		}

		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			fail(rule, "invalid pattern: %v", err)
			continue
		}

		rec := Recognizer{
			Name:       rule.Name,
			EntityType: rule.EntityType,
			Pattern:    pattern,
			BaseScore:  clampScore(rule.BaseScore),
		}

		if idx, seen := byName[rule.Name]; seen {
			log.Warn("Duplicate rule name, replacing earlier definition", zap.String("rule", rule.Name))
			snap.recognizers[idx] = rec
		} else {
			snap.recognizers = append(snap.recognizers, rec)
			byName[rule.Name] = len(snap.recognizers) - 1
		}

		knownEntities[rule.EntityType] = true
		if rule.Sensitivity == SensitivitySpecific || rule.Sensitivity == SensitivityGeneral {
			snap.sensitivity[rule.EntityType] = rule.Sensitivity
		}

		// A REGEX rule that carries context keywords doubles as a
		// proximity rule for its own entity type
		if len(rule.ContextKeywords) > 0 {
			lowered := make([]string, len(rule.ContextKeywords))
			for i, k := range rule.ContextKeywords {
				lowered[i] = strings.ToLower(k)
			}
			snap.proximity[rule.EntityType] = append(snap.proximity[rule.EntityType], ProximityRule{
				Name:       rule.Name,
				EntityType: rule.EntityType,
				Keywords:   lowered,
			})
		}
	}

	// Third pass: PROXIMITY and FALSE_POSITIVE attach to known entity types
	for _, rule := range ruleSet {
		if !rule.Active {
			continue
		}

		switch rule.Kind {
		case KindProximity:
			if !knownEntities[rule.EntityType] {
				fail(rule, "unknown entity type %q", rule.EntityType)
				continue
			}
			keywords := rule.ContextKeywords
			if len(keywords) == 0 {
				keywords = ParseContextKeywords(rule.Pattern)
			}
			if len(keywords) == 0 {
				fail(rule, "no context keywords")
				continue
			}
			lowered := make([]string, len(keywords))
			for i, k := range keywords {
				lowered[i] = strings.ToLower(k)
			}
			snap.proximity[rule.EntityType] = append(snap.proximity[rule.EntityType], ProximityRule{
				Name:       rule.Name,
				EntityType: rule.EntityType,
				Keywords:   lowered,
			})

		case KindFalsePositive:
			if strings.TrimSpace(rule.EntityType) == "" {
				fail(rule, "missing entity type")
				continue
			}
			value := NormalizeValue(rule.Pattern)
			if value == "" {
				fail(rule, "empty deny value")
				continue
			}
			if snap.deny[rule.EntityType] == nil {
				snap.deny[rule.EntityType] = make(map[string]struct{})
			}
			snap.deny[rule.EntityType][value] = struct{}{}

		case KindRegex, KindDisableDefault:
			// handled in earlier passes

		default:
			fail(rule, "unknown rule kind %q", rule.Kind)
		}
	}

	log.Info("Rule snapshot compiled",
		zap.String("version", snap.Version),
		zap.Int("recognizers", len(snap.recognizers)),
		zap.Int("proximity_entities", len(snap.proximity)),
		zap.Int("deny_entities", len(snap.deny)),
		zap.Int("skipped", len(errs)),
	)

	return snap, errs
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
