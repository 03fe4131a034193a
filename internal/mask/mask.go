// Package mask applies irreversible partial redaction to detected values.
// Everything that leaves the classification boundary (results, drift events,
// broadcasts, logs) must pass through here first.
package mask

import "strings"

const star = "*"

// Value masks a raw detected value according to its entity type. Masking is
// deterministic: the same input always yields the same masked string.
func Value(entityType, raw string) string {
	if raw == "" {
		return ""
	}

	switch entityType {
	case "EMAIL_ADDRESS", "ID_EMAIL":
		return maskEmail(raw)
	case "ID_NIK", "ID_KTP", "ID_KK", "ID_NPWP", "ID_BPJS", "CREDIT_CARD", "ID_CREDIT_CARD", "ID_BANK_ACCOUNT":
		return maskDigits(raw, 2, 2)
	case "PHONE_NUMBER", "ID_PHONE_NUMBER":
		return maskDigits(raw, 4, 2)
	default:
		return maskGeneric(raw)
	}
}

// Sample masks a raw value and hard-caps its length so oversized cells cannot
// leak through result samples.
func Sample(entityType, raw string) string {
	masked := Value(entityType, raw)
	if len(masked) > 64 {
		masked = masked[:64]
	}
	return masked
}

// maskEmail keeps the first character of the local part and the full domain:
// "john@gmail.com" -> "j***@gmail.com".
func maskEmail(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at <= 0 {
		return maskGeneric(raw)
	}

	local, domain := raw[:at], raw[at:]
	return string(local[0]) + strings.Repeat(star, 3) + domain
}

// maskDigits keeps the leading and trailing digits of a numeric identifier
// and stars the rest. Non-digit separators are preserved as stars too so the
// output never reveals grouping beyond what was kept.
func maskDigits(raw string, keepHead, keepTail int) string {
	runes := []rune(raw)
	if len(runes) <= keepHead+keepTail {
		return strings.Repeat(star, len(runes))
	}

	var b strings.Builder
	for i, r := range runes {
		if i < keepHead || i >= len(runes)-keepTail {
			b.WriteRune(r)
		} else {
			b.WriteString(star)
		}
	}
	return b.String()
}

// maskGeneric keeps the first character only
func maskGeneric(raw string) string {
	runes := []rune(raw)
	if len(runes) == 1 {
		return star
	}
	n := len(runes) - 1
	if n > 8 {
		n = 8
	}
	return string(runes[0]) + strings.Repeat(star, n)
}
