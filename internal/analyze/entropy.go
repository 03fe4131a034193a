// Package analyze provides content-level heuristics that run beside
// classification: encryption detection via byte entropy and near-duplicate
// detection via term-frequency cosine similarity.
package analyze

import "math"

// Entropy computes the Shannon entropy of the byte distribution in
// bits per byte. Uniformly random (or encrypted/compressed) content
// approaches 8.0; natural language text sits well below.
func Entropy(content []byte) float64 {
	if len(content) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range content {
		counts[b]++
	}

	total := float64(len(content))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// LikelyEncrypted reports whether content is above the entropy threshold.
// Classifying ciphertext is meaningless, so such content is excluded from
// text classification and accounted for separately.
func LikelyEncrypted(content []byte, threshold float64) bool {
	// Tiny payloads have too little signal for a reliable verdict
	if len(content) < 64 {
		return false
	}
	return Entropy(content) >= threshold
}
