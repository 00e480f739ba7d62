// Package features turns transaction identifiers into normalized numeric
// vectors and provides the min-max scaling applied before training.
package features

import "strings"

// Extract maps a transaction digest to a feature vector of exactly `length`
// values, each in [0,1]. The mapping is deterministic, pure and total: the
// same digest always produces the same vector, for any requested length,
// including zero and the empty string (all-zero vector).
//
// The digest is interpreted as a byte sequence after stripping the 0x prefix:
// hex digit pairs when the identifier is valid hex, raw character codes
// otherwise. Each byte is normalized by /255; shorter identifiers are
// zero-padded, longer ones truncated.
func Extract(digest string, length int) []float64 {
	if length <= 0 {
		return []float64{}
	}

	features := make([]float64, 0, length)
	id := strings.TrimPrefix(digest, "0x")

	if isHex(id) {
		for i := 0; i+1 < len(id) && len(features) < length; i += 2 {
			b := hexByte(id[i], id[i+1])
			features = append(features, float64(b)/255.0)
		}
	} else {
		for i := 0; i < len(id) && len(features) < length; i++ {
			features = append(features, float64(id[i])/255.0)
		}
	}

	for len(features) < length {
		features = append(features, 0)
	}

	return features
}

func isHex(s string) bool {
	if len(s) < 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if hexVal(s[i]) < 0 {
			return false
		}
	}
	return true
}

func hexByte(hi, lo byte) byte {
	return byte(hexVal(hi)<<4 | hexVal(lo))
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
