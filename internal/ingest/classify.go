package ingest

import (
	"bytes"

	"trendwatch/internal/domain"
)

// categoryVocabulary maps payload substrings to categories in precedence
// order: the first match wins. This is a best-effort heuristic over the
// serialized payload, not a guaranteed-accurate classifier; downstream
// consumers must tolerate CategoryOther.
var categoryVocabulary = []struct {
	needle   []byte
	category domain.Category
}{
	{[]byte("swap"), domain.CategorySwap},
	{[]byte("mint"), domain.CategoryMint},
	{[]byte("buy"), domain.CategoryPurchase},
	{[]byte("stake"), domain.CategoryStake},
}

// Classify detects the semantic category of a raw transaction payload via
// case-insensitive substring containment. No match yields CategoryOther.
func Classify(payload []byte) domain.Category {
	lowered := bytes.ToLower(payload)
	for _, entry := range categoryVocabulary {
		if bytes.Contains(lowered, entry.needle) {
			return entry.category
		}
	}
	return domain.CategoryOther
}
