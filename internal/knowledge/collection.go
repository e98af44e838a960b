package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Collection names must match ^[a-z0-9_]{1,64}$ in both chromem and Qdrant.
const (
	maxCollectionName = 64
	hashSuffixLength  = 9 // "_" + 8 hex chars
	defaultCollection = "knowledge"
)

// collectionName maps a configured name onto the character set both
// backends accept. Lowercases, replaces other characters with '_', then
// collapses and trims underscores. Overlong names keep a hash suffix so
// distinct inputs stay distinct.
//
//	"Payments KB"       -> "payments_kb"
//	"team/qa-knowledge" -> "team_qa_knowledge"
//	"" or "!!!"         -> "knowledge"
func collectionName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	name := b.String()
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	name = strings.Trim(name, "_")
	if name == "" {
		return defaultCollection
	}
	if len(name) <= maxCollectionName {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	base := strings.TrimRight(name[:maxCollectionName-hashSuffixLength], "_")
	return base + "_" + hex.EncodeToString(sum[:])[:8]
}
