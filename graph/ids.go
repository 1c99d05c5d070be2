package graph

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the first 16 hex characters of the SHA-256 digest of
// text. All ids generated by the core (procedures, steps, entities, rules,
// concepts, edges) derive from this function so that identical input
// always reproduces identical graphs.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// ContentID builds a namespaced deterministic id such as
// "proc:3f0a..." from a prefix and the canonical text.
func ContentID(prefix, text string) string {
	return prefix + ":" + ContentHash(text)
}

// EdgeID derives the deterministic edge id from the
// source:relation:target triple.
func EdgeID(source string, rel Rel, target string) string {
	return ContentID("edge", source+":"+string(rel)+":"+target)
}
