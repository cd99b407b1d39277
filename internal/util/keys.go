package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// DocKey is the second-level cache key for one document.
func DocKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

// BatchKey is a deterministic composite key over a set of ids: the prefix
// plus a short hash of the sorted members. Order of ids does not matter.
func BatchKey(collection string, ids []string) string {
	s := make([]string, len(ids))
	copy(s, ids)
	sort.Strings(s)
	joined := strings.Join(s, ",")
	sum := sha256.Sum256([]byte(joined))
	prefix := "batch:" + collection
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16]
}
