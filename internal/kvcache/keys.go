package kvcache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// maxKeyBytes caps key length before hashing. Weather and route keys stay
// far below this; the guard exists for place-name keys built from
// uncontrolled input.
const maxKeyBytes = 512

// safeKey passes short keys through untouched. Oversized keys collapse to
// "{prefix}:x:{xxhash64}" where prefix is the first segment, keeping the
// namespace scannable while bounding length.
func safeKey(key string) string {
	if len(key) <= maxKeyBytes {
		return key
	}
	prefix := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		prefix = key[:i]
	}
	return fmt.Sprintf("%s:x:%016x", prefix, xxhash.Sum64String(key))
}
