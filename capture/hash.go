package capture

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var timestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?(Z|[+-]\d{2}:?\d{2})?`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}(:\d{2}(\.\d{3,6})?)?`),
	regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}`),
	// relative ages rendered by feeds ("3h", "12 minutes ago")
	regexp.MustCompile(`\b\d+\s?(s|m|h|d|w|sec|secs|min|mins|hr|hrs|seconds?|minutes?|hours?|days?|weeks?)( ago)?\b`),
	regexp.MustCompile(`\bdata-(timestamp|time|nonce)="[^"]*"`),
}

// NormalizeMarkup strips volatile timestamps and collapses whitespace so that
// re-rendering the same page hashes the same.
func NormalizeMarkup(input string) string {
	s := input
	for _, re := range timestampPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash returns the hex xxhash64 of content. Markup is normalized first;
// bitmaps are hashed byte for byte.
func ContentHash(kind string, content []byte) string {
	var sum uint64
	if kind == KindPageSnapshot {
		sum = xxhash.Sum64String(NormalizeMarkup(string(content)))
	} else {
		sum = xxhash.Sum64(content)
	}
	return strconv.FormatUint(sum, 16)
}
