package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	res, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return res
}

// ComparisonKey is the form two alert texts are compared in: URLs removed,
// accents stripped, upper-cased and whitespace collapsed.
func ComparisonKey(s string) string {
	s = urlPattern.ReplaceAllString(s, " ")
	s = stripAccents(s)
	s = strings.ToUpper(s)
	return strings.Join(strings.Fields(s), " ")
}
