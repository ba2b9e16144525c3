package country

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// accentFolder strips combining marks so "Côte d'Ivoire" and "Cote d'Ivoire"
// normalize identically.
var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Prefix tokens stripped during normalization. Ordered longest-first and
// applied repeatedly, so "Republic of the Gambia" reduces to "gambia".
// "Democratic Republic of ..." is intentionally not in the list: stripping it
// would collapse DRC into the ambiguous bare "congo".
var strippedPrefixes = []string{
	"federal republic of ",
	"islamic republic of ",
	"republic of ",
	"kingdom of ",
	"state of ",
	"the ",
}

// Normalize lowercases, folds accents, collapses whitespace, and strips the
// fixed prefix token list. Stored aliases are keyed by this form.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if folded, _, err := transform.String(accentFolder, s); err == nil {
		s = folded
	}
	s = strings.Join(strings.Fields(s), " ")

	for {
		stripped := false
		for _, prefix := range strippedPrefixes {
			if rest, ok := strings.CutPrefix(s, prefix); ok {
				s = strings.TrimSpace(rest)
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return s
}

// ValidCode reports whether s is a plausible ISO-3166-1 alpha-2 code.
func ValidCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
