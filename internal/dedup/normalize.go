package dedup

import (
	"strings"
	"unicode"
)

var leadingArticles = []string{"the ", "a ", "an "}

// NormalizeText lower-cases s and collapses every whitespace run to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeTitle lower-cases, strips punctuation, collapses whitespace and
// drops one leading article.
func NormalizeTitle(title string) string {
	t := NormalizeText(stripPunct(title))
	for _, article := range leadingArticles {
		if strings.HasPrefix(t, article) {
			return strings.TrimPrefix(t, article)
		}
	}
	return t
}

// NormalizeAuthor turns "Last, First" into "First Last" before applying the
// same cleanup as titles, minus the article rule.
func NormalizeAuthor(author string) string {
	if parts := strings.SplitN(author, ",", 2); len(parts) == 2 {
		author = strings.TrimSpace(parts[1]) + " " + strings.TrimSpace(parts[0])
	}
	return NormalizeText(stripPunct(author))
}

// TitlesMatch reports whether two bibliographic records describe the same
// work: equal normalized titles, or equal normalized authors where one title
// contains the other (subtitle variants).
func TitlesMatch(titleA, authorA, titleB, authorB string) bool {
	ta, tb := NormalizeTitle(titleA), NormalizeTitle(titleB)
	if ta == "" || tb == "" {
		return false
	}
	if ta == tb {
		return true
	}
	aa, ab := NormalizeAuthor(authorA), NormalizeAuthor(authorB)
	if aa == "" || aa != ab {
		return false
	}
	return strings.Contains(ta, tb) || strings.Contains(tb, ta)
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)
}
