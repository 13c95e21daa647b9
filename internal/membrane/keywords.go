package membrane

import "strings"

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "be": true, "been": true, "i": true, "you": true, "he": true,
	"she": true, "it": true, "we": true, "they": true, "this": true,
	"that": true, "these": true, "what": true, "which": true, "who": true,
	"when": true, "where": true, "how": true, "why": true, "user": true,
	"query": true,
}

// ExtractKeywords pulls the top distinguishing words out of a threat text:
// lowercase, punctuation stripped, stop words and short tokens dropped,
// first occurrence order preserved.
func ExtractKeywords(text string, topN int) []string {
	seen := make(map[string]bool)
	var keywords []string

	for _, word := range strings.Fields(strings.ToLower(text)) {
		var b strings.Builder
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		clean := b.String()
		if len(clean) <= 2 || stopwords[clean] || seen[clean] {
			continue
		}
		seen[clean] = true
		keywords = append(keywords, clean)
		if len(keywords) == topN {
			break
		}
	}
	return keywords
}
