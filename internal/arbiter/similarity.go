package arbiter

import (
	"math"
	"sort"
	"strings"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about after all an and any are as at be been before but by can could
		do does for from get had has have he her him his how i if in into is it its just let like me my
		no not now of on or our out please she so some than that the their them then there these they
		this to too up us was we were what when where which who why will with would you your i'm it's
		can't don't let's`) {
		stopwords[w] = struct{}{}
	}
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// tokens lower-cases text, drops stop words and applies a light suffix
// stemmer so "emails"/"emailing" and "email" compare equal.
func tokens(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "'-")
		if len(w) < 2 || isStopword(w) {
			continue
		}
		out = append(out, stem(w))
	}
	return out
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(w, suffix) && len(w)-len(suffix) >= 3 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

// Similarity is the cosine similarity of the term-frequency vectors of a and
// b. Empty inputs score 0.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	va := make(map[string]float64, len(ta))
	for _, t := range ta {
		va[t]++
	}
	vb := make(map[string]float64, len(tb))
	for _, t := range tb {
		vb[t]++
	}

	// Sum in key order so the result is bit-for-bit reproducible.
	var dot, na, nb float64
	for _, t := range sortedKeys(va) {
		x := va[t]
		na += x * x
		if y, ok := vb[t]; ok {
			dot += x * y
		}
	}
	for _, t := range sortedKeys(vb) {
		nb += vb[t] * vb[t]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
