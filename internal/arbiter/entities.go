package arbiter

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)+`)
	handleRe = regexp.MustCompile(`(?:^|[\s(])@([A-Za-z0-9_]{2,})`)
	quotedRe = regexp.MustCompile("[\"`]([^\"`]{2,64})[\"`]")
	// Paths, file names with an extension, and reverse-DNS app identifiers.
	pathRe = regexp.MustCompile(`(?:~?/)?(?:[A-Za-z0-9_\-]+[/.])+[A-Za-z0-9_\-]+`)
	wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9'\-]*`)
)

// ExtractEntities pulls the named things a prompt refers to: files and paths,
// email addresses, @handles, quoted identifiers, app identifiers and proper
// names. Results are lower-cased, de-duplicated and sorted.
func ExtractEntities(text string) []string {
	set := make(map[string]struct{})
	add := func(s string) {
		s = strings.ToLower(strings.Trim(s, ".,;:!?()[]{}"))
		if len(s) >= 2 {
			set[s] = struct{}{}
		}
	}

	rest := text
	for _, m := range emailRe.FindAllString(rest, -1) {
		add(m)
	}
	rest = emailRe.ReplaceAllString(rest, " ")

	for _, m := range handleRe.FindAllStringSubmatch(rest, -1) {
		add("@" + m[1])
	}
	for _, m := range quotedRe.FindAllStringSubmatch(rest, -1) {
		add(m[1])
	}
	rest = quotedRe.ReplaceAllString(rest, " ")
	for _, m := range pathRe.FindAllString(rest, -1) {
		if isPathLike(m) {
			add(m)
		}
	}

	for _, n := range properNames(rest) {
		add(n)
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// isPathLike rejects things like "e.g" and decimals that the path pattern
// also matches.
func isPathLike(s string) bool {
	if strings.Contains(s, "/") {
		return true
	}
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return false
	}
	ext := s[dot+1:]
	if len(ext) > 12 {
		return false
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	stem := s[:dot]
	return len(stem) >= 2 && strings.IndexFunc(stem, unicode.IsLetter) >= 0
}

// properNames returns capitalized words that are not the first word of a
// sentence and not common function words.
func properNames(text string) []string {
	var out []string
	sentenceStart := true
	idx := wordRe.FindAllStringIndex(text, -1)
	prevEnd := 0
	for _, loc := range idx {
		between := text[prevEnd:loc[0]]
		if strings.ContainsAny(between, ".!?\n") {
			sentenceStart = true
		}
		prevEnd = loc[1]

		w := text[loc[0]:loc[1]]
		first := []rune(w)[0]
		if unicode.IsUpper(first) && !sentenceStart && !isStopword(strings.ToLower(w)) {
			out = append(out, w)
		}
		sentenceStart = false
	}
	return out
}
