package quality

import (
	"regexp"
	"strings"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	listRe     = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	imageRe    = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]*)\)`)
	linkRe     = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)[^)]*\)`)
	bareURLRe  = regexp.MustCompile(`https?://[^\s)\]]+`)
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`)
	sentenceRe = regexp.MustCompile(`[.!?]+(?:\s+|$)`)
	refMarkRe  = regexp.MustCompile(`\[\d+\]`)
	yearRe     = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	digitRe    = regexp.MustCompile(`\d+`)
	emphasisRe = regexp.MustCompile("[*_`~]+")
)

type heading struct {
	level int
	text  string
	// words is how many body words precede this heading.
	words int
}

type link struct {
	text string
	url  string
}

// document is the parsed view of a markdown body that every dimension reads.
type document struct {
	headings   []heading
	paragraphs []string
	sentences  []string
	words      []string
	lower      string
	listItems  int
	images     []string
	links      []link
	bareURLs   int
}

func parse(body string) *document {
	doc := &document{}
	var (
		para  []string
		units []string
		plain []string
	)
	flush := func() {
		if len(para) == 0 {
			return
		}
		text := strings.Join(para, " ")
		doc.paragraphs = append(doc.paragraphs, text)
		units = append(units, text)
		para = para[:0]
	}

	for _, raw := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			doc.headings = append(doc.headings, heading{level: len(m[1]), text: stripInline(m[2]), words: len(doc.words)})
			continue
		}
		for _, im := range imageRe.FindAllStringSubmatch(line, -1) {
			doc.images = append(doc.images, strings.TrimSpace(im[1]))
		}
		withoutImages := imageRe.ReplaceAllString(line, "")
		for _, lm := range linkRe.FindAllStringSubmatch(withoutImages, -1) {
			doc.links = append(doc.links, link{text: strings.TrimSpace(lm[1]), url: lm[2]})
		}
		withoutLinks := linkRe.ReplaceAllString(withoutImages, "$1")
		doc.bareURLs += len(bareURLRe.FindAllString(withoutLinks, -1))
		text := stripInline(bareURLRe.ReplaceAllString(withoutLinks, ""))

		if listRe.MatchString(line) {
			flush()
			doc.listItems++
			item := stripInline(listRe.ReplaceAllString(text, ""))
			if item != "" {
				units = append(units, item)
				plain = append(plain, item)
				doc.words = append(doc.words, wordRe.FindAllString(item, -1)...)
			}
			continue
		}
		if text == "" {
			continue
		}
		para = append(para, text)
		plain = append(plain, text)
		doc.words = append(doc.words, wordRe.FindAllString(text, -1)...)
	}
	flush()

	for _, u := range units {
		for _, s := range sentenceRe.Split(u, -1) {
			if len(wordRe.FindAllString(s, -1)) > 0 {
				doc.sentences = append(doc.sentences, strings.TrimSpace(s))
			}
		}
	}
	doc.lower = strings.ToLower(strings.Join(plain, "\n"))
	return doc
}

func stripInline(s string) string {
	return strings.TrimSpace(emphasisRe.ReplaceAllString(s, ""))
}

func (d *document) wordCount() int { return len(d.words) }

// countPhrases counts case-insensitive whole-phrase occurrences in the plain
// text.
func (d *document) countPhrases(phrases []string) int {
	n := 0
	for _, p := range phrases {
		n += countPhrase(d.lower, p)
	}
	return n
}

// phraseRes holds matchers for the built-in phrase lists, compiled once.
var phraseRes = compilePhrases(ctaPhrases, hedgePhrases, credentialPhrases,
	attributionPhrases, absolutePhrases, examplePhrases, conclusionWords)

func compilePhrases(lists ...[]string) map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp)
	for _, list := range lists {
		for _, p := range list {
			p = normalizePhrase(p)
			if p != "" && res[p] == nil {
				res[p] = newPhraseRe(p)
			}
		}
	}
	return res
}

func normalizePhrase(phrase string) string {
	return strings.ToLower(strings.TrimSpace(phrase))
}

func newPhraseRe(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(phrase) + `(?:$|[^\p{L}\p{N}])`)
}

// phraseMatcher returns the whole-phrase matcher for phrase, or nil when the
// phrase is blank. Phrases outside the built-in lists are compiled per call;
// callers that reuse one should keep the result.
func phraseMatcher(phrase string) *regexp.Regexp {
	phrase = normalizePhrase(phrase)
	if phrase == "" {
		return nil
	}
	if re, ok := phraseRes[phrase]; ok {
		return re
	}
	return newPhraseRe(phrase)
}

func countPhrase(lower, phrase string) int {
	return countMatches(lower, phraseMatcher(phrase))
}

func countMatches(lower string, re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	n := 0
	rest := lower
	for {
		loc := re.FindStringIndex(rest)
		if loc == nil {
			return n
		}
		n++
		// Step back one byte so a shared separator can start the next match.
		next := loc[1]
		if next > loc[0]+1 {
			next--
		}
		rest = rest[next:]
	}
}

// tail returns the last fraction of the plain text.
func (d *document) tail(fraction float64) string {
	cut := int(float64(len(d.lower)) * (1 - fraction))
	if cut < 0 {
		cut = 0
	}
	return d.lower[cut:]
}

func (d *document) firstParagraph() string {
	if len(d.paragraphs) == 0 {
		return ""
	}
	return strings.ToLower(d.paragraphs[0])
}
