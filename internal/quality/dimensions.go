package quality

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

var (
	ctaPhrases = []string{
		"subscribe", "sign up", "get started", "contact us", "try it", "download",
		"learn more", "start today", "join", "share your", "let us know", "book a",
	}
	hedgePhrases = []string{
		"may", "might", "can help", "suggests", "typically", "often", "generally",
		"in most cases", "likely", "tends to",
	}
	credentialPhrases = []string{
		"in my experience", "in our experience", "we tested", "certified", "expert",
		"dr.", "years of experience", "licensed", "board-certified", "reviewed by",
	}
	attributionPhrases = []string{
		"according to", "a study", "research shows", "studies show", "survey found", "data from",
	}
	absolutePhrases = []string{
		"guaranteed", "always works", "100%", "never fails", "miracle", "risk-free", "cure-all",
	}
	examplePhrases = []string{
		"for example", "for instance", "such as", "e.g.", "case study", "imagine",
	}
	conclusionWords = []string{
		"conclusion", "summary", "final thoughts", "wrapping up", "key takeaways", "next steps",
	}
	vagueLinkText = map[string]bool{
		"click here": true, "here": true, "read more": true, "link": true, "this": true, "more": true,
	}
)

const tocThresholdWords = 1500

func scoreReadability(doc *document) dimension {
	d := dimension{score: 100}
	if len(doc.sentences) == 0 {
		d.penalize(50, "write complete sentences; no sentence boundaries were found")
		return d
	}
	total, long := 0, 0
	for _, s := range doc.sentences {
		n := len(wordRe.FindAllString(s, -1))
		total += n
		if n > 30 {
			long++
		}
	}
	avg := float64(total) / float64(len(doc.sentences))
	switch {
	case avg > 22:
		d.penalize(math.Min(40, (avg-22)*2), fmt.Sprintf("shorten sentences; average is %.0f words, aim for 12-22", avg))
	case avg < 12:
		d.penalize(math.Min(40, (12-avg)*2), fmt.Sprintf("combine choppy sentences; average is %.0f words, aim for 12-22", avg))
	}
	if ratio := float64(long) / float64(len(doc.sentences)); ratio > 0 {
		d.penalize(math.Min(30, ratio*60), fmt.Sprintf("split the %d sentences longer than 30 words", long))
	}
	if len(doc.words) > 0 {
		chars := 0
		for _, w := range doc.words {
			chars += utf8.RuneCountInString(w)
		}
		if avgWord := float64(chars) / float64(len(doc.words)); avgWord > 6 {
			d.penalize(math.Min(20, (avgWord-6)*20), "prefer shorter, plainer words")
		}
	}
	if len(doc.paragraphs) > 0 {
		words := 0
		for _, p := range doc.paragraphs {
			words += len(wordRe.FindAllString(p, -1))
		}
		if float64(words)/float64(len(doc.paragraphs)) > 150 {
			d.penalize(15, "break long paragraphs into blocks of 3-5 sentences")
		}
	}
	return d
}

func scoreSEO(doc *document, in Input) dimension {
	var d dimension
	focus := strings.ToLower(strings.TrimSpace(in.FocusKeyword))
	if focus == "" {
		d.add(15)
		d.recommend("supply target keywords so placement and density can be optimized")
	} else {
		focusRe := phraseMatcher(focus)
		hits := countMatches(doc.lower, focusRe)
		kwWords := len(wordRe.FindAllString(focus, -1))
		density := 0.0
		if doc.wordCount() > 0 {
			density = float64(hits*kwWords) / float64(doc.wordCount()) * 100
		}
		switch {
		case density >= 0.5 && density <= 2.5:
			d.add(25)
		case density > 2.5:
			d.add(10)
			d.recommend(fmt.Sprintf("reduce use of %q; density is %.1f%%, aim for 0.5-2.5%%", in.FocusKeyword, density))
		case hits > 0:
			d.add(10)
			d.recommend(fmt.Sprintf("use %q a little more; density is %.1f%%, aim for 0.5-2.5%%", in.FocusKeyword, density))
		default:
			d.recommend(fmt.Sprintf("include the focus keyword %q in the body", in.FocusKeyword))
		}
		if countMatches(strings.ToLower(in.Title), focusRe) > 0 {
			d.add(15)
		} else {
			d.recommend("put the focus keyword in the title")
		}
		if countMatches(doc.firstParagraph(), focusRe) > 0 {
			d.add(10)
		} else {
			d.recommend("mention the focus keyword in the opening paragraph")
		}
		inHeading := false
		for _, h := range doc.headings {
			if h.level >= 2 && countMatches(strings.ToLower(h.text), focusRe) > 0 {
				inHeading = true
				break
			}
		}
		if inHeading {
			d.add(10)
		} else {
			d.recommend("use the focus keyword in at least one subheading")
		}
	}
	if focus == "" {
		// Placement points are neutral without a keyword.
		d.add(20)
	}

	h2 := 0
	for _, h := range doc.headings {
		if h.level == 2 {
			h2++
		}
	}
	switch {
	case h2 >= 2:
		d.add(15)
	case h2 == 1:
		d.add(8)
		d.recommend("add more H2 sections to structure the topic")
	default:
		d.recommend("organize the article under H2 headings")
	}

	switch n := utf8.RuneCountInString(strings.TrimSpace(in.MetaTitle)); {
	case n > 0 && n <= 60:
		d.add(10)
	case n > 60:
		d.add(5)
		d.recommend("shorten the meta title to 60 characters or fewer")
	default:
		d.recommend("add a meta title")
	}
	switch n := utf8.RuneCountInString(strings.TrimSpace(in.MetaDescription)); {
	case n >= 50 && n <= 160:
		d.add(10)
	case n > 0:
		d.add(5)
		d.recommend("keep the meta description between 50 and 160 characters")
	default:
		d.recommend("add a meta description")
	}
	if float64(doc.wordCount()) >= 0.8*float64(in.TargetWords) {
		d.add(5)
	} else {
		d.recommend(fmt.Sprintf("expand the article toward %d words (currently %d)", in.TargetWords, doc.wordCount()))
	}
	return d
}

func scoreStructure(doc *document, in Input) dimension {
	var d dimension
	hasH1 := strings.TrimSpace(in.Title) != ""
	var subheadings []heading
	for _, h := range doc.headings {
		if h.level == 1 {
			hasH1 = true
			continue
		}
		subheadings = append(subheadings, h)
	}
	if hasH1 {
		d.add(10)
	} else {
		d.recommend("give the article a title heading")
	}

	if len(subheadings) == 0 {
		d.recommend("add subheadings so readers can scan the article")
	} else {
		perHeading := float64(doc.wordCount()) / float64(len(subheadings))
		switch {
		case perHeading <= 300:
			d.add(30)
		case perHeading <= 500:
			d.add(15)
			d.recommend("add a subheading roughly every 300 words")
		default:
			d.recommend(fmt.Sprintf("sections average %.0f words; add a subheading roughly every 300 words", perHeading))
		}
	}
	if doc.listItems > 0 {
		d.add(20)
	} else {
		d.recommend("use a bulleted or numbered list for steps or key points")
	}
	if len(doc.images) > 0 || strings.Contains(doc.lower, "[image") {
		d.add(15)
	} else {
		d.recommend("add at least one image placeholder")
	}
	if countAny(doc.tail(0.2), ctaPhrases) > 0 {
		d.add(15)
	} else {
		d.recommend("close with a clear call to action")
	}
	if len(subheadings) == 0 || subheadings[0].words > 0 {
		d.add(5)
	} else {
		d.recommend("open with an introduction before the first subheading")
	}
	concluded := false
	for _, h := range subheadings {
		if countAny(strings.ToLower(h.text), conclusionWords) > 0 {
			concluded = true
		}
	}
	if concluded {
		d.add(5)
	} else {
		d.recommend("end with a conclusion or key takeaways section")
	}
	return d
}

func scoreTrust(doc *document) dimension {
	d := dimension{score: 20}
	external := 0
	for _, l := range doc.links {
		if strings.HasPrefix(l.url, "http://") || strings.HasPrefix(l.url, "https://") {
			external++
		}
	}
	citations := external + doc.bareURLs + len(refMarkRe.FindAllString(doc.lower, -1)) + doc.countPhrases(attributionPhrases)
	switch {
	case citations >= 3:
		d.add(30)
	case citations > 0:
		d.add(15)
		d.recommend("cite at least three credible sources")
	default:
		d.recommend("back key claims with citations to credible sources")
	}
	switch hedges := doc.countPhrases(hedgePhrases); {
	case hedges >= 2:
		d.add(20)
	case hedges == 1:
		d.add(10)
		d.recommend("qualify strong claims with measured language")
	default:
		d.recommend("avoid overstating; qualify claims where evidence is limited")
	}
	if doc.countPhrases(credentialPhrases) > 0 {
		d.add(20)
	} else {
		d.recommend("show first-hand experience or expert credentials")
	}
	if yearRe.MatchString(doc.lower) {
		d.add(10)
	} else {
		d.recommend("date statistics and sources so readers can judge recency")
	}
	if abs := doc.countPhrases(absolutePhrases); abs > 0 {
		d.penalize(math.Min(30, float64(abs)*10), "remove absolute claims such as guarantees or miracle results")
	}
	return d
}

func scoreAccessibility(doc *document) dimension {
	d := dimension{score: 100}
	skips, h1s := 0, 0
	prev := 0
	for _, h := range doc.headings {
		if h.level == 1 {
			h1s++
		}
		if prev > 0 && h.level > prev+1 {
			skips++
		}
		prev = h.level
	}
	if skips > 0 {
		d.penalize(math.Min(45, float64(skips)*15), fmt.Sprintf("fix %d heading level skips so the outline is nested correctly", skips))
	}
	if h1s > 1 {
		d.penalize(10, "use a single top-level heading")
	}
	vague := 0
	for _, l := range doc.links {
		if vagueLinkText[strings.ToLower(l.text)] || l.text == "" {
			vague++
		}
	}
	if vague > 0 {
		d.penalize(math.Min(30, float64(vague)*10), "replace vague link text like \"click here\" with descriptive text")
	}
	if doc.bareURLs > 0 {
		d.penalize(math.Min(20, float64(doc.bareURLs)*5), "wrap bare URLs in descriptive links")
	}
	missingAlt := 0
	for _, alt := range doc.images {
		if alt == "" {
			missingAlt++
		}
	}
	if missingAlt > 0 {
		d.penalize(math.Min(30, float64(missingAlt)*15), "give every image descriptive alt text")
	}
	if doc.wordCount() > tocThresholdWords && !hasTOC(doc) {
		d.penalize(20, "add a table of contents for long articles")
	}
	return d
}

func hasTOC(doc *document) bool {
	if strings.Contains(doc.lower, "table of contents") {
		return true
	}
	for _, h := range doc.headings {
		t := strings.ToLower(h.text)
		if t == "contents" || t == "table of contents" || t == "in this article" {
			return true
		}
	}
	return false
}

func scoreEngagement(doc *document) dimension {
	d := dimension{score: 10}
	switch q := strings.Count(doc.lower, "?"); {
	case q >= 2:
		d.add(25)
	case q == 1:
		d.add(15)
		d.recommend("pose another question to draw readers in")
	default:
		d.recommend("ask the reader questions to keep them engaged")
	}
	if doc.countPhrases(ctaPhrases) > 0 {
		d.add(25)
	} else {
		d.recommend("invite the reader to take a next step")
	}
	switch ex := doc.countPhrases(examplePhrases); {
	case ex >= 2:
		d.add(20)
	case ex == 1:
		d.add(10)
		d.recommend("add another concrete example")
	default:
		d.recommend("illustrate points with concrete examples")
	}
	if len(digitRe.FindAllString(doc.lower, -1)) >= 3 {
		d.add(10)
	} else {
		d.recommend("use specific numbers or statistics")
	}
	you := 0
	for _, w := range doc.words {
		switch strings.ToLower(w) {
		case "you", "your", "you're", "yours":
			you++
		}
	}
	if len(doc.words) > 0 && float64(you)/float64(len(doc.words)) >= 0.01 {
		d.add(10)
	} else {
		d.recommend("address the reader directly")
	}
	return d
}

func countAny(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		n += countPhrase(text, p)
	}
	return n
}
