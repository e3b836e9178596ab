package provider

import (
	"context"
	"strings"
)

// Keyword is one row of keyword research data.
type Keyword struct {
	Term       string  `json:"term"`
	Volume     int     `json:"volume"`
	Difficulty float64 `json:"difficulty"`
}

// KeywordSource is the optional SEO data collaborator used by the research
// stage. Callers treat any error as "no extra context".
type KeywordSource interface {
	Related(ctx context.Context, topic string, seeds []string) ([]Keyword, error)
}

// StaticKeywords derives related terms from the seeds with common search
// modifiers. Volumes are placeholders that only preserve ordering.
type StaticKeywords struct {
	Modifiers []string
}

var defaultModifiers = []string{"how to", "best", "guide", "tips", "for beginners"}

func (s StaticKeywords) Related(ctx context.Context, topic string, seeds []string) ([]Keyword, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mods := s.Modifiers
	if len(mods) == 0 {
		mods = defaultModifiers
	}
	base := seeds
	if len(base) == 0 {
		base = []string{strings.ToLower(strings.TrimSpace(topic))}
	}
	seen := make(map[string]struct{})
	var out []Keyword
	for i, seed := range base {
		for j, mod := range mods {
			term := mod + " " + seed
			if strings.HasPrefix(mod, "for ") {
				term = seed + " " + mod
			}
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, Keyword{
				Term:       term,
				Volume:     1000 / (i + j + 1),
				Difficulty: float64(10*(j+1)) / 100,
			})
		}
	}
	return out, nil
}

// Terms returns just the keyword strings, capped at n.
func Terms(kws []Keyword, n int) []string {
	out := make([]string, 0, min(n, len(kws)))
	for _, k := range kws {
		if len(out) == n {
			break
		}
		out = append(out, k.Term)
	}
	return out
}
