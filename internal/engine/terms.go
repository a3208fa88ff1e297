package engine

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
	"lessonflow/internal/preset"
)

const (
	contextRadius = 40
	maxContexts   = 3
)

// GlossaryTerm is one domain term and its alternative spellings.
type GlossaryTerm struct {
	Term     string   `yaml:"term" json:"term"`
	Aliases  []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
}

// Glossary is the set of terms recognized in transcripts.
type Glossary struct {
	Terms []GlossaryTerm `yaml:"terms" json:"terms"`
}

// LoadGlossary reads a YAML glossary file.
func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read glossary: %w", err)
	}
	var g Glossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse glossary: %w", err)
	}
	return &g, nil
}

// With returns a copy of g extended with keywords not already present.
func (g *Glossary) With(keywords []string) *Glossary {
	out := &Glossary{}
	seen := make(map[string]bool)
	if g != nil {
		out.Terms = slices.Clone(g.Terms)
		for _, t := range g.Terms {
			seen[strings.ToLower(t.Term)] = true
		}
	}
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out.Terms = append(out.Terms, GlossaryTerm{Term: k, Category: "keyword"})
	}
	return out
}

// TermMatch is one recognized term.
type TermMatch struct {
	Term     string   `json:"term"`
	Category string   `json:"category,omitempty"`
	Count    int      `json:"count"`
	Contexts []string `json:"contexts,omitempty"`
}

// TermsResult is the JSON document written by the term recognition stage.
type TermsResult struct {
	LessonID  string      `json:"lesson_id"`
	Preset    string      `json:"preset"`
	WordCount int         `json:"word_count"`
	Terms     []TermMatch `json:"terms"`
}

// MatchTerms counts glossary terms (including aliases) in text.
// Results are ordered by count, then term, and capped at cfg.MaxTerms.
func MatchTerms(text string, g *Glossary, cfg preset.TermsConfig) []TermMatch {
	if g == nil {
		return nil
	}
	hay := text
	if !cfg.CaseSensitive {
		hay = strings.ToLower(text)
	}

	var matches []TermMatch
	for _, t := range g.Terms {
		m := TermMatch{Term: t.Term, Category: t.Category}
		for _, surface := range append([]string{t.Term}, t.Aliases...) {
			needle := strings.TrimSpace(surface)
			if needle == "" {
				continue
			}
			if !cfg.CaseSensitive {
				needle = strings.ToLower(needle)
			}
			for _, at := range findAll(hay, needle, cfg.WholeWords) {
				m.Count++
				if cfg.IncludeContexts && len(m.Contexts) < maxContexts {
					m.Contexts = append(m.Contexts, snippet(hay, at, at+len(needle)))
				}
			}
		}
		if m.Count >= cfg.MinOccurrences && m.Count > 0 {
			matches = append(matches, m)
		}
	}

	slices.SortStableFunc(matches, func(a, b TermMatch) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Term, b.Term)
	})
	if cfg.MaxTerms > 0 && len(matches) > cfg.MaxTerms {
		matches = matches[:cfg.MaxTerms]
	}
	return matches
}

// findAll returns the byte offsets of non-overlapping occurrences of needle.
func findAll(hay, needle string, wholeWords bool) []int {
	var out []int
	for from := 0; from <= len(hay)-len(needle); {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			break
		}
		at := from + i
		end := at + len(needle)
		if !wholeWords || (isBoundary(hay, at, true) && isBoundary(hay, end, false)) {
			out = append(out, at)
			from = end
			continue
		}
		_, size := utf8.DecodeRuneInString(hay[at:])
		from = at + size
	}
	return out
}

// isBoundary reports whether the rune before (or at) offset is not part of a word.
func isBoundary(s string, offset int, before bool) bool {
	var r rune
	if before {
		if offset == 0 {
			return true
		}
		r, _ = utf8.DecodeLastRuneInString(s[:offset])
	} else {
		if offset >= len(s) {
			return true
		}
		r, _ = utf8.DecodeRuneInString(s[offset:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

func snippet(s string, start, end int) string {
	from := max(0, start-contextRadius)
	to := min(len(s), end+contextRadius)
	for from > 0 && !utf8.RuneStart(s[from]) {
		from--
	}
	for to < len(s) && !utf8.RuneStart(s[to]) {
		to++
	}
	return strings.Join(strings.Fields(s[from:to]), " ")
}

// countWords counts whitespace-separated words.
func countWords(text string) int {
	return len(strings.Fields(text))
}
