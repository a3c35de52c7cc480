package narrative

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// Classifier maps a piece of memory or experience text onto identity
// marker types. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(text string) []string
}

// Marker types produced by the built-in classifiers
const (
	MarkerCurious       = "curious"
	MarkerSocial        = "social"
	MarkerCreative      = "creative"
	MarkerCareful       = "careful"
	MarkerResilient     = "resilient"
	MarkerExplorer      = "explorer"
	MarkerCollaborative = "collaborative"
)

// DefaultKeywords is the word-stem table used by NewKeywordClassifier(nil)
var DefaultKeywords = map[string][]string{
	MarkerCurious:   {"explor", "discover", "learn", "wonder", "question", "curio", "why"},
	MarkerSocial:    {"friend", "talk", "chat", "together", "conversation", "help", "share"},
	MarkerCreative:  {"build", "creat", "design", "writ", "draw", "compos", "invent"},
	MarkerCareful:   {"check", "verif", "review", "plan", "careful", "test", "measur"},
	MarkerResilient: {"retry", "recover", "again", "persist", "overcom", "fix"},
}

// KeywordClassifier assigns a marker type when any of its keywords appears
// as a word (or word prefix) in the text
type KeywordClassifier struct {
	keywords map[string][]string
	types    []string
}

// NewKeywordClassifier builds a classifier from marker type -> keywords.
// A nil table selects DefaultKeywords.
func NewKeywordClassifier(table map[string][]string) *KeywordClassifier {
	if table == nil {
		table = DefaultKeywords
	}
	c := &KeywordClassifier{keywords: make(map[string][]string, len(table))}
	for typ, words := range table {
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				lowered = append(lowered, w)
			}
		}
		c.keywords[typ] = lowered
		c.types = append(c.types, typ)
	}
	sort.Strings(c.types)
	return c
}

// Classify implements Classifier. Results are sorted and unique.
func (c *KeywordClassifier) Classify(text string) []string {
	words := tokenize(text)
	if len(words) == 0 {
		return nil
	}
	var out []string
	for _, typ := range c.types {
		if matchesAny(words, c.keywords[typ]) {
			out = append(out, typ)
		}
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func matchesAny(words, keywords []string) bool {
	for _, w := range words {
		for _, k := range keywords {
			if strings.HasPrefix(w, k) {
				return true
			}
		}
	}
	return false
}

// ProseClassifier tags text by the named entities prose finds in it
// (people suggest sociability, places exploration) and merges in the
// result of a fallback classifier for everything entity labels miss.
type ProseClassifier struct {
	fallback Classifier
}

// NewProseClassifier creates a prose-backed classifier. fallback may be nil.
func NewProseClassifier(fallback Classifier) *ProseClassifier {
	return &ProseClassifier{fallback: fallback}
}

// entityMarker maps prose entity labels to marker types
func entityMarker(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON", "NORP":
		return MarkerSocial
	case "GPE", "LOC", "FAC":
		return MarkerExplorer
	case "ORG":
		return MarkerCollaborative
	case "WORK_OF_ART", "PRODUCT":
		return MarkerCreative
	default:
		return ""
	}
}

// Classify implements Classifier
func (c *ProseClassifier) Classify(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seen := make(map[string]bool)
	if doc, err := prose.NewDocument(text); err == nil {
		for _, ent := range doc.Entities() {
			if typ := entityMarker(ent.Label); typ != "" {
				seen[typ] = true
			}
		}
	}
	if c.fallback != nil {
		for _, typ := range c.fallback.Classify(text) {
			seen[typ] = true
		}
	}
	out := make([]string, 0, len(seen))
	for typ := range seen {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
