package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/models"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// vocabularyTTL bounds how stale the in-memory vocabulary may get.
const vocabularyTTL = 5 * time.Minute

// VocabularySource lists known terms with their frequencies.
type VocabularySource interface {
	Terms(ctx context.Context, limit int) (map[string]int, error)
}

// Expander suggests typo corrections and synonyms for a query using the
// vocabulary of stored content.
type Expander struct {
	vocab    VocabularySource
	synonyms map[string][]string

	mu       sync.Mutex
	terms    map[string]int
	loadedAt time.Time
}

func NewExpander(vocab VocabularySource, synonyms map[string][]string) *Expander {
	return &Expander{vocab: vocab, synonyms: synonyms}
}

// Expand returns a suggestion for query. It never fails the search: when
// the vocabulary cannot be loaded it returns the query unchanged.
func (e *Expander) Expand(ctx context.Context, query string) *models.QuerySuggestion {
	s := &models.QuerySuggestion{Original: query, Expanded: query}
	tokens := store.Tokenize(query)
	if len(tokens) == 0 {
		return s
	}
	terms := e.vocabulary(ctx)

	out := make([]string, 0, len(tokens))
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, tok := range tokens {
		word := tok
		if _, known := terms[tok]; !known && len(terms) > 0 {
			if fixed, ok := correct(tok, terms); ok {
				if s.Corrections == nil {
					s.Corrections = map[string]string{}
				}
				s.Corrections[tok] = fixed
				word = fixed
			}
		}
		add(word)
		for _, syn := range e.synonyms[word] {
			syn = strings.ToLower(syn)
			if _, known := terms[syn]; !known || seen[syn] {
				continue
			}
			if s.Synonyms == nil {
				s.Synonyms = map[string]string{}
			}
			s.Synonyms[syn] = word
			add(syn)
		}
	}

	if len(s.Corrections) > 0 || len(s.Synonyms) > 0 {
		s.Expanded = strings.Join(out, " ")
	}
	return s
}

func (e *Expander) vocabulary(ctx context.Context) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terms != nil && time.Since(e.loadedAt) < vocabularyTTL {
		return e.terms
	}
	terms, err := e.vocab.Terms(ctx, 0)
	if err != nil {
		return e.terms
	}
	e.terms, e.loadedAt = terms, time.Now()
	return terms
}

// Invalidate forces the next Expand to reload the vocabulary.
func (e *Expander) Invalidate() {
	e.mu.Lock()
	e.terms = nil
	e.mu.Unlock()
}

// correct finds the closest vocabulary term within the allowed edit
// distance: 1, or 2 for tokens of seven characters or more. Ties prefer the
// more frequent term, then the lexically smaller one.
func correct(tok string, terms map[string]int) (string, bool) {
	if len([]rune(tok)) < 3 {
		return "", false
	}
	maxDist := 1
	if len([]rune(tok)) >= 7 {
		maxDist = 2
	}

	type cand struct {
		term string
		dist int
		freq int
	}
	var cands []cand
	for term, freq := range terms {
		if abs(len(term)-len(tok)) > maxDist {
			continue
		}
		if d := Levenshtein(tok, term); d <= maxDist {
			cands = append(cands, cand{term, d, freq})
		}
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].freq != cands[j].freq {
			return cands[i].freq > cands[j].freq
		}
		return cands[i].term < cands[j].term
	})
	return cands[0].term, true
}

// Levenshtein returns the edit distance between a and b over runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
