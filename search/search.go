// Package search ranks harvested wiki pages against a free-text question
// using weighted keyword matching.
package search

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ChillzonToast/nitc-chatbot/models"
)

const cacheSize = 64

var stopwords = map[string]struct{}{
	"the": {}, "is": {}, "in": {}, "what": {}, "how": {}, "why": {},
	"an": {}, "a": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"then": {}, "else": {}, "there": {}, "here": {}, "now": {},
	"for": {}, "are": {}, "was": {}, "with": {}, "can": {}, "do": {},
	"does": {}, "to": {}, "of": {}, "on": {},
}

// Match pairs a page with its relevance score.
type Match struct {
	Page  *models.PageRecord
	Score float64
}

// Index answers keyword queries over a fixed set of pages. Query results are
// cached in an LRU keyed by the normalized query.
type Index struct {
	pages []*models.PageRecord
	cache *lru.Cache[string, []Match]
}

// NewIndex builds an index over the given pages.
func NewIndex(pages []*models.PageRecord) (*Index, error) {
	cache, err := lru.New[string, []Match](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Index{pages: pages, cache: cache}, nil
}

// Len returns the number of indexed pages.
func (ix *Index) Len() int {
	return len(ix.pages)
}

// Query returns the topN best matching pages, best first. Pages with a zero
// score are omitted.
func (ix *Index) Query(question string, topN int) []Match {
	if topN <= 0 {
		topN = 10
	}
	key := fmt.Sprintf("%s|%d", strings.ToLower(strings.TrimSpace(question)), topN)
	if hit, ok := ix.cache.Get(key); ok {
		return hit
	}

	matchers := compileMatchers(Keywords(question))
	var matches []Match
	for _, page := range ix.pages {
		if score := scorePage(page, matchers); score > 0 {
			matches = append(matches, Match{Page: page, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topN {
		matches = matches[:topN]
	}

	ix.cache.Add(key, matches)
	return matches
}

// Keywords extracts lowercase search terms from a question, dropping
// stopwords and one-letter tokens.
func Keywords(question string) []string {
	var keywords []string
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, ".,!?\"'()[]{}:;")
		if len(word) < 2 {
			continue
		}
		if _, ok := stopwords[word]; ok {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}
	return keywords
}

type keywordMatcher struct {
	keyword  string
	boundary *regexp.Regexp
}

func compileMatchers(keywords []string) []keywordMatcher {
	matchers := make([]keywordMatcher, 0, len(keywords))
	for _, keyword := range keywords {
		matchers = append(matchers, keywordMatcher{
			keyword:  keyword,
			boundary: regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`),
		})
	}
	return matchers
}

// scorePage computes the keyword match score for one page. Title matches
// dominate, then categories, then content occurrences.
func scorePage(page *models.PageRecord, matchers []keywordMatcher) float64 {
	if page == nil || len(matchers) == 0 {
		return 0
	}

	title := strings.ToLower(page.Title)
	content := strings.ToLower(page.Content)
	categories := strings.ToLower(strings.Join(page.Categories, " "))

	contentWords := strings.Fields(content)
	contentStart := content
	if len(contentWords) > 200 {
		contentStart = strings.Join(contentWords[:200], " ")
	}

	score := 0.0
	for _, m := range matchers {
		switch {
		case m.keyword == title:
			score += 50.0
		case strings.Contains(title, m.keyword):
			score += 20.0
		}

		if strings.Contains(categories, m.keyword) {
			score += 15.0
		}

		score += float64(strings.Count(content, m.keyword)) * 2.0

		if m.boundary.MatchString(title) {
			score += 25.0
		}
		if m.boundary.MatchString(contentStart) {
			score += 5.0
		}

		if len(m.keyword) > 3 {
			for _, word := range strings.Fields(title) {
				if strings.Contains(word, m.keyword) {
					score += 3.0
				}
			}
		}
	}
	return score
}

// Snippet returns the first maxWords words of a page's content.
func Snippet(page *models.PageRecord, maxWords int) string {
	if page == nil {
		return ""
	}
	words := strings.Fields(page.Content)
	if len(words) <= maxWords {
		return page.Content
	}
	return strings.Join(words[:maxWords], " ") + " ..."
}
