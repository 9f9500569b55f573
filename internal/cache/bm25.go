package cache

import (
	"math"
	"strings"
)

// BM25 parameters. Standard Robertson values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// lexicalScores ranks candidate query strings against the probe query with
// BM25, normalized to [0,1]. Degenerate corpora (one candidate, or all
// scores identical so the max carries no signal) fall back to plain term
// overlap, which stays meaningful at any corpus size.
func lexicalScores(probe string, candidates []string) []float64 {
	probeTerms := tokenize(probe)
	scores := make([]float64, len(candidates))
	if len(probeTerms) == 0 || len(candidates) == 0 {
		return scores
	}

	docs := make([][]string, len(candidates))
	totalLen := 0
	for i, c := range candidates {
		docs[i] = tokenize(c)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		return scores
	}

	// Document frequency per probe term.
	df := make(map[string]int, len(probeTerms))
	for _, term := range probeTerms {
		for _, doc := range docs {
			if containsTerm(doc, term) {
				df[term]++
			}
		}
	}

	n := float64(len(docs))
	for i, doc := range docs {
		var score float64
		for _, term := range probeTerms {
			tf := termFreq(doc, term)
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(len(doc))/avgLen)
			score += idf * num / den
		}
		scores[i] = score
	}

	maxScore, minScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
		if s < minScore {
			minScore = s
		}
	}

	if len(candidates) == 1 || maxScore == minScore {
		for i, doc := range docs {
			scores[i] = overlapRatio(probeTerms, doc)
		}
		return scores
	}

	for i := range scores {
		scores[i] = scores[i] / maxScore
	}
	return scores
}

func overlapRatio(probeTerms []string, doc []string) float64 {
	if len(probeTerms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range probeTerms {
		if containsTerm(doc, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(probeTerms))
}

func containsTerm(doc []string, term string) bool {
	for _, t := range doc {
		if t == term {
			return true
		}
	}
	return false
}

func termFreq(doc []string, term string) int {
	n := 0
	for _, t := range doc {
		if t == term {
			n++
		}
	}
	return n
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
