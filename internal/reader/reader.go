// Package reader turns a sanitized page into goal-relevant structured
// content. Pages move through four stages: a cheap relevance scan, rule
// based type detection, extraction, and validation against the goal.
package reader

import (
	"context"
	"fmt"
	"strings"

	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/sanitize"
	"scout/internal/types"
)

// PageType classifies what kind of page we are reading.
type PageType string

const (
	TypeProduct  PageType = "product"
	TypeCategory PageType = "category"
	TypeArticle  PageType = "article"
	TypeForum    PageType = "forum"
	TypeReview   PageType = "review"
	TypeOther    PageType = "other"
)

// Input is everything the reader needs about one page.
type Input struct {
	URL   string
	Title string
	Doc   *sanitize.Document
	Goal  string
}

// Reading is the reader's output for one page.
type Reading struct {
	URL        string            `json:"url"`
	Relevance  float64           `json:"relevance"`
	PageType   PageType          `json:"page_type"`
	Content    string            `json:"content"`
	Facts      map[string]string `json:"facts,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Validation *types.Validation `json:"validation,omitempty"`
	Abandoned  bool              `json:"abandoned"`
}

// Reader runs the four-stage pipeline.
type Reader struct {
	inv              *llm.Invoker
	abandonThreshold float64
	fallbackScore    float64
	maxChunks        int
}

// NewReader builds a reader. abandon is the relevance floor below which a
// page is dropped without extraction; fallback is the score assumed when
// the scan itself fails.
func NewReader(inv *llm.Invoker, abandon, fallback float64) *Reader {
	if abandon <= 0 {
		abandon = 0.3
	}
	if fallback <= 0 {
		fallback = 0.5
	}
	return &Reader{inv: inv, abandonThreshold: abandon, fallbackScore: fallback, maxChunks: 3}
}

// Read processes one page. An abandoned page returns a Reading with
// Abandoned=true and no error; hard failures return an error.
func (r *Reader) Read(ctx context.Context, in Input) (*Reading, error) {
	if in.Doc == nil || strings.TrimSpace(in.Doc.Text) == "" {
		return nil, types.NewError(types.ErrExtractionEmpty, types.HostOf(in.URL),
			fmt.Errorf("no text after sanitization"))
	}

	timer := logging.StartTimer(logging.CategoryReader, "read:"+types.HostOf(in.URL))
	defer timer.Stop()

	reading := &Reading{URL: in.URL}

	// Stage 1: relevance scan on the first chunk only.
	reading.Relevance = r.scanRelevance(ctx, in)
	if reading.Relevance < r.abandonThreshold {
		reading.Abandoned = true
		logging.Reader("Abandoning %s: relevance %.2f below %.2f",
			types.TruncateForLog(in.URL, 80), reading.Relevance, r.abandonThreshold)
		return reading, nil
	}

	// Stage 2: type detection, no LLM involved.
	reading.PageType = DetectType(in.URL, in.Title, in.Doc.Text)

	// Stage 3: extraction over the leading chunks.
	if err := r.extract(ctx, in, reading); err != nil {
		return nil, err
	}

	// Stage 4: validate extraction against the goal.
	reading.Validation = r.validate(ctx, in, reading)
	return reading, nil
}

func (r *Reader) scanRelevance(ctx context.Context, in Input) float64 {
	chunk := in.Doc.Chunks[0]
	system := "You judge whether a web page is relevant to a research goal. Respond with JSON only."
	user := fmt.Sprintf(`Goal: %s

Page title: %s
Page text (beginning):
%s

Respond: {"relevance": <0.0-1.0>, "reason": "<short>"}`, in.Goal, in.Title, types.TruncateForLog(chunk, 4000))

	raw, err := r.inv.Invoke(ctx, llm.RoleRelevanceScanner, system, user)
	if err != nil {
		logging.ReaderDebug("relevance scan failed, assuming %.2f: %v", r.fallbackScore, err)
		return r.fallbackScore
	}
	var parsed struct {
		Relevance float64 `json:"relevance"`
	}
	if err := llm.ParseInto(raw, &parsed); err != nil {
		return r.fallbackScore
	}
	return clamp01(parsed.Relevance)
}

func (r *Reader) extract(ctx context.Context, in Input, reading *Reading) error {
	chunks := in.Doc.Chunks
	if len(chunks) > r.maxChunks {
		chunks = chunks[:r.maxChunks]
	}

	system := fmt.Sprintf(`You extract information from a %s page for a research goal.
Return JSON only: {"content": "<relevant content, verbatim where possible>", "facts": {"<attribute>": "<value>"}, "summary": "<2 sentences>"}`, reading.PageType)

	var contents []string
	facts := make(map[string]string)
	var summary string

	for i, chunk := range chunks {
		user := fmt.Sprintf("Goal: %s\nURL: %s\n\nPage text (part %d/%d):\n%s",
			in.Goal, in.URL, i+1, len(chunks), chunk)
		raw, err := r.inv.Invoke(ctx, llm.RolePageReader, system, user)
		if err != nil {
			if types.IsKind(err, types.ErrCancelled) {
				return err
			}
			logging.ReaderDebug("extraction chunk %d failed on %s: %v", i, in.URL, err)
			continue
		}
		var parsed struct {
			Content string            `json:"content"`
			Facts   map[string]string `json:"facts"`
			Summary string            `json:"summary"`
		}
		if err := llm.ParseInto(raw, &parsed); err != nil {
			continue
		}
		if parsed.Content != "" {
			contents = append(contents, parsed.Content)
		}
		for k, v := range parsed.Facts {
			if _, exists := facts[k]; !exists && v != "" {
				facts[k] = v
			}
		}
		if summary == "" {
			summary = parsed.Summary
		}
	}

	if len(contents) == 0 && len(facts) == 0 {
		return types.NewError(types.ErrExtractionEmpty, types.HostOf(in.URL),
			fmt.Errorf("no content extracted from %d chunks", len(chunks)))
	}
	reading.Content = strings.Join(contents, "\n\n")
	reading.Facts = facts
	reading.Summary = summary
	return nil
}

func (r *Reader) validate(ctx context.Context, in Input, reading *Reading) *types.Validation {
	system := "You verify extracted content against a research goal. Respond with JSON only."
	user := fmt.Sprintf(`Goal: %s

Extracted content:
%s

Facts: %v

Respond: {"is_valid": <bool>, "match_score": <0.0-1.0>, "reason": "<short>", "key_points": ["..."]}`,
		in.Goal, types.TruncateForLog(reading.Content, 3000), reading.Facts)

	raw, err := r.inv.Invoke(ctx, llm.RoleExtractionValidator, system, user)
	if err != nil {
		// Validation is advisory; extraction survives a validator outage.
		return &types.Validation{IsValid: true, MatchScore: r.fallbackScore, Reason: "validator unavailable"}
	}
	var v types.Validation
	if err := llm.ParseInto(raw, &v); err != nil {
		return &types.Validation{IsValid: true, MatchScore: r.fallbackScore, Reason: "validator output unparseable"}
	}
	v.MatchScore = clamp01(v.MatchScore)
	return &v
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
