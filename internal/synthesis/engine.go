// Package synthesis turns retrieved evidence into a cited natural-language
// answer via the synthesis provider chain.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/provider"
)

// evidenceLimit caps how many matches and relationships go into the context
// document handed to the model.
const evidenceLimit = 5

const systemPrompt = `You are an engineering assistant answering questions about a codebase.
Answer ONLY from the provided context. Do not use outside knowledge.
Cite code evidence as [Source: path:start-end] and structural evidence as [Graph: A -> B], using entries exactly as they appear in the context.
If the context does not contain enough information to answer, reply with exactly: ` + model.InsufficientEvidence

var (
	sourcePattern = regexp.MustCompile(`\[Source:\s*([^\]]+)\]`)
	graphPattern  = regexp.MustCompile(`\[Graph:\s*([^\]]+)\]`)
)

// Chain is the synthesis-provider contract the engine calls.
type Chain interface {
	SynthesizeWithWarnings(ctx context.Context, system, user string, opts *provider.SynthesisOptions) (string, []string, error)
}

// Engine composes evidence into a prompt and parses the cited answer back.
type Engine struct {
	chain  Chain
	logger core.Logger
}

// NewEngine creates an engine over the synthesis chain.
func NewEngine(chain Chain, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{chain: chain, logger: logger}
}

// Synthesize produces a cited answer and insights from the evidence. With no
// evidence at all it returns the designated insufficient-information answer
// without calling a provider.
func (e *Engine) Synthesize(ctx context.Context, query string, matches []model.SemanticMatch, rels []model.Relationship, opts *provider.SynthesisOptions) (*model.Answer, *model.Insights, []string, error) {
	if len(matches) == 0 && len(rels) == 0 {
		return &model.Answer{
			Text:       model.InsufficientEvidence,
			Confidence: 0,
			Citations:  []model.Citation{},
		}, &model.Insights{Summary: model.InsufficientEvidence}, nil, nil
	}

	doc := BuildContext(matches, rels)
	user := fmt.Sprintf("Question: %s\n\nContext:\n%s", query, doc)

	start := time.Now()
	text, warnings, err := e.chain.SynthesizeWithWarnings(ctx, systemPrompt, user, opts)
	if err != nil {
		return nil, nil, warnings, fmt.Errorf("synthesis: %w", err)
	}
	e.logger.Debug("Synthesis completed", map[string]interface{}{
		"operation":   "synthesis",
		"answer_len":  len(text),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	citations := ParseCitations(text, matches, rels)
	if len(citations) == 0 {
		citations = fallbackCitations(matches)
	}

	answer := &model.Answer{
		Text:       text,
		Confidence: Confidence(matches, rels, len(citations)),
		Citations:  citations,
	}
	if strings.TrimSpace(text) == model.InsufficientEvidence {
		answer.Confidence = 0
		answer.Citations = []model.Citation{}
	}
	return answer, buildInsights(answer, matches, rels), warnings, nil
}

// BuildContext renders the evidence document with the citation markers the
// model is instructed to echo back.
func BuildContext(matches []model.SemanticMatch, rels []model.Relationship) string {
	var sb strings.Builder
	for i, m := range matches {
		if i >= evidenceLimit {
			break
		}
		sb.WriteString(fmt.Sprintf("[Source: %s]\n%s\n\n", sourceMarker(m), m.Content))
	}
	for i, r := range rels {
		if i >= evidenceLimit {
			break
		}
		sb.WriteString(fmt.Sprintf("[Graph: %s -> %s] %s\n", r.Source, r.Target, r.Explanation))
	}
	return sb.String()
}

func sourceMarker(m model.SemanticMatch) string {
	if m.StartLine > 0 {
		return fmt.Sprintf("%s:%d-%d", m.Source, m.StartLine, m.EndLine)
	}
	return m.Source
}

// ParseCitations matches [Source: ...] and [Graph: ...] markers in the
// answer against the retrieved evidence, carrying forward original scores
// and line ranges. Markers that match nothing retrieved are dropped.
func ParseCitations(text string, matches []model.SemanticMatch, rels []model.Relationship) []model.Citation {
	var citations []model.Citation
	seen := map[string]bool{}

	for _, m := range sourcePattern.FindAllStringSubmatch(text, -1) {
		ref := strings.TrimSpace(m[1])
		path := ref
		if i := strings.LastIndex(ref, ":"); i > 0 {
			path = ref[:i]
		}
		for _, match := range matches {
			if match.Source != path && match.Source != ref {
				continue
			}
			key := "s:" + match.Source + fmt.Sprint(match.StartLine)
			if seen[key] {
				break
			}
			seen[key] = true
			citations = append(citations, model.Citation{
				Source:    match.Source,
				StartLine: match.StartLine,
				EndLine:   match.EndLine,
				Relevance: match.Score,
				Type:      citationType(match.Type),
			})
			break
		}
	}

	for _, g := range graphPattern.FindAllStringSubmatch(text, -1) {
		ref := normalizeArrow(strings.TrimSpace(g[1]))
		for _, rel := range rels {
			if ref != rel.Source+" -> "+rel.Target {
				continue
			}
			key := "g:" + ref
			if seen[key] {
				break
			}
			seen[key] = true
			citations = append(citations, model.Citation{
				Source:    rel.Source + " -> " + rel.Target,
				Relevance: 1,
				Type:      model.CitationGraph,
			})
			break
		}
	}
	return citations
}

func normalizeArrow(s string) string {
	s = strings.ReplaceAll(s, "→", "->")
	return strings.Join(strings.Fields(s), " ")
}

func citationType(t model.ContentType) model.CitationType {
	if t == model.ContentDoc {
		return model.CitationDoc
	}
	return model.CitationCode
}

// fallbackCitations synthesizes citations from the top semantic matches when
// the model cited nothing parseable.
func fallbackCitations(matches []model.SemanticMatch) []model.Citation {
	limit := 3
	if len(matches) < limit {
		limit = len(matches)
	}
	citations := make([]model.Citation, 0, limit)
	for _, m := range matches[:limit] {
		citations = append(citations, model.Citation{
			Source:    m.Source,
			StartLine: m.StartLine,
			EndLine:   m.EndLine,
			Relevance: m.Score,
			Type:      citationType(m.Type),
		})
	}
	return citations
}

// Confidence scores an answer from evidence quality: mean semantic score
// weighted 0.7, structural presence 0.1, citation coverage 0.2.
func Confidence(matches []model.SemanticMatch, rels []model.Relationship, citationCount int) float64 {
	var mean float64
	if len(matches) > 0 {
		var sum float64
		for _, m := range matches {
			sum += m.Score
		}
		mean = sum / float64(len(matches))
	}

	structural := 0.0
	if len(rels) > 0 {
		structural = 1.0
	}
	coverage := float64(citationCount) / 3
	if coverage > 1 {
		coverage = 1
	}
	return 0.7*mean + 0.1*structural + 0.2*coverage
}

func buildInsights(answer *model.Answer, matches []model.SemanticMatch, rels []model.Relationship) *model.Insights {
	ins := &model.Insights{Summary: firstSentence(answer.Text)}
	seen := map[string]bool{}
	for _, c := range answer.Citations {
		if c.Type == model.CitationGraph || seen[c.Source] {
			continue
		}
		seen[c.Source] = true
		ins.KeyFindings = append(ins.KeyFindings, "Evidence in "+c.Source)
	}
	if len(rels) > 0 && len(matches) == 0 {
		ins.Recommendations = append(ins.Recommendations,
			"Answer is based on structural relationships only; verify against source files.")
	}
	return ins
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?\n"); i > 0 && i < 200 {
		return text[:i+1]
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
