package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"codectx/internal/core"
	"codectx/internal/model"
)

// relationPriority orders relation kinds for ranking. Lower ranks first.
var relationPriority = map[model.RelationKind]int{
	model.RelDefines:   0,
	model.RelCalls:     1,
	model.RelImports:   2,
	model.RelDependsOn: 3,
}

const otherRelationPriority = 4

// Retriever resolves structural relationships relevant to a query.
type Retriever struct {
	store    Store
	maxDepth int
	maxEdges int
	logger   core.Logger
}

// NewRetriever creates a retriever over store with traversal bounds.
func NewRetriever(store Store, maxDepth, maxEdges int, logger core.Logger) *Retriever {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if maxEdges <= 0 {
		maxEdges = 50
	}
	return &Retriever{store: store, maxDepth: maxDepth, maxEdges: maxEdges, logger: logger}
}

// Retrieve resolves anchors from the query text, expands from them, and
// returns ranked relationships. With no resolvable anchors it falls back to
// sampling the most connected nodes in the project.
func (r *Retriever) Retrieve(ctx context.Context, queryText, project string, kinds []model.RelationKind) ([]model.Relationship, error) {
	start := time.Now()

	anchors, err := r.resolveAnchors(ctx, queryText, project)
	if err != nil {
		return nil, fmt.Errorf("structural search: %w", err)
	}

	var edges []Edge
	if len(anchors) > 0 {
		edges, err = r.store.Expand(ctx, project, anchors, kinds, r.maxDepth, r.maxEdges)
	} else {
		edges, err = r.sampleFallback(ctx, project, kinds)
	}
	if err != nil {
		r.logger.Warn("Structural search failed", map[string]interface{}{
			"operation":   "graph_search",
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("structural search: %w", err)
	}

	rels := rankEdges(edges, r.maxEdges)
	r.logger.Debug("Structural search completed", map[string]interface{}{
		"operation":     "graph_search",
		"anchors":       len(anchors),
		"relationships": len(rels),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return rels, nil
}

// resolveAnchors extracts identifier-like terms from the query and matches
// them against node names and paths.
func (r *Retriever) resolveAnchors(ctx context.Context, queryText, project string) ([]string, error) {
	terms := AnchorTerms(queryText)
	seen := map[string]bool{}
	var anchors []string
	for _, term := range terms {
		nodes, err := r.store.FindAnchors(ctx, project, term, 5)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if !seen[n.Name] {
				seen[n.Name] = true
				anchors = append(anchors, n.Name)
			}
		}
	}
	return anchors, nil
}

// sampleFallback expands one hop from the project's most connected nodes.
func (r *Retriever) sampleFallback(ctx context.Context, project string, kinds []model.RelationKind) ([]Edge, error) {
	nodes, err := r.store.TopConnected(ctx, project, 10)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return r.store.Expand(ctx, project, names, kinds, 1, r.maxEdges)
}

// rankEdges orders by path length ascending, then relation priority, then
// source path ascending, and converts to relationships capped at maxEdges.
func rankEdges(edges []Edge, maxEdges int) []model.Relationship {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Depth != edges[j].Depth {
			return edges[i].Depth < edges[j].Depth
		}
		pi, pj := priorityOf(edges[i].Kind), priorityOf(edges[j].Kind)
		if pi != pj {
			return pi < pj
		}
		return edges[i].SourcePath < edges[j].SourcePath
	})

	if len(edges) > maxEdges {
		edges = edges[:maxEdges]
	}
	rels := make([]model.Relationship, 0, len(edges))
	for _, e := range edges {
		rels = append(rels, model.Relationship{
			Source:      e.Source.Name,
			Target:      e.Target.Name,
			Kind:        e.Kind,
			Path:        e.PathNames,
			SourcePath:  e.SourcePath,
			Explanation: explain(e),
		})
	}
	return rels
}

func priorityOf(k model.RelationKind) int {
	if p, ok := relationPriority[k]; ok {
		return p
	}
	return otherRelationPriority
}

func explain(e Edge) string {
	switch e.Kind {
	case model.RelDefines:
		return fmt.Sprintf("%s defines %s", e.Source.Name, e.Target.Name)
	case model.RelCalls:
		return fmt.Sprintf("%s calls %s", e.Source.Name, e.Target.Name)
	case model.RelImports:
		return fmt.Sprintf("%s imports %s", e.Source.Name, e.Target.Name)
	case model.RelDependsOn:
		return fmt.Sprintf("%s depends on %s", e.Source.Name, e.Target.Name)
	default:
		return fmt.Sprintf("%s %s %s", e.Source.Name, strings.ToLower(string(e.Kind)), e.Target.Name)
	}
}

// AnchorTerms extracts identifier-like tokens from query text: CamelCase
// words, dotted or slashed names, and snake_case identifiers.
func AnchorTerms(queryText string) []string {
	fields := strings.FieldsFunc(queryText, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '?' || r == '!' || r == ';' || r == '"' || r == '\''
	})

	var terms []string
	seen := map[string]bool{}
	for _, f := range fields {
		f = strings.Trim(f, ".()")
		if len(f) < 3 || seen[f] {
			continue
		}
		if looksLikeIdentifier(f) {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func looksLikeIdentifier(s string) bool {
	if strings.ContainsAny(s, "./_") {
		return true
	}
	// CamelCase or mixedCase: an interior uppercase rune.
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	// Standalone capitalized words are likely type or component names only
	// when fully alphanumeric and not a common sentence starter.
	if unicode.IsUpper(rune(s[0])) && !commonWords[strings.ToLower(s)] {
		return true
	}
	return false
}

var commonWords = map[string]bool{
	"the": true, "show": true, "what": true, "where": true, "how": true,
	"why": true, "when": true, "who": true, "which": true, "does": true,
	"can": true, "list": true, "find": true, "explain": true, "describe": true,
	"tell": true, "give": true, "this": true, "that": true, "these": true,
	"those": true, "about": true, "with": true, "from": true, "into": true,
}
