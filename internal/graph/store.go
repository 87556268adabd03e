// Package graph implements structural retrieval against a bolt-style graph
// store, plus persistence of the gateway-owned query, feedback, and tuning
// records.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"codectx/internal/core"
	"codectx/internal/model"
)

// Edge is one traversed relationship with the node names walked to reach it.
type Edge struct {
	Source     model.GraphNode
	Target     model.GraphNode
	Kind       model.RelationKind
	PathNames  []string
	Depth      int
	SourcePath string
}

// Store is the graph-store contract the retriever and records layer depend on.
type Store interface {
	FindAnchors(ctx context.Context, project, term string, limit int) ([]model.GraphNode, error)
	Expand(ctx context.Context, project string, anchors []string, kinds []model.RelationKind, maxDepth, maxEdges int) ([]Edge, error)
	TopConnected(ctx context.Context, project string, limit int) ([]model.GraphNode, error)
	Ping(ctx context.Context) error
}

// Neo4jStore is the production Store over the bolt driver.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger core.Logger
}

// NewNeo4jStore connects to the graph store. The caller owns Close.
func NewNeo4jStore(uri, user, password string, logger core.Logger) (*Neo4jStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("connecting to graph store: %w", err)
	}
	return &Neo4jStore{driver: driver, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies store connectivity.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("graph store: %v: %w", err, core.ErrUnavailable)
	}
	return nil
}

func (s *Neo4jStore) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
}

func (s *Neo4jStore) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

// FindAnchors resolves candidate anchor nodes by exact then fuzzy match on
// qualified name or path.
func (s *Neo4jStore) FindAnchors(ctx context.Context, project, term string, limit int) ([]model.GraphNode, error) {
	session := s.readSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	query := `
		MATCH (n {project: $project})
		WHERE n.name = $term
		   OR toLower(n.name) CONTAINS toLower($term)
		   OR (n.path IS NOT NULL AND toLower(n.path) CONTAINS toLower($term))
		RETURN labels(n)[0] AS kind, n.name AS name, n.path AS path,
		       n.start_line AS start_line, n.end_line AS end_line
		ORDER BY CASE WHEN n.name = $term THEN 0 ELSE 1 END, n.name
		LIMIT $limit`

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]model.GraphNode, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"project": project,
			"term":    term,
			"limit":   limit,
		})
		if err != nil {
			return nil, err
		}
		var nodes []model.GraphNode
		for res.Next(ctx) {
			rec := res.Record()
			nodes = append(nodes, nodeFromRecord(rec, project))
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph anchors: %v: %w", err, core.ErrUnavailable)
	}
	return result, nil
}

// Expand walks outgoing edges from the anchors up to maxDepth, returning at
// most maxEdges traversed relationships. Depth is validated and inlined
// because variable-length bounds cannot be parameterized.
func (s *Neo4jStore) Expand(ctx context.Context, project string, anchors []string, kinds []model.RelationKind, maxDepth, maxEdges int) ([]Edge, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 4 {
		maxDepth = 4
	}

	session := s.readSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	relFilter := ""
	if len(kinds) > 0 {
		relFilter = ":" + kindPattern(kinds)
	}
	query := fmt.Sprintf(`
		MATCH p = (a {project: $project})-[r%s*1..%d]->(b)
		WHERE a.name IN $anchors
		RETURN labels(a)[0] AS src_kind, a.name AS src_name, a.path AS src_path,
		       labels(b)[0] AS dst_kind, b.name AS dst_name, b.path AS dst_path,
		       type(last(relationships(p))) AS rel,
		       [n IN nodes(p) | n.name] AS path_names,
		       length(p) AS depth
		LIMIT $limit`, relFilter, maxDepth)

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]Edge, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"project": project,
			"anchors": anchors,
			"limit":   maxEdges,
		})
		if err != nil {
			return nil, err
		}
		var edges []Edge
		for res.Next(ctx) {
			rec := res.Record()
			e := Edge{
				Source: model.GraphNode{
					Kind:    model.NodeKind(stringValue(rec, "src_kind")),
					Name:    stringValue(rec, "src_name"),
					Path:    stringValue(rec, "src_path"),
					Project: project,
				},
				Target: model.GraphNode{
					Kind:    model.NodeKind(stringValue(rec, "dst_kind")),
					Name:    stringValue(rec, "dst_name"),
					Path:    stringValue(rec, "dst_path"),
					Project: project,
				},
				Kind: model.RelationKind(stringValue(rec, "rel")),
			}
			if v, ok := rec.Get("path_names"); ok {
				if names, ok := v.([]any); ok {
					for _, n := range names {
						if str, ok := n.(string); ok {
							e.PathNames = append(e.PathNames, str)
						}
					}
				}
			}
			if v, ok := rec.Get("depth"); ok {
				if d, ok := v.(int64); ok {
					e.Depth = int(d)
				}
			}
			e.SourcePath = e.Source.Path
			edges = append(edges, e)
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph expand: %v: %w", err, core.ErrUnavailable)
	}
	return result, nil
}

// TopConnected returns the highest-degree nodes in the project, used when no
// anchors resolve.
func (s *Neo4jStore) TopConnected(ctx context.Context, project string, limit int) ([]model.GraphNode, error) {
	session := s.readSession(ctx)
	defer func() {
		_ = session.Close(ctx)
	}()

	query := `
		MATCH (n {project: $project})
		WITH n, COUNT { (n)--() } AS degree
		ORDER BY degree DESC, n.name
		LIMIT $limit
		RETURN labels(n)[0] AS kind, n.name AS name, n.path AS path,
		       n.start_line AS start_line, n.end_line AS end_line, degree`

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]model.GraphNode, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"project": project,
			"limit":   limit,
		})
		if err != nil {
			return nil, err
		}
		var nodes []model.GraphNode
		for res.Next(ctx) {
			rec := res.Record()
			node := nodeFromRecord(rec, project)
			if v, ok := rec.Get("degree"); ok {
				if d, ok := v.(int64); ok {
					node.Degree = int(d)
				}
			}
			nodes = append(nodes, node)
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph sampling: %v: %w", err, core.ErrUnavailable)
	}
	return result, nil
}

func kindPattern(kinds []model.RelationKind) string {
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += "|"
		}
		out += string(k)
	}
	return out
}

func nodeFromRecord(rec *neo4j.Record, project string) model.GraphNode {
	n := model.GraphNode{
		Kind:    model.NodeKind(stringValue(rec, "kind")),
		Name:    stringValue(rec, "name"),
		Path:    stringValue(rec, "path"),
		Project: project,
	}
	if v, ok := rec.Get("start_line"); ok {
		if i, ok := v.(int64); ok {
			n.StartLine = int(i)
		}
	}
	if v, ok := rec.Get("end_line"); ok {
		if i, ok := v.(int64); ok {
			n.EndLine = int(i)
		}
	}
	return n
}

func stringValue(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// timeValue converts a driver time value to time.Time, tolerating both
// native temporal types and RFC3339 strings.
func timeValue(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
