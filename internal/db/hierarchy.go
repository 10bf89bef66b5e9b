package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/radiator/internal/db/driver"
)

// HierarchyQuery describes one transitive link walk.
type HierarchyQuery struct {
	QueuePrefix string // e.g. "FULLSTACK"; matched keys start with it
	LinkType    string // link type id denoting parent/child, e.g. "subtask"
	MaxDepth    int    // termination bound in the presence of cycles
}

// DefaultMaxDepth bounds the hierarchy walk.
const DefaultMaxDepth = 10

func (h HierarchyQuery) normalize() HierarchyQuery {
	if h.MaxDepth <= 0 {
		h.MaxDepth = DefaultMaxDepth
	}
	if h.LinkType == "" {
		h.LinkType = "subtask"
	}
	return h
}

// DownstreamKeys returns the transitive set of keys reachable from root by
// following inward links of the configured type, constrained to the queue
// prefix. The root itself is included when it matches the prefix. One
// recursive statement; no per-node round-trips.
func (d *DB) DownstreamKeys(ctx context.Context, root string, hq HierarchyQuery) ([]string, error) {
	byRoot, err := d.DownstreamKeysBatch(ctx, []string{root}, hq)
	if err != nil {
		return nil, err
	}
	return byRoot[root], nil
}

// DownstreamKeysBatch walks all roots in a single recursive statement and
// returns reachable keys grouped by root.
func (d *DB) DownstreamKeysBatch(ctx context.Context, roots []string, hq HierarchyQuery) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	if len(roots) == 0 {
		return result, nil
	}
	hq = hq.normalize()

	var query string
	if d.drv.Dialect() == driver.DialectPostgres {
		query = downstreamPostgres
	} else {
		query = downstreamSQLite
	}

	seeds := make([]string, 0, len(roots))
	args := make([]any, 0, 2*len(roots)+3)
	for _, r := range roots {
		seeds = append(seeds, "SELECT CAST(? AS TEXT), CAST(? AS TEXT), 0")
		args = append(args, r, r)
	}
	query = strings.Replace(query, "/*SEEDS*/", strings.Join(seeds, " UNION ALL "), 1)
	args = append(args, hq.QueuePrefix+"%", hq.LinkType, hq.MaxDepth)

	rows, err := d.drv.Query(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("downstream keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]map[string]bool, len(roots))
	for rows.Next() {
		var root, key string
		if err := rows.Scan(&root, &key); err != nil {
			return nil, fmt.Errorf("scan downstream key: %w", err)
		}
		// Seeds enter the walk unconditionally; keep a root in its own
		// result set only when it belongs to the target queue.
		if key == root && !strings.HasPrefix(key, hq.QueuePrefix) {
			continue
		}
		if seen[root] == nil {
			seen[root] = make(map[string]bool)
		}
		if seen[root][key] {
			continue
		}
		seen[root][key] = true
		result[root] = append(result[root], key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downstream keys: %w", err)
	}
	return result, nil
}

// The recursive walk carries (root, key, depth). Children are tasks in the
// target queue whose links array holds an inward link of the configured
// type pointing at an already-reached key. UNION deduplicates rows and the
// depth bound guarantees termination on cyclic link graphs.
const downstreamSQLite = `
	WITH RECURSIVE walk(root, key, depth) AS (
		/*SEEDS*/
		UNION
		SELECT w.root, t.key, w.depth + 1
		FROM walk w, tasks t, json_each(t.links) l
		WHERE t.links IS NOT NULL
		  AND t.key LIKE ?
		  AND json_extract(l.value, '$.type.id') = ?
		  AND json_extract(l.value, '$.direction') = 'inward'
		  AND json_extract(l.value, '$.object.key') = w.key
		  AND w.depth < ?
	)
	SELECT root, key FROM walk ORDER BY root, depth, key`

const downstreamPostgres = `
	WITH RECURSIVE walk(root, key, depth) AS (
		/*SEEDS*/
		UNION
		SELECT w.root, t.key, w.depth + 1
		FROM walk w
		JOIN tasks t ON t.key LIKE ?
		CROSS JOIN LATERAL jsonb_array_elements(t.links) AS l
		WHERE t.links IS NOT NULL
		  AND l->'type'->>'id' = ?
		  AND l->>'direction' = 'inward'
		  AND l->'object'->>'key' = w.key
		  AND w.depth < ?
	)
	SELECT root, key FROM walk ORDER BY root, depth, key`
