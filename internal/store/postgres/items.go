package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// InsertItems inserts items with unseen IDs and returns exactly those.
func (s *Store) InsertItems(ctx context.Context, items []monitor.Item) ([]monitor.Item, error) {
	inserted := make([]monitor.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		doc, err := json.Marshal(it)
		if err != nil {
			return inserted, fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO items (id, search_term, ingested_at, analyzed, doc) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
			it.ID, it.SearchTerm, it.IngestedAt, it.Analyzed, doc)
		if err != nil {
			return inserted, persistence("insert item", err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, it)
		}
	}
	return inserted, nil
}

// ExistingIDs reports which of ids are already stored.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, persistence("query item ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistence("scan item id", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate item ids", err)
	}
	return out, nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (monitor.Item, error) {
	return getDoc[monitor.Item](ctx, s.pool, "items", id)
}

// ListItems returns matching items newest-ingested first.
func (s *Store) ListItems(ctx context.Context, q monitor.ItemQuery) ([]monitor.Item, error) {
	where, args := itemFilter(q)
	sql := "SELECT doc FROM items" + where + " ORDER BY ingested_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return listDocs[monitor.Item](ctx, s.pool, sql, args...)
}

// CountItems counts matching items.
func (s *Store) CountItems(ctx context.Context, q monitor.ItemQuery) (int64, error) {
	where, args := itemFilter(q)
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM items"+where, args...).Scan(&n); err != nil {
		return 0, persistence("count items", err)
	}
	return n, nil
}

func itemFilter(q monitor.ItemQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Analyzed != nil {
		args = append(args, *q.Analyzed)
		conds = append(conds, fmt.Sprintf("analyzed = $%d", len(args)))
	}
	if !q.IngestedAfter.IsZero() {
		args = append(args, q.IngestedAfter)
		conds = append(conds, fmt.Sprintf("ingested_at > $%d", len(args)))
	}
	if len(q.SearchTerms) > 0 {
		terms := make([]string, 0, len(q.SearchTerms))
		for _, t := range q.SearchTerms {
			terms = append(terms, strings.ToLower(t))
		}
		args = append(args, terms)
		conds = append(conds, fmt.Sprintf("lower(search_term) = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SaveClassification records a successful classification.
func (s *Store) SaveClassification(ctx context.Context, id string, cls monitor.Classification) error {
	raw, err := json.Marshal(cls)
	if err != nil {
		return fmt.Errorf("encode classification: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET analyzed = TRUE,
	doc = (doc - 'analysis_error') || jsonb_build_object('classification', $2::jsonb, 'analyzed', true)
WHERE id = $1`, id, raw)
	if err != nil {
		return persistence("save classification", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// MarkAnalysisFailed marks an item analyzed with an error marker.
func (s *Store) MarkAnalysisFailed(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET analyzed = TRUE,
	doc = doc || jsonb_build_object('analyzed', true, 'analysis_error', $2::text)
WHERE id = $1`, id, reason)
	if err != nil {
		return persistence("mark analysis failed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}
