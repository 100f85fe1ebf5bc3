package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// ScoredItem pairs a recalled Item with its final rerank score.
type ScoredItem struct {
	Item  Item
	Score float64
}

// SearchOptions parameterizes Search and HybridRecall.
type SearchOptions struct {
	Group          string
	RequestingUser string // empty means no user-scoped rows are visible
	Limit          int    // default 12, capped at 50 per spec.md §4.2
	NowMs          int64
}

const (
	defaultSearchLimit = 12
	maxSearchLimit     = 50
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultSearchLimit
	}
	if n > maxSearchLimit {
		return maxSearchLimit
	}
	return n
}

// tokenize splits free text into lowercase alphanumeric tokens, used
// both to build the FTS MATCH expression and to drive the LIKE
// fallback.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Search implements spec.md §4.2's full-text search: an OR-of-prefix-
// matched-tokens FTS5 query, scoped to the requesting group/global and
// the requesting user's own user-scoped rows, excluding expired rows,
// reranked by the documented blend of BM25, importance, and recency.
// Falls back to a LIKE-based ranking if the FTS5 query itself errors
// (e.g. a pathological query string) or returns nothing usable.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredItem, error) {
	limit := clampLimit(opts.Limit)
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	matchExpr := make([]string, len(tokens))
	for i, t := range tokens {
		matchExpr[i] = t + "*"
	}
	ftsQuery := strings.Join(matchExpr, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m."group", m.scope, m.subject_id, m.type, m.kind, m.conflict_key, m.content,
		       m.normalized, m.importance, m.confidence, m.tags, m.created_at, m.updated_at,
		       m.last_accessed_at, m.expires_at, m.source, m.metadata, m.embedding, f.rank
		FROM memory_items_fts f
		JOIN memory_items m ON m.id = f.item_id
		WHERE memory_items_fts MATCH ?
		  AND (m."group" = ? OR m."group" = 'global')
		  AND (m.scope != 'user' OR m.subject_id = ?)
		  AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY f.rank
		LIMIT ?
	`, ftsQuery, opts.Group, opts.RequestingUser, opts.NowMs, limit*4)
	if err != nil {
		return s.searchFallback(ctx, tokens, opts, limit)
	}
	defer rows.Close()

	var scored []ScoredItem
	for rows.Next() {
		item, rank, err := scanScoredRow(rows)
		if err != nil {
			return nil, err
		}
		bm25 := -rank
		if bm25 < 0 {
			bm25 = 0
		}
		ageDays := float64(opts.NowMs-item.UpdatedAt) / 86400000.0
		score := 0.55*(1/(1+bm25)) + 0.30*item.Importance + 0.15*math.Exp(-ageDays/30)
		scored = append(scored, ScoredItem{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan memory search rows: %w", err)
	}
	if len(scored) == 0 {
		return s.searchFallback(ctx, tokens, opts, limit)
	}

	sortByScoreDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// searchFallback implements spec.md §4.2's no-FTS fallback: up to 10
// AND-ed LIKE matches against normalized+tags_text, ranked by
// tokenMatchRatio/importance/recency.
func (s *Store) searchFallback(ctx context.Context, tokens []string, opts SearchOptions, limit int) ([]ScoredItem, error) {
	if len(tokens) > 10 {
		tokens = tokens[:10]
	}

	query := `
		SELECT id, "group", scope, subject_id, type, kind, conflict_key, content, normalized,
		       importance, confidence, tags, created_at, updated_at, last_accessed_at, expires_at,
		       source, metadata, embedding
		FROM memory_items
		WHERE ("group" = ? OR "group" = 'global')
		  AND (scope != 'user' OR subject_id = ?)
		  AND (expires_at IS NULL OR expires_at > ?)
	`
	args := []any{opts.Group, opts.RequestingUser, opts.NowMs}
	for _, t := range tokens {
		query += ` AND (normalized LIKE ? OR tags LIKE ?)`
		like := "%" + t + "%"
		args = append(args, like, like)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fallback memory search: %w", err)
	}
	defer rows.Close()

	var scored []ScoredItem
	for rows.Next() {
		item, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		ratio := tokenMatchRatio(tokens, item.Normalized+" "+strings.Join(item.Tags, " "))
		ageDays := float64(opts.NowMs-item.UpdatedAt) / 86400000.0
		recency := math.Exp(-ageDays / 30)
		score := 0.5*ratio + 0.3*item.Importance + 0.2*recency
		scored = append(scored, ScoredItem{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan fallback memory rows: %w", err)
	}

	sortByScoreDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func tokenMatchRatio(tokens []string, haystack string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hit := 0
	for _, t := range tokens {
		if strings.Contains(haystack, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(tokens))
}

// HybridRecall runs Search and, when embeddings are enabled and a
// query embedding is supplied, blends in cosine similarity against a
// bounded candidate pool, per spec.md §4.2's hybrid-recall rule.
// cosineSimilarity mirrors nevindra-oasis/store/sqlite/sqlite.go's
// brute-force in-process approach.
func (s *Store) HybridRecall(ctx context.Context, query string, queryEmbedding []float32, embeddingsWeight float64, maxCandidates int, opts SearchOptions) ([]ScoredItem, error) {
	keyword, err := s.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if len(queryEmbedding) == 0 {
		return keyword, nil
	}

	candidates, err := s.embeddedCandidates(ctx, opts, maxCandidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return keyword, nil
	}

	byID := make(map[string]*ScoredItem, len(keyword))
	merged := make([]ScoredItem, len(keyword))
	copy(merged, keyword)
	for i := range merged {
		byID[merged[i].Item.ID] = &merged[i]
	}

	for _, c := range candidates {
		sim := float64(cosineSimilarity(queryEmbedding, c.Embedding))
		if existing, ok := byID[c.ID]; ok {
			existing.Score = (1-embeddingsWeight)*existing.Score + embeddingsWeight*sim
			continue
		}
		merged = append(merged, ScoredItem{Item: c, Score: embeddingsWeight * sim})
	}

	sortByScoreDesc(merged)
	limit := clampLimit(opts.Limit)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *Store) embeddedCandidates(ctx context.Context, opts SearchOptions, maxCandidates int) ([]Item, error) {
	if maxCandidates <= 0 {
		maxCandidates = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "group", scope, subject_id, type, kind, conflict_key, content, normalized,
		       importance, confidence, tags, created_at, updated_at, last_accessed_at, expires_at,
		       source, metadata, embedding
		FROM memory_items
		WHERE embedding IS NOT NULL
		  AND ("group" = ? OR "group" = 'global')
		  AND (scope != 'user' OR subject_id = ?)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY updated_at DESC
		LIMIT ?
	`, opts.Group, opts.RequestingUser, opts.NowMs, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("query embedded candidates: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// cosineSimilarity mirrors nevindra-oasis/store/sqlite/sqlite.go's
// brute-force vector comparison.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

func sortByScoreDesc(items []ScoredItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Score > items[j-1].Score; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(row scannable) (Item, error) {
	var item Item
	var scope, typ, kind, tagsText string
	var embedding sql.NullString
	if err := row.Scan(&item.ID, &item.Group, &scope, &item.SubjectID, &typ, &kind, &item.ConflictKey,
		&item.Content, &item.Normalized, &item.Importance, &item.Confidence, &tagsText, &item.CreatedAt,
		&item.UpdatedAt, &item.LastAccessedAt, &item.ExpiresAt, &item.Source, &item.Metadata, &embedding); err != nil {
		return Item{}, fmt.Errorf("scan memory item: %w", err)
	}
	item.Scope = Scope(scope)
	item.Type = Type(typ)
	item.Kind = Kind(kind)
	if tagsText != "" {
		item.Tags = strings.Fields(tagsText)
	}
	item.Embedding = decodeEmbedding(embedding)
	return item, nil
}

func scanScoredRow(row scannable) (Item, float64, error) {
	var item Item
	var scope, typ, kind, tagsText string
	var embedding sql.NullString
	var rank float64
	if err := row.Scan(&item.ID, &item.Group, &scope, &item.SubjectID, &typ, &kind, &item.ConflictKey,
		&item.Content, &item.Normalized, &item.Importance, &item.Confidence, &tagsText, &item.CreatedAt,
		&item.UpdatedAt, &item.LastAccessedAt, &item.ExpiresAt, &item.Source, &item.Metadata, &embedding, &rank); err != nil {
		return Item{}, 0, fmt.Errorf("scan scored memory item: %w", err)
	}
	item.Scope = Scope(scope)
	item.Type = Type(typ)
	item.Kind = Kind(kind)
	if tagsText != "" {
		item.Tags = strings.Fields(tagsText)
	}
	item.Embedding = decodeEmbedding(embedding)
	return item, rank, nil
}
