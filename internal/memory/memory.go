// Package memory implements the scope-partitioned fact store (spec.md
// §4.2, C2): batch upsert with conflict-key supersession, BM25
// full-text search with a LIKE-based fallback, hybrid (keyword +
// vector) recall, and retention maintenance. It shares the connection
// pool opened by internal/store — see store.DB.Raw — rather than
// owning a separate *sql.DB, following the single-writer-connection
// discipline documented there.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope is a MemoryItem's visibility partition.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
	ScopeGlobal Scope = "global"
)

// Kind is a MemoryItem's cognitive category, independent of Type.
type Kind string

const (
	KindSemantic   Kind = "semantic"
	KindEpisodic   Kind = "episodic"
	KindProcedural Kind = "procedural"
	KindPreference Kind = "preference"
)

// Type is a MemoryItem's content category, per spec.md §3.
type Type string

const (
	TypeIdentity     Type = "identity"
	TypePreference   Type = "preference"
	TypeFact         Type = "fact"
	TypeRelationship Type = "relationship"
	TypeProject      Type = "project"
	TypeTask         Type = "task"
	TypeNote         Type = "note"
	TypeArchive      Type = "archive"
)

// defaultKindForType implements spec.md §4.2's "resolve kind,
// defaulting from type" rule. The source spec does not enumerate the
// mapping; this one follows the natural reading of each type's
// semantics (stated facts about identity/relationships/projects are
// semantic; stated preferences are preference; tasks and archived
// material are episodic, being tied to a point in time; freeform notes
// default to semantic, the most general bucket).
func defaultKindForType(t Type) Kind {
	switch t {
	case TypePreference:
		return KindPreference
	case TypeTask, TypeArchive:
		return KindEpisodic
	default:
		return KindSemantic
	}
}

// Item mirrors spec.md §3's MemoryItem entity.
type Item struct {
	ID             string
	Group          string
	Scope          Scope
	SubjectID      sql.NullString
	Type           Type
	Kind           Kind
	ConflictKey    sql.NullString
	Content        string
	Normalized     string
	Importance     float64
	Confidence     float64
	Tags           []string
	CreatedAt      int64
	UpdatedAt      int64
	LastAccessedAt sql.NullInt64
	ExpiresAt      sql.NullInt64
	Source         sql.NullString
	Metadata       sql.NullString
	Embedding      []float32
}

// UpsertInput is a single item to merge during Upsert.
type UpsertInput struct {
	Group       string
	Scope       Scope
	SubjectID   string
	Type        Type
	Kind        Kind // optional; defaulted from Type when empty
	ConflictKey string
	Content     string
	Importance  float64
	Confidence  float64
	Tags        []string
	TTLDays     int // 0 means no expiry
	Source      string
	Metadata    string
	Embedding   []float32
}

// Store implements C2 over a shared *sql.DB.
type Store struct {
	db           *sql.DB
	primaryGroup string
}

// New wraps db with the memory store. primaryGroup is the group
// allowed to write scope=global items (see config.MemoryConfig).
func New(db *sql.DB, primaryGroup string) *Store {
	return &Store{db: db, primaryGroup: primaryGroup}
}

var normalizeNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalize implements spec.md §4.2's "lowercase, non-alphanumeric→
// space, collapse spaces, trim" rule.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = normalizeNonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(regexp.MustCompile(`\s+`).ReplaceAllString(s, " "))
}

// Upsert merges a batch of inputs in one transaction, implementing
// spec.md §4.2's four-step per-item algorithm (conflict-key
// supersession, lookup-by-identity-key, merge-or-insert).
func (s *Store) Upsert(ctx context.Context, nowMs int64, inputs []UpsertInput) ([]Item, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin memory upsert tx: %w", err)
	}
	defer tx.Rollback()

	out := make([]Item, 0, len(inputs))
	for _, in := range inputs {
		item, err := s.upsertOne(ctx, tx, nowMs, in)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, tx.Commit()
}

func (s *Store) upsertOne(ctx context.Context, tx *sql.Tx, nowMs int64, in UpsertInput) (*Item, error) {
	scope := in.Scope
	if scope == ScopeGlobal && in.Group != s.primaryGroup {
		scope = ScopeGroup
	}
	kind := in.Kind
	if kind == "" {
		kind = defaultKindForType(in.Type)
	}
	normalized := normalize(in.Content)

	var expiresAt sql.NullInt64
	if in.TTLDays != 0 {
		expiresAt = sql.NullInt64{Int64: nowMs + int64(in.TTLDays)*86400*1000, Valid: true}
	}

	subjectID := nullIfEmpty(in.SubjectID)

	if in.ConflictKey != "" {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM memory_items
			WHERE "group" = ? AND scope = ? AND subject_id IS ? AND type = ? AND conflict_key = ?
		`, in.Group, string(scope), subjectID, string(in.Type), in.ConflictKey); err != nil {
			return nil, fmt.Errorf("delete superseded memory rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items_fts WHERE item_id IN (
			SELECT item_id FROM memory_items_fts WHERE item_id NOT IN (SELECT id FROM memory_items)
		)`); err != nil {
			return nil, fmt.Errorf("prune orphaned fts rows: %w", err)
		}
	}

	var existing Item
	var existingTagsText string
	err := tx.QueryRowContext(ctx, `
		SELECT id, content, importance, confidence, tags, created_at
		FROM memory_items
		WHERE "group" = ? AND scope = ? AND subject_id IS ? AND type = ? AND normalized = ?
	`, in.Group, string(scope), subjectID, string(in.Type), normalized).
		Scan(&existing.ID, &existing.Content, &existing.Importance, &existing.Confidence, &existingTagsText, &existing.CreatedAt)

	if err == sql.ErrNoRows {
		item := &Item{
			ID:          uuid.NewString(),
			Group:       in.Group,
			Scope:       scope,
			SubjectID:   subjectID,
			Type:        in.Type,
			Kind:        kind,
			ConflictKey: nullIfEmpty(in.ConflictKey),
			Content:     in.Content,
			Normalized:  normalized,
			Importance:  in.Importance,
			Confidence:  in.Confidence,
			Tags:        in.Tags,
			CreatedAt:   nowMs,
			UpdatedAt:   nowMs,
			ExpiresAt:   expiresAt,
			Source:      nullIfEmpty(in.Source),
			Metadata:    nullIfEmpty(in.Metadata),
			Embedding:   in.Embedding,
		}
		if err := s.insertRow(ctx, tx, item); err != nil {
			return nil, err
		}
		return item, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup existing memory item: %w", err)
	}

	mergedTags := unionTags(strings.Fields(existingTagsText), in.Tags)
	mergedContent := existing.Content
	contentChanged := false
	if len(in.Content) > len(existing.Content) {
		mergedContent = in.Content
		contentChanged = mergedContent != existing.Content
	}
	mergedImportance := math.Max(existing.Importance, in.Importance)
	mergedConfidence := math.Max(existing.Confidence, in.Confidence)
	mergedNormalized := normalize(mergedContent)

	embedding := in.Embedding
	if contentChanged {
		embedding = nil
	}

	item := &Item{
		ID:          existing.ID,
		Group:       in.Group,
		Scope:       scope,
		SubjectID:   subjectID,
		Type:        in.Type,
		Kind:        kind,
		ConflictKey: nullIfEmpty(in.ConflictKey),
		Content:     mergedContent,
		Normalized:  mergedNormalized,
		Importance:  mergedImportance,
		Confidence:  mergedConfidence,
		Tags:        mergedTags,
		CreatedAt:   existing.CreatedAt,
		UpdatedAt:   nowMs,
		ExpiresAt:   expiresAt,
		Source:      nullIfEmpty(in.Source),
		Metadata:    nullIfEmpty(in.Metadata),
		Embedding:   embedding,
	}
	if err := s.updateRow(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, item *Item) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items (
			id, "group", scope, subject_id, type, kind, conflict_key, content, normalized,
			importance, confidence, tags, created_at, updated_at, expires_at, source, metadata, embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Group, string(item.Scope), item.SubjectID, string(item.Type), string(item.Kind),
		item.ConflictKey, item.Content, item.Normalized, item.Importance, item.Confidence,
		strings.Join(item.Tags, " "), item.CreatedAt, item.UpdatedAt, item.ExpiresAt, item.Source,
		item.Metadata, encodeEmbedding(item.Embedding))
	if err != nil {
		return fmt.Errorf("insert memory item: %w", err)
	}
	return s.syncFTS(ctx, tx, item)
}

func (s *Store) updateRow(ctx context.Context, tx *sql.Tx, item *Item) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE memory_items SET
			content = ?, normalized = ?, importance = ?, confidence = ?, tags = ?,
			updated_at = ?, expires_at = ?, source = ?, metadata = ?, embedding = ?, kind = ?
		WHERE id = ?
	`, item.Content, item.Normalized, item.Importance, item.Confidence, strings.Join(item.Tags, " "),
		item.UpdatedAt, item.ExpiresAt, item.Source, item.Metadata, encodeEmbedding(item.Embedding),
		string(item.Kind), item.ID)
	if err != nil {
		return fmt.Errorf("update memory item: %w", err)
	}
	return s.syncFTS(ctx, tx, item)
}

func (s *Store) syncFTS(ctx context.Context, tx *sql.Tx, item *Item) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items_fts WHERE item_id = ?`, item.ID); err != nil {
		return fmt.Errorf("clear fts row: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items_fts (item_id, normalized, tags_text) VALUES (?, ?, ?)
	`, item.ID, item.Normalized, strings.Join(item.Tags, " "))
	if err != nil {
		return fmt.Errorf("index fts row: %w", err)
	}
	return nil
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeEmbedding(e []float32) sql.NullString {
	if len(e) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	for i, v := range e {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	return sql.NullString{String: sb.String(), Valid: true}
}

func decodeEmbedding(ns sql.NullString) []float32 {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	parts := strings.Split(ns.String, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(p, "%g", &f); err == nil {
			out = append(out, float32(f))
		}
	}
	return out
}

// nowMs is a thin seam so tests can inject deterministic timestamps
// without the package reaching for time.Now() in algorithmic code.
func nowMs() int64 { return time.Now().UnixMilli() }
