package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.Raw(), "primary-group"), db
}

func TestUpsert_MergesByIdentityKeyWithLongerContentAndMaxImportance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, 1000, []UpsertInput{{
		Group: "g1", Scope: ScopeUser, SubjectID: "u1", Type: TypeFact,
		Content: "likes coffee", Importance: 0.3, Confidence: 0.5,
	}})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.Upsert(ctx, 2000, []UpsertInput{{
		Group: "g1", Scope: ScopeUser, SubjectID: "u1", Type: TypeFact,
		Content: "Likes coffee!!", Importance: 0.6, Confidence: 0.4,
		Tags: []string{"drink"},
	}})
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "Likes coffee!!", second[0].Content)
	assert.Equal(t, 0.6, second[0].Importance)
	assert.Equal(t, 0.5, second[0].Confidence)
	assert.Contains(t, second[0].Tags, "drink")
}

func TestUpsert_ConflictKeySupersedesPriorRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, 1000, []UpsertInput{{
		Group: "g1", Scope: ScopeUser, SubjectID: "u1", Type: TypePreference,
		ConflictKey: "tone", Content: "formal",
	}})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, 2000, []UpsertInput{{
		Group: "g1", Scope: ScopeUser, SubjectID: "u1", Type: TypePreference,
		ConflictKey: "tone", Content: "casual",
	}})
	require.NoError(t, err)

	item, err := s.ByConflictKey(ctx, "g1", ScopeUser, "u1", "tone")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "casual", item.Content)
}

func TestUpsert_DowngradesGlobalScopeForNonPrimaryGroup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	items, err := s.Upsert(ctx, 1000, []UpsertInput{{
		Group: "other-group", Scope: ScopeGlobal, Type: TypeFact, Content: "shared fact",
	}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ScopeGroup, items[0].Scope)
}

func TestUpsert_PrimaryGroupKeepsGlobalScope(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	items, err := s.Upsert(ctx, 1000, []UpsertInput{{
		Group: "primary-group", Scope: ScopeGlobal, Type: TypeFact, Content: "shared fact",
	}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ScopeGlobal, items[0].Scope)
}

func TestSearch_ExcludesOtherUserScopedAndExpiredRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, 1000, []UpsertInput{
		{Group: "g1", Scope: ScopeUser, SubjectID: "u1", Type: TypeFact, Content: "owns a red bicycle", Importance: 0.5},
		{Group: "g1", Scope: ScopeUser, SubjectID: "u2", Type: TypeFact, Content: "owns a red bicycle too", Importance: 0.5},
		{Group: "g1", Scope: ScopeGroup, Type: TypeFact, Content: "team meeting on bicycle lane", Importance: 0.5, TTLDays: -1},
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, "bicycle", SearchOptions{Group: "g1", RequestingUser: "u1", NowMs: 1000})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "u1", results[0].Item.SubjectID.String)
}

func TestRecallLines_StopsAtBudget(t *testing.T) {
	items := []ScoredItem{
		{Item: Item{Type: TypeFact, Content: "short"}, Score: 1},
		{Item: Item{Type: TypeFact, Content: "this is a much longer fact that costs more tokens to render"}, Score: 0.9},
	}
	lines := RecallLines(items, 3)
	assert.Len(t, lines, 1)
}

func TestMaintenance_DeletesExpiredAndPrunesLowValue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, 1000, []UpsertInput{
		{Group: "g1", Scope: ScopeGroup, Type: TypeNote, Content: "expired note", TTLDays: -1},
		{Group: "g1", Scope: ScopeGroup, Type: TypeNote, Content: "low value note", Importance: 0.05},
		{Group: "g1", Scope: ScopeGroup, Type: TypeNote, Content: "high value note", Importance: 0.9},
	})
	require.NoError(t, err)

	res, err := s.Maintenance(ctx, 5000, 1, 0.5, false, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExpiredDeleted)
	assert.Equal(t, int64(1), res.LowValueDropped)

	stats, err := s.GroupStats(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}
