package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterMatchesKindAndTable(t *testing.T) {
	insertOnly := Filter{Table: TablePosts, Kind: Insert}
	anyLike := Filter{Table: TableLikes, Kind: Any}

	require.True(t, insertOnly.Matches(Change{Schema: SchemaPublic, Table: TablePosts, Kind: Insert}))
	require.False(t, insertOnly.Matches(Change{Schema: SchemaPublic, Table: TablePosts, Kind: Update}))
	require.False(t, insertOnly.Matches(Change{Schema: "audit", Table: TablePosts, Kind: Insert}))
	require.True(t, anyLike.Matches(Change{Table: TableLikes, Kind: Delete}))
	require.False(t, anyLike.Matches(Change{Table: TablePosts, Kind: Delete}))
}

func TestFilterPredicateUsesOldRecordForDeletes(t *testing.T) {
	f, err := Filter{Table: TableFollowers, Kind: Any}.WithPredicate("following_id=eq.user-9")
	require.NoError(t, err)
	require.Equal(t, "following_id", f.Column)
	require.Equal(t, "user-9", f.Value)

	require.True(t, f.Matches(Change{Table: TableFollowers, Kind: Insert, Record: map[string]any{"following_id": "user-9"}}))
	require.True(t, f.Matches(Change{Table: TableFollowers, Kind: Delete, OldRecord: map[string]any{"following_id": "user-9"}}))
	require.False(t, f.Matches(Change{Table: TableFollowers, Kind: Insert, Record: map[string]any{"following_id": "user-1"}}))
}

func TestWithPredicateRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{"", "following_id", "following_id=user-9", "=eq.x", "following_id=eq."} {
		_, err := Filter{Table: TableFollowers}.WithPredicate(expr)
		require.ErrorIs(t, err, ErrInvalidPredicate, expr)
	}
}

func TestChangeTimeField(t *testing.T) {
	created := time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)
	c := Change{Record: map[string]any{"created_at": created.Format(time.RFC3339Nano), "bad": "yesterday"}}

	ts, ok := c.TimeField("created_at")
	require.True(t, ok)
	require.True(t, created.Equal(ts))

	_, ok = c.TimeField("bad")
	require.False(t, ok)
	_, ok = c.TimeField("missing")
	require.False(t, ok)
}

func TestTopic(t *testing.T) {
	require.Equal(t, "gymsta.public.likes", Topic("gymsta.public", TableLikes))
	require.Equal(t, "likes", Topic("", TableLikes))
}
