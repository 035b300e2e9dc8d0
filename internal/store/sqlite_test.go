// ABOUTME: Tests for the SQLite capture log.
// ABOUTME: Uses in-memory databases; covers insert, filtered listing, and ordering.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/tabwatch/internal/wire"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListCapture(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Capture{
		SID:        "chrome-1:tab-1",
		Command:    wire.EventDump,
		Kinds:      []wire.DumpKind{wire.KindDOMHTML, wire.KindConsoleLog},
		OK:         true,
		DurationMS: 142,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.RecordCapture(ctx, c))
	assert.NotZero(t, c.ID)

	got, err := s.ListCaptures(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, "chrome-1:tab-1", got[0].SID)
	assert.Equal(t, wire.EventDump, got[0].Command)
	assert.Equal(t, []wire.DumpKind{wire.KindDOMHTML, wire.KindConsoleLog}, got[0].Kinds)
	assert.True(t, got[0].OK)
	assert.Empty(t, got[0].Error)
	assert.EqualValues(t, 142, got[0].DurationMS)
}

func TestRecordFailureCapture(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Capture{
		SID:        "chrome-1:tab-1",
		Command:    wire.EventPing,
		OK:         false,
		Error:      "timed out waiting for reply",
		DurationMS: 3001,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.RecordCapture(ctx, c))

	got, err := s.ListCaptures(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].OK)
	assert.Equal(t, "timed out waiting for reply", got[0].Error)
	assert.Empty(t, got[0].Kinds)
}

func TestListCapturesFiltersBySID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, sid := range []string{"a:1", "b:2", "a:1"} {
		require.NoError(t, s.RecordCapture(ctx, &Capture{
			SID: sid, Command: wire.EventPing, OK: true, CreatedAt: now,
		}))
	}

	got, err := s.ListCaptures(ctx, "a:1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListCaptures(ctx, "b:2", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.ListCaptures(ctx, "nope:0", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListCapturesNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCapture(ctx, &Capture{
			SID:       "a:1",
			Command:   wire.EventDump,
			OK:        true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListCaptures(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt) || got[0].ID > got[1].ID,
		"captures must come back newest first")
}
