// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers file creation, persistence across reopen and the journal

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.MergeUpdate(ctx, "u1", Patch{KeyStage: "collect", "clarification_attempts": 2}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "collect", rec.Stage())
	assert.Equal(t, 2, rec.Int("clarification_attempts"))
}

func TestSQLiteStore_MigrationsAreIdempotent(t *testing.T) {
	s := setupTestStore(t)
	assert.NoError(t, s.runMigrations())
	assert.NoError(t, s.runMigrations())
}

func TestJournal(t *testing.T) {
	for name, j := range map[string]interface {
		Journal
		Store
	}{
		"memory": NewMemoryStore(),
		"sqlite": setupTestStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, text := range []string{"hello", "we are 20 guests", "thanks"} {
				require.NoError(t, j.AppendJournal(ctx, NewJournalEntry("u1", DirectionInbound, "collect", text)))
			}
			require.NoError(t, j.AppendJournal(ctx, NewJournalEntry("u2", DirectionOutbound, "", "other user")))

			entries, err := j.ListJournal(ctx, "u1", 2)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "we are 20 guests", entries[0].Text)
			assert.Equal(t, "thanks", entries[1].Text)
			assert.Equal(t, DirectionInbound, entries[1].Direction)
			assert.Equal(t, "collect", entries[1].Stage)
			assert.NotEmpty(t, entries[1].ID)

			require.NoError(t, j.Delete(ctx, "u1"))
			entries, err = j.ListJournal(ctx, "u1", 10)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
