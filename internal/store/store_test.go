package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hltdev8642/tabzmux/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListTerminals(t *testing.T) {
	s := openTestStore(t)

	term := models.Terminal{
		ID:          "abcd1234",
		BackingName: "tabz-abcd1234",
		State:       models.LifecycleRunning,
		Dimensions:  models.Dimensions{Cols: 120, Rows: 40},
		WorkingDir:  "/srv/app",
		Command:     "htop",
		CreatedAt:   time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveTerminal(term))

	terms, err := s.ListTerminals()
	require.NoError(t, err)
	require.Len(t, terms, 1)
	got := terms[0]
	assert.Equal(t, term.ID, got.ID)
	assert.Equal(t, term.BackingName, got.BackingName)
	assert.Equal(t, models.LifecycleRunning, got.State)
	assert.Equal(t, term.Dimensions, got.Dimensions)
	assert.Equal(t, term.WorkingDir, got.WorkingDir)
	assert.Equal(t, term.Command, got.Command)
}

func TestSaveTerminalUpserts(t *testing.T) {
	s := openTestStore(t)

	term := models.Terminal{
		ID: "abcd1234", BackingName: "tabz-x",
		State:     models.LifecycleRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveTerminal(term))

	term.State = models.LifecycleDetached
	term.Dimensions = models.Dimensions{Cols: 100, Rows: 30}
	require.NoError(t, s.SaveTerminal(term))

	terms, err := s.ListTerminals()
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, models.LifecycleDetached, terms[0].State)
	assert.Equal(t, models.Dimensions{Cols: 100, Rows: 30}, terms[0].Dimensions)
}

func TestDeleteTerminal(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveTerminal(models.Terminal{
		ID: "abcd1234", BackingName: "tabz-x",
		State: models.LifecycleRunning, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.DeleteTerminal("abcd1234"))
	require.NoError(t, s.DeleteTerminal("abcd1234"), "deleting a missing row is fine")

	terms, err := s.ListTerminals()
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveTerminal(models.Terminal{
		ID: "abcd1234", BackingName: "tabz-x",
		State: models.LifecycleDetached, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	terms, err := s.ListTerminals()
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, "abcd1234", terms[0].ID)
}
