package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexis-rarchaert/edtversnotion/internal/model"
	"github.com/alexis-rarchaert/edtversnotion/internal/reconcile"
)

// newTestStore creates a Store backed by a temporary SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "courses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func descriptor() model.Descriptor {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return model.Descriptor{
		CourseKey:  "Réseaux d'entreprise",
		Start:      start,
		End:        start.Add(3 * time.Hour),
		Categories: []string{"Cours"},
		Tutors:     []string{"Marie Curie"},
		Groups:     []string{"TP1", "TP2"},
		Rooms:      []string{"A101"},
		Notes:      "Chimie\nPartie 2",
	}
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courses.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestCreateAndQueryAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := descriptor()

	created, err := s.Create(ctx, d)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, strings.HasPrefix(created.Ref, "RÉSEAUX-D-ENTREPRISE-"))
	assert.Equal(t, d.CourseKey, created.Title)

	records, err := s.QueryAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.NotNil(t, rec.Start)
	assert.True(t, rec.Start.Equal(d.Start))
	require.NotNil(t, rec.End)
	assert.True(t, rec.End.Equal(d.End))
	assert.Equal(t, d.Categories, rec.Categories)
	assert.Equal(t, d.Tutors, rec.Tutors)
	assert.Equal(t, d.Groups, rec.Groups)
	assert.Equal(t, d.Rooms, rec.Rooms)
	require.NotNil(t, rec.Notes)
	assert.Equal(t, d.Notes, *rec.Notes)

	// The record is found by the reconciler and considered current.
	action, err := reconcile.Decide(d, records)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkip, action.Kind)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, descriptor())
	require.NoError(t, err)

	changed := descriptor()
	changed.Rooms = []string{"B12"}
	changed.Notes = "moved"

	updated, err := s.Update(ctx, created.ID, changed)
	require.NoError(t, err)
	assert.Equal(t, created.Ref, updated.Ref)
	assert.Equal(t, []string{"B12"}, updated.Rooms)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, "moved", *updated.Notes)
}

func TestUpdateUnknownID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update(context.Background(), "missing", descriptor())

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNullColumnsStayAbsent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`INSERT INTO courses (id, ref, title, created_at, updated_at) VALUES ('x', 'CS101-x', 'CS101', ?, ?)`, now, now)
	require.NoError(t, err)

	rec, err := s.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, rec.Start)
	assert.Nil(t, rec.Rooms)
	assert.Nil(t, rec.Notes)
}
