// Package store is a SQLite-backed record store for course records. It is
// the local alternative to the Notion database and satisfies
// reconcile.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alexis-rarchaert/edtversnotion/internal/model"
	"github.com/alexis-rarchaert/edtversnotion/internal/reconcile"
)

// ErrNotFound is returned by Update for an unknown record ID.
var ErrNotFound = errors.New("store: record not found")

// Store provides SQLite persistence for course records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: open: path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One writer; the pipeline is sequential anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryAll returns every course record ordered by creation time.
func (s *Store) QueryAll(ctx context.Context) ([]model.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ref, title, start_at, end_at, categories, tutors, groups_json, rooms, notes
		FROM courses ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	defer rows.Close()

	records := make([]model.StoredRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("query all: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query all: rows: %w", err)
	}
	return records, nil
}

// Get returns a single record by ID.
func (s *Store) Get(ctx context.Context, id string) (model.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ref, title, start_at, end_at, categories, tutors, groups_json, rooms, notes
		FROM courses WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// Create inserts a record for d. Its Ref is "<lookup token>-<hex id>" so
// token lookups behave like they do against Notion page URLs.
func (s *Store) Create(ctx context.Context, d model.Descriptor) (model.StoredRecord, error) {
	id := uuid.New()
	ref := reconcile.LookupToken(d.CourseKey) + "-" + strings.ReplaceAll(id.String(), "-", "")
	now := time.Now().UTC().Format(time.RFC3339Nano)

	cols, err := encodeDescriptor(d)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("create: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courses (id, ref, title, start_at, end_at, categories, tutors, groups_json, rooms, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), ref, d.CourseKey, cols.start, cols.end, cols.categories, cols.tutors, cols.groups, cols.rooms, d.Notes, now, now)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("create: insert: %w", err)
	}
	return s.Get(ctx, id.String())
}

// Update overwrites every course field of record id with d. The title and
// ref are left untouched.
func (s *Store) Update(ctx context.Context, id string, d model.Descriptor) (model.StoredRecord, error) {
	cols, err := encodeDescriptor(d)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("update %s: %w", id, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		UPDATE courses
		SET start_at = ?, end_at = ?, categories = ?, tutors = ?, groups_json = ?, rooms = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		cols.start, cols.end, cols.categories, cols.tutors, cols.groups, cols.rooms, d.Notes, now, id)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("update %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return model.StoredRecord{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

type encoded struct {
	start      string
	end        string
	categories string
	tutors     string
	groups     string
	rooms      string
}

func encodeDescriptor(d model.Descriptor) (encoded, error) {
	var out encoded
	out.start = d.Start.Format(time.RFC3339Nano)
	out.end = d.End.Format(time.RFC3339Nano)

	for _, f := range []struct {
		dst *string
		src []string
	}{
		{&out.categories, d.Categories},
		{&out.tutors, d.Tutors},
		{&out.groups, d.Groups},
		{&out.rooms, d.Rooms},
	} {
		b, err := json.Marshal(nonNil(f.src))
		if err != nil {
			return encoded{}, fmt.Errorf("encode set: %w", err)
		}
		*f.dst = string(b)
	}
	return out, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord maps a row onto a StoredRecord. NULL or unparseable columns
// stay absent rather than zero-valued.
func scanRecord(row scanner) (model.StoredRecord, error) {
	var rec model.StoredRecord
	var start, end, notes sql.NullString
	var categories, tutors, groups, rooms sql.NullString
	if err := row.Scan(&rec.ID, &rec.Ref, &rec.Title, &start, &end, &categories, &tutors, &groups, &rooms, &notes); err != nil {
		return model.StoredRecord{}, err
	}

	rec.Start = parseTime(start)
	rec.End = parseTime(end)
	rec.Categories = parseSet(categories)
	rec.Tutors = parseSet(tutors)
	rec.Groups = parseSet(groups)
	rec.Rooms = parseSet(rooms)
	if notes.Valid {
		n := notes.String
		rec.Notes = &n
	}
	return rec, nil
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseSet(v sql.NullString) []string {
	if !v.Valid {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
