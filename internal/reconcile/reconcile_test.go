package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

type fakeStore struct {
	records  []model.StoredRecord
	queries  int
	created  []model.Descriptor
	updated  map[string]model.Descriptor
	queryErr error
	writeErr error
}

func (f *fakeStore) QueryAll(context.Context) ([]model.StoredRecord, error) {
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.records, nil
}

func (f *fakeStore) Create(_ context.Context, d model.Descriptor) (model.StoredRecord, error) {
	if f.writeErr != nil {
		return model.StoredRecord{}, f.writeErr
	}
	f.created = append(f.created, d)
	return model.StoredRecord{ID: "new"}, nil
}

func (f *fakeStore) Update(_ context.Context, id string, d model.Descriptor) (model.StoredRecord, error) {
	if f.writeErr != nil {
		return model.StoredRecord{}, f.writeErr
	}
	if f.updated == nil {
		f.updated = map[string]model.Descriptor{}
	}
	f.updated[id] = d
	return model.StoredRecord{ID: id}, nil
}

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func descriptor() model.Descriptor {
	return model.Descriptor{
		CourseKey:  "CS101",
		Start:      start,
		End:        start.Add(3 * time.Hour),
		Categories: []string{"Lecture"},
		Tutors:     []string{"Ada"},
		Groups:     []string{"G1"},
		Rooms:      []string{"B204"},
		Notes:      "Intro",
	}
}

func storedFor(d model.Descriptor) model.StoredRecord {
	s := d.Start
	notes := d.Notes
	return model.StoredRecord{
		ID:         "page-1",
		Ref:        "https://www.notion.so/CS101-0123456789abcdef",
		Title:      d.CourseKey,
		Start:      &s,
		Categories: append([]string{}, d.Categories...),
		Tutors:     append([]string{}, d.Tutors...),
		Groups:     append([]string{}, d.Groups...),
		Rooms:      append([]string{}, d.Rooms...),
		Notes:      &notes,
	}
}

func TestLookupToken(t *testing.T) {
	tests := map[string]string{
		"CS101":                "CS101",
		"Intro to Go":          "INTRO-TO-GO",
		"Réseaux d'entreprise": "RÉSEAUX-D-ENTREPRISE",
		"A  -  B":              "A-B",
		"l’algo\tavancée":      "L-ALGO-AVANCÉE",
		"":                     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, LookupToken(in), "input %q", in)
	}
}

func TestCompletenessGate(t *testing.T) {
	mutations := map[string]func(*model.Descriptor){
		"tutors":   func(d *model.Descriptor) { d.Tutors = nil },
		"groups":   func(d *model.Descriptor) { d.Groups = nil },
		"rooms":    func(d *model.Descriptor) { d.Rooms = nil },
		"category": func(d *model.Descriptor) { d.Categories = nil },
		"notes":    func(d *model.Descriptor) { d.Notes = "" },
		"key":      func(d *model.Descriptor) { d.CourseKey = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d := descriptor()
			mutate(&d)
			store := &fakeStore{}

			action, err := New(store).Reconcile(context.Background(), d)

			require.NoError(t, err)
			assert.Equal(t, model.ActionSkip, action.Kind)
			assert.Equal(t, model.ReasonIncomplete, action.Reason)
			assert.Zero(t, store.queries)
			assert.Empty(t, store.created)
			assert.Empty(t, store.updated)
		})
	}
}

func TestDecideCreateWhenNoMatch(t *testing.T) {
	other := storedFor(descriptor())
	other.Ref = "https://www.notion.so/MATH-42"

	action, err := Decide(descriptor(), []model.StoredRecord{other})

	require.NoError(t, err)
	assert.Equal(t, model.ActionCreate, action.Kind)
	assert.Equal(t, descriptor(), action.Payload)
}

func TestDiffStability(t *testing.T) {
	d := descriptor()
	rec := storedFor(d)

	action, err := Decide(d, []model.StoredRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkip, action.Kind)

	// Stored sets that are supersets still count as current.
	rec.Tutors = append(rec.Tutors, "Alan")
	rec.Rooms = append(rec.Rooms, "B205")
	rec.Categories = append(rec.Categories, "Lab")
	action, err = Decide(d, []model.StoredRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkip, action.Kind)

	mutations := map[string]func(*model.Descriptor){
		"start":    func(d *model.Descriptor) { d.Start = d.Start.Add(time.Minute) },
		"category": func(d *model.Descriptor) { d.Categories = []string{"Exam"} },
		"tutors":   func(d *model.Descriptor) { d.Tutors = []string{"Grace"} },
		"groups":   func(d *model.Descriptor) { d.Groups = []string{"G2"} },
		"rooms":    func(d *model.Descriptor) { d.Rooms = []string{"C12"} },
		"notes":    func(d *model.Descriptor) { d.Notes = "Intro (moved)" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := descriptor()
			mutate(&changed)

			action, err := Decide(changed, []model.StoredRecord{rec})

			require.NoError(t, err)
			assert.Equal(t, model.ActionUpdate, action.Kind)
			assert.Equal(t, "page-1", action.TargetID)
			assert.Equal(t, changed, action.Payload)
		})
	}
}

func TestUpToDateFailsClosedOnAbsentFields(t *testing.T) {
	d := descriptor()

	noStart := storedFor(d)
	noStart.Start = nil
	assert.False(t, UpToDate(noStart, d))

	noNotes := storedFor(d)
	noNotes.Notes = nil
	assert.False(t, UpToDate(noNotes, d))

	noRooms := storedFor(d)
	noRooms.Rooms = nil
	assert.False(t, UpToDate(noRooms, d))
}

func TestFindMatchAmbiguity(t *testing.T) {
	a := storedFor(descriptor())
	a.ID, a.Ref, a.Title = "a", "https://www.notion.so/CS101-aaa", "CS101"
	b := storedFor(descriptor())
	b.ID, b.Ref, b.Title = "b", "https://www.notion.so/CS101-LAB-bbb", "CS101 Lab"

	match, err := FindMatch("CS101", []model.StoredRecord{a, b})
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "a", match.ID)

	b.Title = "CS101"
	_, err = FindMatch("CS101", []model.StoredRecord{a, b})
	assert.ErrorIs(t, err, ErrAmbiguousMatch)

	match, err = FindMatch("", []model.StoredRecord{a, b})
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestReconcileScenarioD(t *testing.T) {
	d := descriptor()
	store := &fakeStore{records: []model.StoredRecord{storedFor(d)}}
	r := New(store)

	action, err := r.Reconcile(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkip, action.Kind)
	assert.Empty(t, store.created)
	assert.Empty(t, store.updated)

	moved := descriptor()
	moved.Rooms = []string{"C12"}
	action, err = r.Reconcile(context.Background(), moved)
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdate, action.Kind)

	payload, ok := store.updated["page-1"]
	require.True(t, ok)
	assert.Equal(t, []string{"C12"}, payload.Rooms)
	assert.Equal(t, d.Tutors, payload.Tutors)
	assert.Equal(t, d.Groups, payload.Groups)
	assert.Equal(t, d.Categories, payload.Categories)
	assert.Equal(t, d.Notes, payload.Notes)
	assert.Equal(t, d.Start, payload.Start)
}

func TestReconcileCreates(t *testing.T) {
	store := &fakeStore{}

	action, err := New(store).Reconcile(context.Background(), descriptor())

	require.NoError(t, err)
	assert.Equal(t, model.ActionCreate, action.Kind)
	require.Len(t, store.created, 1)
	assert.Equal(t, descriptor(), store.created[0])
}

func TestReconcilePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := New(&fakeStore{queryErr: boom}).Reconcile(context.Background(), descriptor())
	assert.ErrorIs(t, err, boom)

	_, err = New(&fakeStore{writeErr: boom}).Reconcile(context.Background(), descriptor())
	assert.ErrorIs(t, err, boom)
}

func TestDecideReasons(t *testing.T) {
	d := descriptor()
	rec := storedFor(d)

	action, err := Decide(d, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotFound, action.Reason)

	action, err = Decide(d, []model.StoredRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUpToDate, action.Reason)

	d.Rooms = []string{"C12"}
	action, err = Decide(d, []model.StoredRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonChanged, action.Reason)

	second := storedFor(d)
	second.ID, second.Title = "page-2", "CS101 copy"
	rec.Title = "CS101 old"
	action, err = Decide(d, []model.StoredRecord{rec, second})
	require.ErrorIs(t, err, ErrAmbiguousMatch)
	assert.Equal(t, model.ReasonAmbiguous, action.Reason)
}

// upperStore stores rooms upper-cased.
type upperStore struct {
	fakeStore
}

func (s *upperStore) Normalize(d model.Descriptor) model.Descriptor {
	rooms := make([]string, 0, len(d.Rooms))
	for _, r := range d.Rooms {
		rooms = append(rooms, strings.ToUpper(r))
	}
	d.Rooms = rooms
	return d
}

func TestReconcileDiffsNormalizedDescriptor(t *testing.T) {
	d := descriptor()
	d.Rooms = []string{"b204"}
	stored := storedFor(descriptor())
	store := &upperStore{fakeStore{records: []model.StoredRecord{stored}}}

	action, err := New(store).Reconcile(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkip, action.Kind)

	d.Rooms = []string{"c12"}
	action, err = New(store).Reconcile(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdate, action.Kind)
	assert.Equal(t, []string{"C12"}, store.updated["page-1"].Rooms)
}
