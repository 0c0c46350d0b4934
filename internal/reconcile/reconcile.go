// Package reconcile decides, for one course descriptor at a time, whether the
// record store needs a create, an update, or nothing, and applies that
// decision.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

// ErrAmbiguousMatch is returned when more than one stored record matches a
// descriptor's lookup token and none of them is an exact title match.
var ErrAmbiguousMatch = errors.New("ambiguous store match")

// Store is the record-store capability the reconciler needs.
type Store interface {
	// QueryAll returns a snapshot of every record at call time.
	QueryAll(ctx context.Context) ([]model.StoredRecord, error)
	Create(ctx context.Context, d model.Descriptor) (model.StoredRecord, error)
	Update(ctx context.Context, id string, d model.Descriptor) (model.StoredRecord, error)
}

// Normalizer is implemented by stores that rewrite values on write. The
// reconciler diffs and writes the normalized descriptor, so a stored record
// can compare equal to what was written.
type Normalizer interface {
	Normalize(d model.Descriptor) model.Descriptor
}

var (
	separatorRe = regexp.MustCompile(`[\s'’]+`)
	repeatSepRe = regexp.MustCompile(`-{2,}`)
)

// LookupToken turns a course key into the token searched for in record
// references: whitespace and apostrophes become '-', repeated separators
// collapse, and the result is upper-cased.
func LookupToken(courseKey string) string {
	token := separatorRe.ReplaceAllString(courseKey, "-")
	token = repeatSepRe.ReplaceAllString(token, "-")
	// Casers keep state, so one is built per call.
	return cases.Upper(language.Und).String(token)
}

// FindMatch returns the stored record whose Ref contains the descriptor's
// lookup token. When several do, the single record whose Title equals the
// course key wins; otherwise ErrAmbiguousMatch is returned.
func FindMatch(courseKey string, snapshot []model.StoredRecord) (*model.StoredRecord, error) {
	token := LookupToken(courseKey)
	if token == "" {
		return nil, nil
	}

	var matches []model.StoredRecord
	for _, rec := range snapshot {
		if strings.Contains(rec.Ref, token) {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	}

	var exact []model.StoredRecord
	for _, rec := range matches {
		if rec.Title == courseKey {
			exact = append(exact, rec)
		}
	}
	if len(exact) == 1 {
		return &exact[0], nil
	}

	ids := make([]string, 0, len(matches))
	for _, rec := range matches {
		ids = append(ids, rec.ID)
	}
	return nil, fmt.Errorf("%w: token %q matches records %s", ErrAmbiguousMatch, token, strings.Join(ids, ", "))
}

// UpToDate reports whether rec already reflects d: same start, stored
// categories/tutors/groups/rooms are supersets of the descriptor's, and
// identical notes. Absent stored fields never count as up to date.
func UpToDate(rec model.StoredRecord, d model.Descriptor) bool {
	if rec.Start == nil || !rec.Start.Equal(d.Start) {
		return false
	}
	if !containsAll(rec.Categories, d.Categories) {
		return false
	}
	if !containsAll(rec.Tutors, d.Tutors) {
		return false
	}
	if !containsAll(rec.Groups, d.Groups) {
		return false
	}
	if !containsAll(rec.Rooms, d.Rooms) {
		return false
	}
	return rec.Notes != nil && *rec.Notes == d.Notes
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

// Decide is the pure decision step over a descriptor and a store snapshot.
func Decide(d model.Descriptor, snapshot []model.StoredRecord) (model.Action, error) {
	if !d.Complete() {
		return model.Action{Kind: model.ActionSkip, Payload: d, Reason: model.ReasonIncomplete}, nil
	}

	match, err := FindMatch(d.CourseKey, snapshot)
	if err != nil {
		return model.Action{Kind: model.ActionSkip, Payload: d, Reason: model.ReasonAmbiguous}, err
	}
	if match == nil {
		return model.Action{Kind: model.ActionCreate, Payload: d, Reason: model.ReasonNotFound}, nil
	}
	if UpToDate(*match, d) {
		return model.Action{Kind: model.ActionSkip, Payload: d, Reason: model.ReasonUpToDate}, nil
	}
	return model.Action{Kind: model.ActionUpdate, TargetID: match.ID, Payload: d, Reason: model.ReasonChanged}, nil
}

// Reconciler applies decisions to a Store.
type Reconciler struct {
	store Store
}

func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile gates, looks up, diffs and applies a single descriptor. An
// incomplete descriptor never reaches the store. Store errors are returned
// wrapped and are not retried.
func (r *Reconciler) Reconcile(ctx context.Context, d model.Descriptor) (model.Action, error) {
	if !d.Complete() {
		appLog.Info("course skipped: missing information",
			"course", d.CourseKey,
			"start", d.Start.Format(time.RFC3339),
		)
		return model.Action{Kind: model.ActionSkip, Payload: d, Reason: model.ReasonIncomplete}, nil
	}

	if n, ok := r.store.(Normalizer); ok {
		d = n.Normalize(d)
	}

	snapshot, err := r.store.QueryAll(ctx)
	if err != nil {
		return model.Action{}, fmt.Errorf("reconcile %q: query store: %w", d.CourseKey, err)
	}

	action, err := Decide(d, snapshot)
	if err != nil {
		return action, fmt.Errorf("reconcile %q: %w", d.CourseKey, err)
	}

	switch action.Kind {
	case model.ActionCreate:
		appLog.Info("course not found, creating", "course", d.CourseKey)
		if _, err := r.store.Create(ctx, d); err != nil {
			return action, fmt.Errorf("reconcile %q: create: %w", d.CourseKey, err)
		}
	case model.ActionUpdate:
		appLog.Info("course out of date, updating", "course", d.CourseKey, "id", action.TargetID)
		if _, err := r.store.Update(ctx, action.TargetID, d); err != nil {
			return action, fmt.Errorf("reconcile %q: update %s: %w", d.CourseKey, action.TargetID, err)
		}
	default:
		appLog.Debug("course already up to date", "course", d.CourseKey)
	}

	return action, nil
}
