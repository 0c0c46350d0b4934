// Package merge fuses chronologically adjacent descriptors of the same course
// into a single descriptor.
package merge

import (
	"time"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

const (
	DefaultTolerance = 15 * time.Minute
	DefaultMarker    = "Merged sessions"
	FrenchMarker     = "Cours fusionnés"
)

// Merger holds the merge policy. The zero value is not usable; use New.
type Merger struct {
	tolerance time.Duration
	marker    string
}

// New returns a Merger. A zero tolerance merges only back-to-back sessions.
// A negative tolerance falls back to DefaultTolerance and an empty marker to
// DefaultMarker.
func New(tolerance time.Duration, marker string) *Merger {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	if marker == "" {
		marker = DefaultMarker
	}
	return &Merger{tolerance: tolerance, marker: marker}
}

// MarkerFor returns the merge marker for a locale ("en" or "fr").
func MarkerFor(locale string) string {
	if locale == "fr" {
		return FrenchMarker
	}
	return DefaultMarker
}

// Gap is the idle time between previous ending and current starting, with
// the sequence walked forward in time. Overlapping sessions give a negative
// gap.
func Gap(current, previous model.Descriptor) time.Duration {
	return current.Start.Sub(previous.End)
}

// Merge returns current unchanged unless previous is the same course and the
// gap between them lies within [-tolerance, +tolerance]. In that case the
// result spans previous.Start to current.End, unions the set fields and
// concatenates the notes followed by the merge marker.
func (m *Merger) Merge(current model.Descriptor, previous *model.Descriptor) (model.Descriptor, bool) {
	if previous == nil || previous.CourseKey != current.CourseKey {
		return current, false
	}

	gap := Gap(current, *previous)
	if gap > m.tolerance || gap < -m.tolerance {
		appLog.Debug("sessions not merged", "course", current.CourseKey, "gap", gap)
		return current, false
	}

	merged := model.Descriptor{
		CourseKey:  current.CourseKey,
		Start:      previous.Start,
		End:        current.End,
		Categories: Union(previous.Categories, current.Categories),
		Tutors:     Union(previous.Tutors, current.Tutors),
		Groups:     Union(previous.Groups, current.Groups),
		Rooms:      Union(previous.Rooms, current.Rooms),
		Notes:      previous.Notes + "\n" + current.Notes + "\n\n" + m.marker,
		Location:   current.Location,
		Merged:     true,
	}
	if merged.Location == "" {
		merged.Location = previous.Location
	}

	appLog.Info("sessions merged",
		"course", current.CourseKey,
		"gap", gap,
		"start", merged.Start.Format(time.RFC3339),
		"end", merged.End.Format(time.RFC3339),
	)
	return merged, true
}

// Fold walks descs (ascending by start) and threads the previous, already
// merged descriptor as explicit state. A descriptor that gets absorbed is
// replaced in the output by the merged result, so chains of adjacent
// sessions collapse into one.
func (m *Merger) Fold(descs []model.Descriptor) []model.Descriptor {
	out := make([]model.Descriptor, 0, len(descs))
	var prev *model.Descriptor

	for _, cur := range descs {
		next, merged := m.Merge(cur, prev)
		if merged {
			out[len(out)-1] = next
		} else {
			out = append(out, next)
		}
		last := out[len(out)-1]
		prev = &last
	}

	return out
}

// Union returns the elements of a followed by those of b, without
// duplicates, in order of first appearance.
func Union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
