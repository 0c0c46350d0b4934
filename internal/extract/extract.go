// Package extract turns the free-text title/description of a calendar entry
// into a structured course descriptor.
package extract

import (
	"regexp"
	"strings"

	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

// Labels names the labeled description lines the extractor looks for.
type Labels struct {
	Category    string
	Tutor       string
	Group       string
	Room        string
	Description string
}

var (
	EnglishLabels = Labels{
		Category:    "Category",
		Tutor:       "Tutor",
		Group:       "Group",
		Room:        "Room",
		Description: "Description",
	}

	// FrenchLabels matches the timetable export used by French schools.
	FrenchLabels = Labels{
		Category:    "Catégorie",
		Tutor:       "Tuteur",
		Group:       "Groupe",
		Room:        "Salle",
		Description: "Description",
	}
)

// LabelsFor returns the label preset for a locale ("en" or "fr").
func LabelsFor(locale string) Labels {
	if strings.EqualFold(strings.TrimSpace(locale), "fr") {
		return FrenchLabels
	}
	return EnglishLabels
}

var courseKeyRe = regexp.MustCompile(`; (.*?);`)

// Extractor holds the compiled label patterns. It is safe for concurrent use
// and has no state beyond its configuration.
type Extractor struct {
	category    *regexp.Regexp
	tutor       *regexp.Regexp
	group       *regexp.Regexp
	room        *regexp.Regexp
	description *regexp.Regexp
}

// New compiles an Extractor for the given label set.
func New(labels Labels) *Extractor {
	return &Extractor{
		category:    labelRe(labels.Category),
		tutor:       labelRe(labels.Tutor),
		group:       labelRe(labels.Group),
		room:        labelRe(labels.Room),
		description: labelRe(labels.Description),
	}
}

// labelRe matches "<Label>: <value>" at the start of a line.
func labelRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^[ \t]*` + regexp.QuoteMeta(label) + `:[ \t]*(.+)$`)
}

// Extract derives a descriptor from a raw entry. Unparseable fields degrade
// to empty values; completeness is checked later.
func (e *Extractor) Extract(entry model.RawEntry) model.Descriptor {
	d := model.Descriptor{
		CourseKey: CourseKey(entry.Title),
		Start:     entry.Start,
		End:       entry.End,
		Location:  entry.Location,
	}

	desc := strings.ReplaceAll(entry.Description, "\r\n", "\n")

	if c := scalar(e.category, desc); c != "" {
		d.Categories = []string{c}
	}
	d.Tutors = list(e.tutor, desc)
	d.Groups = list(e.group, desc)
	d.Rooms = list(e.room, desc)
	d.Notes = scalar(e.description, desc)

	return d
}

// CourseKey returns the identifier between "; " and the next ";" in a
// title, or "" if the title has no such segment.
func CourseKey(title string) string {
	m := courseKeyRe.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return m[1]
}

func scalar(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// list splits a labeled value on ';'. Empty pieces and duplicates are kept.
func list(re *regexp.Regexp, text string) []string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
