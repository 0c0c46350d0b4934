package model

import "time"

// RawEntry is a single calendar entry as returned by the feed, after
// recurrence expansion. Title and Description are the free-text fields the
// extractor works on.
type RawEntry struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	Title       string
	Description string
	Location    string

	Start time.Time
	End   time.Time
}

// Descriptor is the structured course occurrence derived from a RawEntry.
// It lives for a single pipeline run.
type Descriptor struct {
	CourseKey string

	// [Start, End) half-open.
	Start time.Time
	End   time.Time

	Categories []string
	Tutors     []string
	Groups     []string
	Rooms      []string

	Notes    string
	Location string

	// Merged is set when the descriptor absorbed an adjacent session.
	Merged bool
}

// Complete reports whether every field required by the record store is set.
func (d Descriptor) Complete() bool {
	return d.CourseKey != "" &&
		len(d.Categories) > 0 && d.Categories[0] != "" &&
		len(d.Tutors) > 0 &&
		len(d.Groups) > 0 &&
		len(d.Rooms) > 0 &&
		d.Notes != ""
}

// StoredRecord is the record store's view of a course. Every schema property
// is optional; nil means the store did not return it.
type StoredRecord struct {
	// ID is the opaque store-assigned identity.
	ID string
	// Ref is the external reference searched by the lookup token
	// (Notion page URL or SQLite slug).
	Ref   string
	Title string

	Start *time.Time
	End   *time.Time

	Categories []string
	Tutors     []string
	Groups     []string
	Rooms      []string

	Notes *string
}

// ActionKind is the reconciliation decision for one descriptor.
type ActionKind int

const (
	ActionSkip ActionKind = iota
	ActionCreate
	ActionUpdate
)

func (k ActionKind) String() string {
	switch k {
	case ActionSkip:
		return "skip"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Action is what the reconciler decided (and, once applied, did) for a
// descriptor.
type Action struct {
	Kind ActionKind
	// TargetID is the stored record to update; empty unless Kind is ActionUpdate.
	TargetID string
	Payload  Descriptor
	Reason Reason
}

// Reason says why the reconciler chose an action.
type Reason string

const (
	ReasonIncomplete Reason = "incomplete"
	ReasonAmbiguous  Reason = "ambiguous"
	ReasonNotFound   Reason = "not found"
	ReasonUpToDate   Reason = "up to date"
	ReasonChanged    Reason = "changed"
)
