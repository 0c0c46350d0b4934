package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location all entries are converted to. Nil means time.Local.
	Location *time.Location

	// RangeStart / RangeEnd bound the entry start times, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway RRULEs. Zero means 5000.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded entries and the UIDs that hit the cap.
type ExpandResult struct {
	Entries         []model.RawEntry
	TruncatedEvents []string
}

// ExpandEntries turns parsed events into concrete raw entries whose start
// falls inside [RangeStart, RangeEnd]. Recurring events are expanded with
// their RRULE and EXDATEs; RECURRENCE-ID overrides replace the matching
// instance. All-day events are dropped: a timetable slot always has a time.
func ExpandEntries(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	order := make([]string, 0)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	for _, uid := range order {
		for _, ev := range bases[uid] {
			if ev.AllDay {
				continue
			}
			var (
				entries []model.RawEntry
				capped  bool
			)
			if ev.RawRRule == "" {
				entries = expandSingle(ev, overrides[uid], cfg)
			} else {
				entries, capped = expandRecurring(ev, overrides[uid], cfg)
			}
			result.Entries = append(result.Entries, entries...)
			if capped {
				result.TruncatedEvents = append(result.TruncatedEvents, uid)
				appLog.Warn("expand: occurrences truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
		}
	}

	return result, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.RawEntry {
	if o, ok := findOverride(overrides, ev.Start); ok {
		ev = o
	}
	if !inRange(ev.Start, cfg) {
		return nil
	}
	return []model.RawEntry{toEntry(ev, ev.Start, ev.End, cfg.Location)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.RawEntry, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	capped := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		capped = true
	}

	duration := ev.End.Sub(ev.Start)
	out := make([]model.RawEntry, 0, len(starts))
	for _, s := range starts {
		inst, start, end := ev, s, s.Add(duration)
		if o, ok := findOverride(overrides, s); ok {
			inst, start, end = o, o.Start, o.End
			if !inRange(start, cfg) {
				continue
			}
		}
		out = append(out, toEntry(inst, start, end, cfg.Location))
	}
	return out, capped
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

func toEntry(ev ParsedEvent, start, end time.Time, loc *time.Location) model.RawEntry {
	return model.RawEntry{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       start.In(loc),
		End:         end.In(loc),
	}
}
