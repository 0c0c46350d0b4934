package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
)

// Reader is the feed capability of the sync pipeline: it returns the raw
// entries of all configured sources for a time window.
type Reader struct {
	fetcher  *Fetcher
	sources  []Source
	location *time.Location
}

// NewReader builds a Reader over sources. loc is the zone entries are
// reported in; nil means time.Local.
func NewReader(fetcher *Fetcher, sources []Source, loc *time.Location) *Reader {
	if loc == nil {
		loc = time.Local
	}
	return &Reader{fetcher: fetcher, sources: sources, location: loc}
}

// ListEntries fetches, parses and expands every source, keeps entries whose
// start lies in [windowStart, windowEnd] and returns them in ascending start
// order. Entries with unparseable titles are kept; filtering is the
// pipeline's job. Any source failing without a cached body fails the call.
func (r *Reader) ListEntries(ctx context.Context, windowStart, windowEnd time.Time) ([]model.RawEntry, error) {
	if len(r.sources) == 0 {
		return nil, errors.New("ics: no feed sources configured")
	}

	results, err := r.fetcher.FetchAll(ctx, r.sources)
	if err != nil {
		return nil, err
	}

	var parsed []ParsedEvent
	for _, res := range results {
		events, err := ParseICS(res.Source, res.Body)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, events...)
	}

	expanded, err := ExpandEntries(parsed, ExpandConfig{
		Location:   r.location,
		RangeStart: windowStart,
		RangeEnd:   windowEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("ics: %w", err)
	}

	entries := make([]model.RawEntry, 0, len(expanded.Entries))
	for _, e := range expanded.Entries {
		if !e.Start.Before(e.End) {
			appLog.Warn("ics entry dropped: empty interval", "uid", e.UID, "title", e.Title)
			continue
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})

	appLog.Info("feed entries listed",
		"sources", len(r.sources),
		"entries", len(entries),
		"window_start", windowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339),
	)
	return entries, nil
}
