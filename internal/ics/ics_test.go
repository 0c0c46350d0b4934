package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendar(events ...string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//edtsync//test//EN",
	}
	for _, ev := range events {
		lines = append(lines, strings.Split(ev, "\n")...)
	}
	lines = append(lines, "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

const lectureAfternoon = `BEGIN:VEVENT
UID:evt-2
DTSTAMP:20250301T000000Z
DTSTART:20250310T103500Z
DTEND:20250310T120000Z
SUMMARY:B3\; CS101\; Lecture
DESCRIPTION:Category: Lecture\nTutor: Ada\; Alan\nGroup: G1\nRoom: B204\nDescription: Part two
LOCATION:Campus A
END:VEVENT`

const lectureMorning = `BEGIN:VEVENT
UID:evt-1
DTSTAMP:20250301T000000Z
DTSTART:20250310T090000Z
DTEND:20250310T103000Z
SUMMARY:B3\; CS101\; Lecture
DESCRIPTION:Category: Lecture\nTutor: Ada\nGroup: G1\nRoom: B204\nDescription: Part one
END:VEVENT`

const outOfWindow = `BEGIN:VEVENT
UID:evt-old
DTSTAMP:20250301T000000Z
DTSTART:20250201T090000Z
DTEND:20250201T100000Z
SUMMARY:B3\; OLD\; Lecture
END:VEVENT`

const weeklyLab = `BEGIN:VEVENT
UID:lab
DTSTAMP:20250301T000000Z
DTSTART:20250310T140000Z
DTEND:20250310T160000Z
RRULE:FREQ=DAILY;COUNT=4
EXDATE:20250311T140000Z
SUMMARY:B3\; LAB\; TP
END:VEVENT
BEGIN:VEVENT
UID:lab
DTSTAMP:20250301T000000Z
RECURRENCE-ID:20250312T140000Z
DTSTART:20250312T150000Z
DTEND:20250312T170000Z
SUMMARY:B3\; LAB\; TP (moved)
END:VEVENT`

const allDay = `BEGIN:VEVENT
UID:holiday
DTSTAMP:20250301T000000Z
DTSTART;VALUE=DATE:20250311
DTEND;VALUE=DATE:20250312
SUMMARY:Holiday
END:VEVENT`

var (
	windowStart = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.AddDate(0, 0, 7)
)

func TestParseICSUnescapesText(t *testing.T) {
	events, err := ParseICS(Source{ID: "t"}, calendar(lectureAfternoon))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "evt-2", ev.UID)
	assert.Equal(t, "B3; CS101; Lecture", ev.Summary)
	assert.Equal(t, "Category: Lecture\nTutor: Ada; Alan\nGroup: G1\nRoom: B204\nDescription: Part two", ev.Description)
	assert.Equal(t, "Campus A", ev.Location)
	assert.True(t, ev.Start.Equal(time.Date(2025, 3, 10, 10, 35, 0, 0, time.UTC)))
	assert.False(t, ev.AllDay)
}

func TestParseICSEmptyBody(t *testing.T) {
	_, err := ParseICS(Source{ID: "t"}, nil)
	assert.Error(t, err)
}

func TestExpandEntriesRecurrence(t *testing.T) {
	events, err := ParseICS(Source{ID: "t"}, calendar(weeklyLab, allDay))
	require.NoError(t, err)

	res, err := ExpandEntries(events, ExpandConfig{
		Location:   time.UTC,
		RangeStart: windowStart,
		RangeEnd:   windowEnd,
	})
	require.NoError(t, err)

	starts := make([]time.Time, 0, len(res.Entries))
	for _, e := range res.Entries {
		starts = append(starts, e.Start)
	}
	assert.Equal(t, []time.Time{
		time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 13, 14, 0, 0, 0, time.UTC),
	}, starts)
	assert.Equal(t, "B3; LAB; TP (moved)", res.Entries[1].Title)
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandEntriesWindowBoundsAreInclusive(t *testing.T) {
	events := []ParsedEvent{
		{UID: "first", Start: windowStart, End: windowStart.Add(time.Hour)},
		{UID: "last", Start: windowEnd, End: windowEnd.Add(time.Hour)},
		{UID: "after", Start: windowEnd.Add(time.Second), End: windowEnd.Add(time.Hour)},
		{UID: "before", Start: windowStart.Add(-time.Second), End: windowStart.Add(time.Hour)},
	}

	res, err := ExpandEntries(events, ExpandConfig{Location: time.UTC, RangeStart: windowStart, RangeEnd: windowEnd})
	require.NoError(t, err)

	uids := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		uids = append(uids, e.UID)
	}
	assert.Equal(t, []string{"first", "last"}, uids)
}

func TestExpandEntriesRejectsInvertedRange(t *testing.T) {
	_, err := ExpandEntries(nil, ExpandConfig{RangeStart: windowEnd, RangeEnd: windowStart})
	assert.Error(t, err)
}

func TestReaderListsWindowInAscendingOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(calendar(lectureAfternoon, outOfWindow, lectureMorning))
	}))
	defer srv.Close()

	reader := NewReader(NewFetcher(t.TempDir()), []Source{{ID: "edt", URL: srv.URL + "/edt.ics"}}, time.UTC)

	entries, err := reader.ListEntries(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "evt-1", entries[0].UID)
	assert.Equal(t, "evt-2", entries[1].UID)
	assert.Equal(t, "edt", entries[0].SourceID)
}

func TestReaderWithoutSources(t *testing.T) {
	_, err := NewReader(NewFetcher(t.TempDir()), nil, nil).ListEntries(context.Background(), windowStart, windowEnd)
	assert.Error(t, err)
}

func TestFetcherConditionalRequestsAndFallback(t *testing.T) {
	var (
		calls   atomic.Int32
		failing atomic.Bool
	)
	body := calendar(lectureMorning)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "edt", URL: srv.URL + "/private.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, body, first.Body)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, body, second.Body)

	failing.Store(true)
	third, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetcherStatusErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(t.TempDir()).FetchOne(context.Background(), Source{ID: "edt", URL: srv.URL})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://edt.example.com/...(redacted)", redactURL("https://edt.example.com/feed/abc.ics?token=1"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
