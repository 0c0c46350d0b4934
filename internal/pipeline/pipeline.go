// Package pipeline runs one sync: read the feed, extract descriptors, merge
// adjacent sessions and reconcile each result against the record store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexis-rarchaert/edtversnotion/internal/extract"
	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/merge"
	"github.com/alexis-rarchaert/edtversnotion/internal/model"
	"github.com/alexis-rarchaert/edtversnotion/internal/reconcile"
)

// Feed is the calendar capability: raw entries in ascending start order.
type Feed interface {
	ListEntries(ctx context.Context, windowStart, windowEnd time.Time) ([]model.RawEntry, error)
}

// Summary counts what a run did.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Entries    int       `json:"entries"`
	Courses    int       `json:"courses"`
	Merged     int       `json:"merged"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Incomplete int       `json:"incomplete"`
	Ambiguous  int       `json:"ambiguous"`
}

// Window returns the bounds now and now+days. Entries starting exactly at
// the end bound are still included.
func Window(now time.Time, days int) (time.Time, time.Time) {
	return now, now.AddDate(0, 0, days)
}

// Pipeline wires the four stages together.
type Pipeline struct {
	feed       Feed
	extractor  *extract.Extractor
	merger     *merge.Merger
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

func New(feed Feed, extractor *extract.Extractor, merger *merge.Merger, store reconcile.Store) *Pipeline {
	return &Pipeline{
		feed:       feed,
		extractor:  extractor,
		merger:     merger,
		reconciler: reconcile.New(store),
		now:        time.Now,
	}
}

// Descriptors reads the feed and returns the merged descriptors for the
// window without touching the store.
func (p *Pipeline) Descriptors(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Descriptor, int, error) {
	entries, err := p.feed.ListEntries(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: list entries: %w", err)
	}

	descs := make([]model.Descriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, p.extractor.Extract(e))
	}
	return p.merger.Fold(descs), len(entries), nil
}

// Run performs one full sync for [windowStart, windowEnd]. Descriptors are
// reconciled one at a time in chronological order. The first store error
// aborts the run; writes already made are kept.
func (p *Pipeline) Run(ctx context.Context, windowStart, windowEnd time.Time) (Summary, error) {
	sum := Summary{StartedAt: p.now()}
	appLog.Info("sync run started",
		"window_start", windowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339),
	)

	descs, entries, err := p.Descriptors(ctx, windowStart, windowEnd)
	sum.Entries = entries
	if err != nil {
		sum.FinishedAt = p.now()
		return sum, err
	}
	sum.Courses = len(descs)

	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			sum.FinishedAt = p.now()
			return sum, err
		}
		if d.Merged {
			sum.Merged++
		}

		action, err := p.reconciler.Reconcile(ctx, d)
		switch {
		case errors.Is(err, reconcile.ErrAmbiguousMatch):
			appLog.Error("course skipped: several records match", err, "course", d.CourseKey)
			sum.Ambiguous++
			continue
		case err != nil:
			sum.FinishedAt = p.now()
			appLog.Error("sync run aborted", err, "course", d.CourseKey)
			return sum, err
		}

		switch action.Kind {
		case model.ActionCreate:
			sum.Created++
		case model.ActionUpdate:
			sum.Updated++
		default:
			if action.Reason == model.ReasonIncomplete {
				sum.Incomplete++
			} else {
				sum.Skipped++
			}
		}
	}

	sum.FinishedAt = p.now()
	appLog.Info("sync run finished",
		"entries", sum.Entries,
		"courses", sum.Courses,
		"merged", sum.Merged,
		"created", sum.Created,
		"updated", sum.Updated,
		"skipped", sum.Skipped,
		"incomplete", sum.Incomplete,
		"ambiguous", sum.Ambiguous,
		"took", sum.FinishedAt.Sub(sum.StartedAt),
	)
	return sum, nil
}
