// Package pipeline wires the per-image OCR → parse → normalize chain
// together with the cross-image aggregation step, tagging every
// failure with the semantic stage-error kind the worker loop and
// session lifecycle classify on.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/scheduleingest/worker/internal/aggregate"
	"github.com/scheduleingest/worker/internal/layout"
	"github.com/scheduleingest/worker/internal/normalize"
	"github.com/scheduleingest/worker/internal/objectstore"
	"github.com/scheduleingest/worker/internal/ocr"
)

// Kind tags the semantic category of a pipeline failure, per
// spec.md §7.
type Kind string

const (
	KindInvalidConfig  Kind = "INVALID_CONFIG"
	KindInvalidInput   Kind = "INVALID_INPUT"
	KindStageFailure   Kind = "STAGE_FAILURE"
	KindLeaseLost      Kind = "LEASE_LOST"
	KindTransientStore Kind = "TRANSIENT_STORE_ERROR"
)

// StageError tags an underlying error with the stage it happened in
// and its semantic kind, so callers can use errors.Is/errors.As
// instead of matching on message text.
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// SessionImage identifies one captured screenshot to run through the
// pipeline, in session-sequence order.
type SessionImage struct {
	Key      string
	Sequence int
}

// Result is the pipeline's output for one session: the resolved
// schedule date and the deduplicated, deterministically ordered
// canonical shift list ready to hand to the event store's diff step.
type Result struct {
	ScheduleDate string
	Shifts       []normalize.CanonicalShift
	ImageCount   int
}

// Run fetches each image's bytes, extracts OCR boxes, parses and
// normalizes them into canonical shifts, resolves the session's
// schedule date, and aggregates all images into one day schedule.
func Run(ctx context.Context, adapter ocr.Adapter, store objectstore.Client, images []SessionImage, defaultYear *int, timeToleranceMinutes int) (Result, error) {
	if len(images) == 0 {
		return Result{}, stageErr(KindInvalidInput, "fetch_image", fmt.Errorf("session has no capture images"))
	}

	sorted := append([]SessionImage(nil), images...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	perImageShifts := make([][]normalize.CanonicalShift, len(sorted))
	perImageDates := make([]*string, len(sorted))

	for i, img := range sorted {
		bytes, err := store.Get(ctx, img.Key)
		if err != nil {
			return Result{}, stageErr(KindInvalidInput, "fetch_image", fmt.Errorf("image %q: %w", img.Key, err))
		}

		boxes, err := adapter.Extract(ctx, bytes)
		if err != nil {
			return Result{}, stageErr(KindStageFailure, "ocr", fmt.Errorf("image %q: %w", img.Key, err))
		}

		entries := layout.Parse(boxes)

		shifts, err := normalize.NormalizeEntries(entries)
		if err != nil {
			return Result{}, stageErr(KindStageFailure, "normalize", fmt.Errorf("image %q: %w", img.Key, err))
		}
		perImageShifts[i] = shifts

		if date, dateErr := ocr.ExtractScheduleDate(boxes, defaultYear); dateErr == nil {
			perImageDates[i] = &date
		}
	}

	scheduleDate, _, _, err := ocr.ResolveSessionScheduleDates(perImageDates)
	if err != nil {
		return Result{}, stageErr(KindInvalidInput, "resolve_schedule_date", err)
	}

	daySchedule, err := aggregate.AggregateSessionShifts(perImageShifts, scheduleDate, timeToleranceMinutes)
	if err != nil {
		return Result{}, stageErr(KindStageFailure, "aggregate", err)
	}

	shifts := make([]normalize.CanonicalShift, len(daySchedule.Shifts))
	for i, aggregated := range daySchedule.Shifts {
		shifts[i] = aggregated.Shift
	}

	return Result{
		ScheduleDate: scheduleDate,
		Shifts:       shifts,
		ImageCount:   len(sorted),
	}, nil
}
